package models

// UserProfile 旅行者档案（每个安装唯一）
type UserProfile struct {
	Name        string `json:"name"`
	Description string `json:"description"` // MBTI、星座或自我描述
}

// Identity 用户在某个世界中的身份（生成后不可变）
type Identity struct {
	Title    string `json:"title"`
	Role     string `json:"role"`
	Ability  string `json:"ability"`
	Weakness string `json:"weakness"`
	Outfit   string `json:"outfit"`
}

// Companion 同伴（可为空）
type Companion struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	RoleInWorld  string `json:"roleInWorld"`
	Description  string `json:"description"`
}

// NodeStatus 剧情节点状态：locked -> active -> completed
type NodeStatus string

const (
	NodeLocked    NodeStatus = "locked"
	NodeActive    NodeStatus = "active"
	NodeCompleted NodeStatus = "completed"
)

// Valid reports whether s is one of the three known statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeLocked, NodeActive, NodeCompleted:
		return true
	}
	return false
}

// NodeType 剧情节点类型
type NodeType string

const (
	NodeArrival    NodeType = "arrival"
	NodeEncounter  NodeType = "encounter"
	NodeConflict   NodeType = "conflict"
	NodeRevelation NodeType = "revelation"
	NodeEnding     NodeType = "ending"
)

// StoryNode 剧情树节点
type StoryNode struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      NodeStatus `json:"status"`
	Type        NodeType   `json:"type"`
}

// PlotUpdate 生成服务提出的剧情节点变更（不可信输入）
type PlotUpdate struct {
	CompletedNodeID string `json:"completedNodeId,omitempty"`
	ActivatedNodeID string `json:"activatedNodeId,omitempty"`
}

// IsEmpty reports whether the update names no node at all.
func (u PlotUpdate) IsEmpty() bool {
	return u.CompletedNodeID == "" && u.ActivatedNodeID == ""
}

// Role 消息发送方
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Intent 选项意图
type Intent string

const (
	IntentExplore  Intent = "explore"
	IntentConnect  Intent = "connect"
	IntentRemember Intent = "remember"
	IntentResolve  Intent = "resolve"
	IntentFate     Intent = "fate"
)

// NarrativeChoice 叙事选项，只挂在最近一条模型消息上
type NarrativeChoice struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Intent Intent `json:"intent"`
}

// Message 对话消息（只追加，不修改）
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"` // unix 毫秒
	Choices   []NarrativeChoice `json:"choices,omitempty"`
	ImageURL  string            `json:"imageUrl,omitempty"`
}

// WorldState 一次游玩实例
type WorldState struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	ImageURL    string      `json:"imageUrl"`
	Era         string      `json:"era"`
	Mood        string      `json:"mood"`
	Identity    Identity    `json:"identity"`
	Companion   *Companion  `json:"companion"`
	ChatHistory []Message   `json:"chatHistory"`
	PlotTree    []StoryNode `json:"plotTree"`
	IsCustom    bool        `json:"isCustom"`
	LastActive  int64       `json:"lastActive,omitempty"`
	VisualStyle string      `json:"visualStyle,omitempty"`
}

// Clone returns a deep copy so callers can hand the world out without sharing
// the history and plot slices.
func (w *WorldState) Clone() *WorldState {
	if w == nil {
		return nil
	}
	c := *w
	if w.Companion != nil {
		comp := *w.Companion
		c.Companion = &comp
	}
	if w.ChatHistory != nil {
		c.ChatHistory = make([]Message, len(w.ChatHistory))
		for i, m := range w.ChatHistory {
			if m.Choices != nil {
				m.Choices = append([]NarrativeChoice(nil), m.Choices...)
			}
			c.ChatHistory[i] = m
		}
	}
	if w.PlotTree != nil {
		c.PlotTree = append(make([]StoryNode, 0, len(w.PlotTree)), w.PlotTree...)
	}
	return &c
}

// LastModelMessage 最近一条模型消息（其选项即当前可选项）
func (w *WorldState) LastModelMessage() (Message, bool) {
	for i := len(w.ChatHistory) - 1; i >= 0; i-- {
		if w.ChatHistory[i].Role == RoleModel {
			return w.ChatHistory[i], true
		}
	}
	return Message{}, false
}

// WorldTemplate 世界入口（预设或自定义）
type WorldTemplate struct {
	ID         string      `json:"id" yaml:"id"`
	ImageURL   string      `json:"imageUrl" yaml:"image_url"`
	Name       string      `json:"name" yaml:"name"`
	ShortDesc  string      `json:"shortDesc" yaml:"short_desc"`
	IsCustom   bool        `json:"isCustom" yaml:"-"`
	SavedState *WorldState `json:"savedState,omitempty" yaml:"-"`
}

// Resumable reports whether entering the template skips generation.
func (t WorldTemplate) Resumable() bool {
	return t.SavedState != nil
}

// Language 生成语言
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// ParseLanguage maps a loose tag ("zh-CN", "en_US", "") onto a supported
// language, falling back to def.
func ParseLanguage(tag string, def Language) Language {
	if len(tag) >= 2 {
		switch tag[:2] {
		case "zh", "ZH", "Zh":
			return LangZH
		case "en", "EN", "En":
			return LangEN
		}
	}
	return def
}

// Config 配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Image    ImageConfig    `yaml:"image"`
	Game     GameConfig     `yaml:"game"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port           string   `yaml:"port" env:"ATLAS_PORT" env-default:"8080"`
	Host           string   `yaml:"host" env:"ATLAS_HOST" env-default:"0.0.0.0"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ATLAS_ALLOWED_ORIGINS" env-separator:","`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"ATLAS_DB_PATH" env-default:"data/atlas.db"`
}

type LLMConfig struct {
	Provider       string  `yaml:"provider" env:"ATLAS_LLM_PROVIDER" env-default:"gemini"` // gemini | openai
	APIKey         string  `yaml:"api_key" env:"ATLAS_LLM_API_KEY"`
	APIBase        string  `yaml:"api_base" env:"ATLAS_LLM_API_BASE"`
	Model          string  `yaml:"model" env:"ATLAS_LLM_MODEL"`
	Temperature    float32 `yaml:"temperature" env:"ATLAS_LLM_TEMPERATURE" env-default:"0.8"`
	MaxTokens      int     `yaml:"max_tokens" env:"ATLAS_LLM_MAX_TOKENS" env-default:"4096"`
	TimeoutSeconds int     `yaml:"timeout_seconds" env:"ATLAS_LLM_TIMEOUT" env-default:"120"`
}

type ImageConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ATLAS_IMAGE_ENABLED" env-default:"true"`
	Model         string `yaml:"model" env:"ATLAS_IMAGE_MODEL"`
	FallbackModel string `yaml:"fallback_model" env:"ATLAS_IMAGE_FALLBACK_MODEL"`
	FetchTimeout  int    `yaml:"fetch_timeout_seconds" env:"ATLAS_IMAGE_FETCH_TIMEOUT" env-default:"30"`
	MaxUploadMB   int    `yaml:"max_upload_mb" env:"ATLAS_IMAGE_MAX_UPLOAD_MB" env-default:"10"`
}

type GameConfig struct {
	DefaultLanguage string `yaml:"default_language" env:"ATLAS_LANGUAGE" env-default:"en"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"ATLAS_LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"ATLAS_LOG_DEV"`
}
