package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"go.uber.org/zap"
)

// GenerationService is the boundary to the narrative generation backend.
// Its output is untrusted: callers validate and reconcile it.
type GenerationService interface {
	GenerateWorld(ctx context.Context, req WorldRequest) (*WorldGeneration, error)
	AdvanceTurn(ctx context.Context, world *models.WorldState, userText string, lang models.Language) (*TurnResult, error)
	// GenerateSceneImage returns a data URL.
	GenerateSceneImage(ctx context.Context, sceneDescription, visualStyle string) (string, error)
}

// WorldRequest 生成世界所需的输入
type WorldRequest struct {
	ImageBytes []byte
	MimeType   string
	Profile    *models.UserProfile
	Language   models.Language
}

// WorldGeneration 生成服务返回的初始世界
type WorldGeneration struct {
	Name             string                   `json:"name"`
	Era              string                   `json:"era"`
	Mood             string                   `json:"mood"`
	VisualStyle      string                   `json:"visualStyle"`
	Identity         models.Identity          `json:"identity"`
	Companion        *models.Companion        `json:"companion"`
	OpeningNarrative string                   `json:"openingNarrative"`
	InitialChoices   []models.NarrativeChoice `json:"initialChoices"`
	PlotTree         []models.StoryNode       `json:"plotTree"`
}

// TurnResult 一个回合的生成结果
type TurnResult struct {
	Content     string                   `json:"content"`
	Choices     []models.NarrativeChoice `json:"choices"`
	PlotUpdates *models.PlotUpdate       `json:"plotUpdates,omitempty"`
	ImagePrompt string                   `json:"imagePrompt,omitempty"`
}

// contentPart is one piece of a multimodal prompt.
type contentPart struct {
	Text     string
	Data     []byte
	MimeType string
}

func textPart(s string) contentPart { return contentPart{Text: s} }

// provider is implemented by each model backend.
type provider interface {
	// CompleteJSON sends the parts and returns the raw text reply, which is
	// expected to hold a JSON object.
	CompleteJSON(ctx context.Context, parts []contentPart) (string, error)
	// GenerateImage returns image bytes and their MIME type.
	GenerateImage(ctx context.Context, prompt, model string) ([]byte, string, error)
	Close() error
}

type LLMService struct {
	provider provider
	timeout  time.Duration
	imageCfg models.ImageConfig
	logger   *zap.Logger
}

// NewLLMService builds the service for the configured provider.
func NewLLMService(ctx context.Context, config models.LLMConfig, imageCfg models.ImageConfig, logger *zap.Logger) (*LLMService, error) {
	var (
		p   provider
		err error
	)
	switch strings.ToLower(config.Provider) {
	case "openai", "":
		p = newOpenAIProvider(config)
	case "gemini":
		p, err = newGeminiProvider(ctx, config)
	default:
		return nil, fmt.Errorf("未知的模型提供方 %q", config.Provider)
	}
	if err != nil {
		return nil, err
	}

	if imageCfg.Model == "" {
		imageCfg.Model = defaultImageModel(config.Provider)
	}
	return newLLMService(p, time.Duration(config.TimeoutSeconds)*time.Second, imageCfg, logger), nil
}

func newLLMService(p provider, timeout time.Duration, imageCfg models.ImageConfig, logger *zap.Logger) *LLMService {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &LLMService{
		provider: p,
		timeout:  timeout,
		imageCfg: imageCfg,
		logger:   logger.Named("llm"),
	}
}

func (s *LLMService) Close() error {
	return s.provider.Close()
}

// GenerateWorld 根据图片和用户档案生成世界
func (s *LLMService) GenerateWorld(ctx context.Context, req WorldRequest) (gen *WorldGeneration, err error) {
	start := time.Now()
	defer func() { observeGeneration(opGenerateWorld, start, err) }()

	if len(req.ImageBytes) == 0 {
		return nil, fmt.Errorf("%w: 图片为空", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.provider.CompleteJSON(ctx, []contentPart{
		textPart(systemInstruction(req.Language)),
		textPart(worldPrompt(req.Profile, req.Language)),
		{Data: req.ImageBytes, MimeType: req.MimeType},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	gen, err = parseWorldGeneration(text)
	if err != nil {
		s.logger.Warn("world generation returned unusable output", zap.Error(err), zap.Int("length", len(text)))
		return nil, err
	}
	return gen, nil
}

// AdvanceTurn 推进一个回合
func (s *LLMService) AdvanceTurn(ctx context.Context, world *models.WorldState, userText string, lang models.Language) (res *TurnResult, err error) {
	start := time.Now()
	defer func() { observeGeneration(opAdvanceTurn, start, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	plotStatus := NewPlotEngine().StatusSummary(world.PlotTree)
	text, err := s.provider.CompleteJSON(ctx, []contentPart{
		textPart(historyText(world.ChatHistory)),
		textPart(turnPrompt(world, userText, plotStatus, lang, s.imageCfg.Enabled)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	res, err = parseTurnResult(text)
	if err != nil {
		s.logger.Warn("turn generation returned unusable output", zap.Error(err), zap.String("world_id", world.ID))
		return nil, err
	}
	if !s.imageCfg.Enabled {
		res.ImagePrompt = ""
	}
	return res, nil
}

// GenerateSceneImage tries the primary image model, then the fallback one.
func (s *LLMService) GenerateSceneImage(ctx context.Context, sceneDescription, visualStyle string) (dataURL string, err error) {
	start := time.Now()
	defer func() { observeGeneration(opSceneImage, start, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := sceneImagePrompt(sceneDescription, visualStyle)
	var errs []error
	for _, model := range []string{s.imageCfg.Model, s.imageCfg.FallbackModel} {
		if model == "" {
			continue
		}
		data, mime, err := s.provider.GenerateImage(ctx, prompt, model)
		if err == nil && len(data) > 0 {
			return toDataURL(mime, data), nil
		}
		if err == nil {
			err = errors.New("图片为空")
		}
		s.logger.Warn("image model failed, falling back", zap.String("model", model), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: 未配置图片模型", ErrGeneration)
	}
	return "", fmt.Errorf("%w: %v", ErrGeneration, errors.Join(errs...))
}

func defaultImageModel(providerName string) string {
	if strings.EqualFold(providerName, "gemini") {
		return "gemini-2.0-flash-preview-image-generation"
	}
	return "dall-e-3"
}

func toDataURL(mime string, data []byte) string {
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

// cleanJSON strips markdown fences and any prose around the outermost object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func parseWorldGeneration(text string) (*WorldGeneration, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: 响应为空", ErrGeneration)
	}

	var raw struct {
		WorldGeneration
		Choices []models.NarrativeChoice `json:"choices"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("%w: 解析世界 JSON 失败: %v", ErrGeneration, err)
	}

	gen := raw.WorldGeneration
	if strings.TrimSpace(gen.Name) == "" && strings.TrimSpace(gen.OpeningNarrative) == "" {
		return nil, fmt.Errorf("%w: 世界缺少名称和开场叙述", ErrGeneration)
	}
	if len(gen.InitialChoices) == 0 {
		gen.InitialChoices = raw.Choices
	}
	gen.InitialChoices = sanitizeChoices(gen.InitialChoices)
	if gen.Companion != nil && strings.TrimSpace(gen.Companion.Name) == "" {
		gen.Companion = nil
	}
	if gen.VisualStyle == "" {
		gen.VisualStyle = "Fantasy art"
	}
	return &gen, nil
}

func parseTurnResult(text string) (*TurnResult, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: 响应为空", ErrGeneration)
	}

	var res TurnResult
	if err := json.Unmarshal([]byte(cleaned), &res); err != nil {
		return nil, fmt.Errorf("%w: 解析回合 JSON 失败: %v", ErrGeneration, err)
	}
	if strings.TrimSpace(res.Content) == "" {
		return nil, fmt.Errorf("%w: 回合没有内容", ErrGeneration)
	}
	res.Choices = sanitizeChoices(res.Choices)
	res.ImagePrompt = strings.TrimSpace(res.ImagePrompt)
	return &res, nil
}

// sanitizeChoices drops empty choices, fills missing ids and maps unknown
// intents to explore.
func sanitizeChoices(choices []models.NarrativeChoice) []models.NarrativeChoice {
	out := make([]models.NarrativeChoice, 0, len(choices))
	for _, c := range choices {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("c%d", len(out)+1)
		}
		switch c.Intent {
		case models.IntentExplore, models.IntentConnect, models.IntentRemember, models.IntentResolve, models.IntentFate:
		default:
			c.Intent = models.IntentExplore
		}
		out = append(out, c)
	}
	return out
}
