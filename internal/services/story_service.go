package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"go.uber.org/zap"
)

// WorldObserver 接收每一次世界状态更新（乐观更新和最终结果）
type WorldObserver interface {
	WorldUpdated(world *models.WorldState)
}

// Session 一个已进入的世界。busy 保证同一时间只有一个回合在处理。
type Session struct {
	id    string
	mu    sync.Mutex
	busy  atomic.Bool
	world *models.WorldState
}

func newSession(world *models.WorldState) *Session {
	return &Session{id: world.ID, world: world}
}

// World 返回当前世界状态的副本
func (s *Session) World() *models.WorldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.Clone()
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// update applies fn to the live world and returns a snapshot of the result.
func (s *Session) update(fn func(w *models.WorldState)) *models.WorldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.world)
	return s.world.Clone()
}

// StoryService 持有当前会话，处理回合
type StoryService struct {
	mu            sync.Mutex
	session       *Session
	inflight      map[string]*Session // 有回合在处理的会话，离开后仍保留
	llm           GenerationService
	worlds        *WorldService
	meta          *MetaService
	plot          *PlotEngine
	observers     []WorldObserver
	imagesEnabled bool
	logger        *zap.Logger
	now           func() time.Time
}

func NewStoryService(llm GenerationService, worlds *WorldService, meta *MetaService, imagesEnabled bool, logger *zap.Logger) *StoryService {
	return &StoryService{
		llm:           llm,
		worlds:        worlds,
		meta:          meta,
		plot:          NewPlotEngine(),
		inflight:      make(map[string]*Session),
		imagesEnabled: imagesEnabled,
		logger:        logger.Named("story"),
		now:           time.Now,
	}
}

// AddObserver 注册更新监听（websocket hub 等）
func (ss *StoryService) AddObserver(o WorldObserver) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.observers = append(ss.observers, o)
}

// ListAvailableWorlds 自定义世界在前，预设在后
func (ss *StoryService) ListAvailableWorlds() []models.WorldTemplate {
	return ss.meta.ListAvailable()
}

// EnterWorld 进入模板对应的世界，替换当前会话。
// 同一世界的会话仍在使用时直接复用，不从存档重建。
func (ss *StoryService) EnterWorld(ctx context.Context, templateID string, lang models.Language) (*models.WorldState, error) {
	tpl, err := ss.meta.FindTemplate(templateID)
	if err != nil {
		return nil, err
	}

	if sess := ss.liveSession(tpl.ID); sess != nil {
		ss.setSession(sess)
		world := sess.World()
		ss.logger.Info("re-entered live world", zap.String("world_id", world.ID), zap.Bool("busy", sess.Busy()))
		ss.notify(world)
		return world, nil
	}

	world, persistNeeded, err := ss.worlds.StartFromTemplate(ctx, tpl, ss.meta.Profile(), lang)
	if err != nil {
		ss.logger.Error("enter world failed", zap.String("template_id", templateID), zap.Error(err))
		return nil, err
	}

	ss.setSession(newSession(world))
	if persistNeeded {
		ss.emit(world)
	} else {
		ss.notify(world)
	}
	return world.Clone(), nil
}

// UploadNewWorld 上传图片创建自定义世界并进入
func (ss *StoryService) UploadNewWorld(ctx context.Context, imageBytes []byte, lang models.Language) (*models.WorldState, error) {
	world, _, err := ss.worlds.UploadNewWorld(ctx, imageBytes, ss.meta.Profile(), lang)
	if err != nil {
		ss.logger.Error("upload world failed", zap.Error(err))
		return nil, err
	}
	ss.setSession(newSession(world))
	ss.notify(world)
	return world.Clone(), nil
}

// Current 当前会话
func (ss *StoryService) Current() (*Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.session == nil {
		return nil, ErrNoActiveWorld
	}
	return ss.session, nil
}

// CurrentWorld 当前世界状态的副本
func (ss *StoryService) CurrentWorld() (*models.WorldState, error) {
	sess, err := ss.Current()
	if err != nil {
		return nil, err
	}
	return sess.World(), nil
}

// WorldByID 当前会话中的世界，或自定义模板里的存档
func (ss *StoryService) WorldByID(id string) (*models.WorldState, error) {
	if world, err := ss.CurrentWorld(); err == nil && world.ID == id {
		return world, nil
	}
	tpl, err := ss.meta.FindTemplate(id)
	if err != nil {
		return nil, err
	}
	if tpl.SavedState == nil {
		return nil, fmt.Errorf("%w: %s 没有存档", ErrTemplateNotFound, id)
	}
	return tpl.SavedState, nil
}

// Leave 存档并返回：自定义世界已随每次更新保存，预设实例直接丢弃
func (ss *StoryService) Leave() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.session != nil {
		ss.logger.Info("left world", zap.String("world_id", ss.session.id))
	}
	ss.session = nil
}

// SendMessage 在当前会话上提交一个回合
func (ss *StoryService) SendMessage(ctx context.Context, userText string, lang models.Language) (*models.WorldState, error) {
	sess, err := ss.Current()
	if err != nil {
		return nil, err
	}
	return ss.SubmitTurn(ctx, sess, userText, lang)
}

// DeleteCustomWorld 删除自定义世界
func (ss *StoryService) DeleteCustomWorld(id string) error {
	return ss.meta.DeleteCustomWorld(id)
}

// Profile 旅行者档案，未设置时为 nil
func (ss *StoryService) Profile() *models.UserProfile {
	return ss.meta.Profile()
}

// SaveProfile 保存旅行者档案
func (ss *StoryService) SaveProfile(profile models.UserProfile) (*models.UserProfile, error) {
	return ss.meta.SaveProfile(profile)
}

// SubmitTurn 处理一个回合。用户消息在网络调用前先提交并保存；
// 生成失败时追加一条带 retry 选项的兜底消息，历史总是增加两条。
func (ss *StoryService) SubmitTurn(ctx context.Context, sess *Session, userText string, lang models.Language) (*models.WorldState, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return nil, fmt.Errorf("%w: 消息为空", ErrValidation)
	}
	if !sess.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}
	defer sess.busy.Store(false)
	ss.trackTurn(sess)
	defer ss.untrackTurn(sess)

	pending := sess.update(func(w *models.WorldState) {
		w.ChatHistory = append(w.ChatHistory, models.Message{
			Role:      models.RoleUser,
			Content:   text,
			Timestamp: ss.nextTimestamp(w),
		})
	})
	logger := ss.logger.With(zap.String("world_id", pending.ID))
	ss.emit(pending)

	res, err := ss.llm.AdvanceTurn(ctx, pending, text, lang)
	if err != nil {
		turnFallbacksTotal.Inc()
		logger.Warn("turn generation failed, answering with fallback", zap.Error(err))
		content, retry := fallbackTurn(lang)
		final := sess.update(func(w *models.WorldState) {
			w.ChatHistory = append(w.ChatHistory, models.Message{
				Role:      models.RoleModel,
				Content:   content,
				Timestamp: ss.nextTimestamp(w),
				Choices:   []models.NarrativeChoice{retry},
			})
		})
		ss.emit(final)
		return final, nil
	}

	imageURL := ss.sceneImage(ctx, pending, res, logger)

	final := sess.update(func(w *models.WorldState) {
		if res.PlotUpdates != nil && !res.PlotUpdates.IsEmpty() {
			if ss.plot.IgnoredActivation(w.PlotTree, *res.PlotUpdates) {
				logger.Warn("ignoring activation of a completed node",
					zap.String("node_id", res.PlotUpdates.ActivatedNodeID))
			}
			w.PlotTree = ss.plot.ApplyTransition(w.PlotTree, *res.PlotUpdates)
		}
		ts := ss.nextTimestamp(w)
		w.ChatHistory = append(w.ChatHistory, models.Message{
			Role:      models.RoleModel,
			Content:   res.Content,
			Timestamp: ts,
			Choices:   res.Choices,
			ImageURL:  imageURL,
		})
		w.LastActive = ts
	})
	turnsTotal.Inc()

	if chapter, ok := ss.plot.CurrentChapter(final.PlotTree); ok {
		logger.Debug("turn completed", zap.String("chapter", chapter.ID), zap.Int("history", len(final.ChatHistory)))
	}
	ss.emit(final)
	return final, nil
}

// sceneImage 场景图失败不影响回合
func (ss *StoryService) sceneImage(ctx context.Context, world *models.WorldState, res *TurnResult, logger *zap.Logger) string {
	if !ss.imagesEnabled || res.ImagePrompt == "" {
		return ""
	}
	url, err := ss.llm.GenerateSceneImage(ctx, res.ImagePrompt, world.VisualStyle)
	if err != nil {
		imageFailuresTotal.Inc()
		logger.Warn("scene image failed", zap.Error(err))
		return ""
	}
	return url
}

// nextTimestamp keeps timestamps strictly increasing within a world.
func (ss *StoryService) nextTimestamp(w *models.WorldState) int64 {
	ts := ss.now().UnixMilli()
	if n := len(w.ChatHistory); n > 0 && ts <= w.ChatHistory[n-1].Timestamp {
		ts = w.ChatHistory[n-1].Timestamp + 1
	}
	return ts
}

// liveSession 返回该世界的当前会话或仍在处理回合的会话
func (ss *StoryService) liveSession(worldID string) *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.session != nil && ss.session.id == worldID {
		return ss.session
	}
	return ss.inflight[worldID]
}

func (ss *StoryService) trackTurn(sess *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.inflight[sess.id] = sess
}

func (ss *StoryService) untrackTurn(sess *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.inflight[sess.id] == sess {
		delete(ss.inflight, sess.id)
	}
}

func (ss *StoryService) setSession(sess *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.session = sess
}

// emit 持久化并广播
func (ss *StoryService) emit(world *models.WorldState) {
	if err := ss.meta.SaveWorld(world); err != nil {
		ss.logger.Error("save world failed", zap.String("world_id", world.ID), zap.Error(err))
	}
	ss.notify(world)
}

func (ss *StoryService) notify(world *models.WorldState) {
	ss.mu.Lock()
	observers := append([]WorldObserver(nil), ss.observers...)
	ss.mu.Unlock()
	for _, o := range observers {
		o.WorldUpdated(world.Clone())
	}
}
