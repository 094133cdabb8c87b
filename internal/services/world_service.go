package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	customIDPrefix         = "custom-"
	presetInstanceIDPrefix = "preset-instance-"

	defaultWorldName = "New Realm"
	defaultEra       = "Unknown Era"
	defaultMood      = "Mysterious"
	defaultOpening   = "You arrive..."
)

// ImageSource 读取模板图片
type ImageSource interface {
	Load(ctx context.Context, ref string) ([]byte, string, error)
}

// WorldService 负责创建世界实例（从模板或上传图片）
type WorldService struct {
	llm    GenerationService
	images ImageSource
	meta   *MetaService
	plot   *PlotEngine
	logger *zap.Logger
	now    func() time.Time
}

func NewWorldService(llm GenerationService, images ImageSource, meta *MetaService, logger *zap.Logger) *WorldService {
	return &WorldService{
		llm:    llm,
		images: images,
		meta:   meta,
		plot:   NewPlotEngine(),
		logger: logger.Named("world"),
		now:    time.Now,
	}
}

// StartFromTemplate 有存档则直接恢复，否则调用生成服务创建新实例。
// persistNeeded 表示调用方需要立即保存（新生成的自定义世界）。
func (ws *WorldService) StartFromTemplate(ctx context.Context, tpl models.WorldTemplate, profile *models.UserProfile, lang models.Language) (*models.WorldState, bool, error) {
	if tpl.SavedState != nil {
		ws.logger.Info("resuming saved world", zap.String("world_id", tpl.ID))
		world := tpl.SavedState.Clone()
		world.ID = tpl.ID
		return world, false, nil
	}

	// 模板图片来自预设地址或存档，读取失败都算上游故障
	data, mime, err := ws.images.Load(ctx, tpl.ImageURL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: 读取 %s 的图片失败: %v", ErrGeneration, tpl.ID, err)
	}

	gen, err := ws.llm.GenerateWorld(ctx, WorldRequest{
		ImageBytes: data,
		MimeType:   mime,
		Profile:    profile,
		Language:   lang,
	})
	if err != nil {
		return nil, false, asGenerationError(err)
	}

	id := tpl.ID
	if !tpl.IsCustom {
		id = presetInstanceIDPrefix + uuid.New().String()
	}
	world := ws.buildWorld(id, tpl.ImageURL, tpl.Name, tpl.IsCustom, gen)
	ws.logger.Info("world generated",
		zap.String("template_id", tpl.ID),
		zap.String("world_id", world.ID),
		zap.Int("plot_nodes", len(world.PlotTree)))
	return world, tpl.IsCustom, nil
}

// UploadNewWorld 用上传的图片创建自定义世界，模板插到列表最前并持久化
func (ws *WorldService) UploadNewWorld(ctx context.Context, imageBytes []byte, profile *models.UserProfile, lang models.Language) (*models.WorldState, models.WorldTemplate, error) {
	mime, err := DetectImage(imageBytes)
	if err != nil {
		return nil, models.WorldTemplate{}, err
	}

	gen, err := ws.llm.GenerateWorld(ctx, WorldRequest{
		ImageBytes: imageBytes,
		MimeType:   mime,
		Profile:    profile,
		Language:   lang,
	})
	if err != nil {
		return nil, models.WorldTemplate{}, asGenerationError(err)
	}

	id := customIDPrefix + uuid.New().String()
	dataURL := toDataURL(mime, imageBytes)
	world := ws.buildWorld(id, dataURL, "", true, gen)

	tpl := models.WorldTemplate{
		ID:         id,
		ImageURL:   dataURL,
		Name:       world.Name,
		ShortDesc:  fmt.Sprintf("A captured memory from %s.", world.Era),
		IsCustom:   true,
		SavedState: world.Clone(),
	}
	if err := ws.meta.AddCustom(tpl); err != nil {
		return nil, models.WorldTemplate{}, err
	}

	ws.logger.Info("custom world created", zap.String("world_id", id), zap.String("name", world.Name))
	return world, tpl, nil
}

func (ws *WorldService) buildWorld(id, imageURL, templateName string, isCustom bool, gen *WorldGeneration) *models.WorldState {
	now := ws.now().UnixMilli()

	name := strings.TrimSpace(gen.Name)
	if name == "" {
		name = templateName
	}
	if name == "" {
		name = defaultWorldName
	}
	opening := strings.TrimSpace(gen.OpeningNarrative)
	if opening == "" {
		opening = defaultOpening
	}

	return &models.WorldState{
		ID:        id,
		Name:      name,
		ImageURL:  imageURL,
		Era:       orDefault(gen.Era, defaultEra),
		Mood:      orDefault(gen.Mood, defaultMood),
		Identity:  gen.Identity,
		Companion: gen.Companion,
		ChatHistory: []models.Message{{
			Role:      models.RoleModel,
			Content:   opening,
			Timestamp: now,
			Choices:   gen.InitialChoices,
		}},
		PlotTree:    ws.plot.Normalize(gen.PlotTree),
		IsCustom:    isCustom,
		LastActive:  now,
		VisualStyle: gen.VisualStyle,
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func asGenerationError(err error) error {
	if errors.Is(err, ErrGeneration) || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGeneration, err)
}
