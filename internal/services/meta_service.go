package services

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

// ArchiveStore 持久化层（profile 与自定义世界列表）
type ArchiveStore interface {
	LoadProfile() (*models.UserProfile, error)
	SaveProfile(profile models.UserProfile) error
	LoadArchives() ([]models.WorldTemplate, error)
	SaveArchives(templates []models.WorldTemplate) error
}

// MetaService 世界模板注册表：预设 + 自定义，自定义列表由它独占
type MetaService struct {
	mu      sync.Mutex
	store   ArchiveStore
	presets []models.WorldTemplate
	custom  []models.WorldTemplate
	profile *models.UserProfile
	logger  *zap.Logger
}

func NewMetaService(store ArchiveStore, logger *zap.Logger) (*MetaService, error) {
	presets, err := loadPresets()
	if err != nil {
		return nil, err
	}
	profile, err := store.LoadProfile()
	if err != nil {
		return nil, fmt.Errorf("%w: 读取档案失败: %v", ErrPersistence, err)
	}
	custom, err := store.LoadArchives()
	if err != nil {
		return nil, fmt.Errorf("%w: 读取存档失败: %v", ErrPersistence, err)
	}

	logger = logger.Named("registry")
	logger.Info("registry loaded",
		zap.Int("presets", len(presets)),
		zap.Int("custom", len(custom)),
		zap.Bool("has_profile", profile != nil))

	return &MetaService{
		store:   store,
		presets: presets,
		custom:  custom,
		profile: profile,
		logger:  logger,
	}, nil
}

func loadPresets() ([]models.WorldTemplate, error) {
	var presets []models.WorldTemplate
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		return nil, fmt.Errorf("解析预设世界失败: %w", err)
	}
	for i := range presets {
		presets[i].IsCustom = false
		presets[i].SavedState = nil
	}
	return presets, nil
}

// Profile 当前档案，未设置时返回 nil
func (ms *MetaService) Profile() *models.UserProfile {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.profile == nil {
		return nil
	}
	p := *ms.profile
	return &p
}

// SaveProfile 保存档案，名字不能为空
func (ms *MetaService) SaveProfile(profile models.UserProfile) (*models.UserProfile, error) {
	profile.Name = strings.TrimSpace(profile.Name)
	profile.Description = strings.TrimSpace(profile.Description)
	if profile.Name == "" {
		return nil, fmt.Errorf("%w: 名字不能为空", ErrValidation)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.store.SaveProfile(profile); err != nil {
		return nil, fmt.Errorf("%w: 保存档案失败: %v", ErrPersistence, err)
	}
	ms.profile = &profile
	p := profile
	return &p, nil
}

// ListAvailable 自定义世界（最新在前）+ 预设
func (ms *MetaService) ListAvailable() []models.WorldTemplate {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]models.WorldTemplate, 0, len(ms.custom)+len(ms.presets))
	for _, t := range ms.custom {
		out = append(out, cloneTemplate(t))
	}
	for _, t := range ms.presets {
		out = append(out, cloneTemplate(t))
	}
	return out
}

// FindTemplate 按 id 查找模板
func (ms *MetaService) FindTemplate(id string) (models.WorldTemplate, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if i := indexOfTemplate(ms.custom, id); i >= 0 {
		return cloneTemplate(ms.custom[i]), nil
	}
	if i := indexOfTemplate(ms.presets, id); i >= 0 {
		return cloneTemplate(ms.presets[i]), nil
	}
	return models.WorldTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
}

// AddCustom 新模板放在列表最前并立即持久化
func (ms *MetaService) AddCustom(tpl models.WorldTemplate) error {
	tpl = cloneTemplate(tpl)
	tpl.IsCustom = true

	ms.mu.Lock()
	defer ms.mu.Unlock()

	next := make([]models.WorldTemplate, 0, len(ms.custom)+1)
	next = append(next, tpl)
	next = append(next, Remove(ms.custom, tpl.ID)...)
	return ms.commitLocked(next)
}

// SaveWorld 把世界状态合并回自定义列表并持久化；预设实例直接忽略
func (ms *MetaService) SaveWorld(world *models.WorldState) error {
	if world == nil || !world.IsCustom {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if indexOfTemplate(ms.custom, world.ID) < 0 {
		// 生成期间被删除
		ms.logger.Debug("world has no template, skipping save", zap.String("world_id", world.ID))
		return nil
	}
	return ms.commitLocked(Reconcile(world, ms.custom))
}

// DeleteCustomWorld 删除自定义世界，重复删除不报错
func (ms *MetaService) DeleteCustomWorld(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if indexOfTemplate(ms.presets, id) >= 0 {
		return fmt.Errorf("%w: 预设世界 %s 不能删除", ErrValidation, id)
	}
	if indexOfTemplate(ms.custom, id) < 0 {
		return nil
	}
	return ms.commitLocked(Remove(ms.custom, id))
}

// commitLocked 持久化整个列表；写入失败时内存列表保持不变
func (ms *MetaService) commitLocked(next []models.WorldTemplate) error {
	if err := ms.store.SaveArchives(next); err != nil {
		return fmt.Errorf("%w: 保存存档失败: %v", ErrPersistence, err)
	}
	ms.custom = next
	return nil
}

// Reconcile 把世界状态写回匹配的模板。非自定义世界或无匹配时原样返回。
func Reconcile(world *models.WorldState, templates []models.WorldTemplate) []models.WorldTemplate {
	if world == nil || !world.IsCustom {
		return templates
	}
	i := indexOfTemplate(templates, world.ID)
	if i < 0 {
		return templates
	}

	out := make([]models.WorldTemplate, len(templates))
	copy(out, templates)
	out[i].SavedState = world.Clone()
	if world.Name != "" {
		out[i].Name = world.Name
	}
	return out
}

// Remove 过滤掉指定 id
func Remove(templates []models.WorldTemplate, id string) []models.WorldTemplate {
	out := make([]models.WorldTemplate, 0, len(templates))
	for _, t := range templates {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func indexOfTemplate(templates []models.WorldTemplate, id string) int {
	for i, t := range templates {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func cloneTemplate(t models.WorldTemplate) models.WorldTemplate {
	t.SavedState = t.SavedState.Clone()
	return t
}
