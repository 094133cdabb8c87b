package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/aiwuxian/cross-realm-atlas/internal/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	storyService  *services.StoryService
	exportService *services.ExportService
	defaultLang   models.Language
	maxUpload     int64
	logger        *zap.Logger
}

func NewHandler(storyService *services.StoryService, exportService *services.ExportService,
	game models.GameConfig, image models.ImageConfig, logger *zap.Logger) *Handler {
	maxUpload := int64(image.MaxUploadMB) << 20
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{
		storyService:  storyService,
		exportService: exportService,
		defaultLang:   models.ParseLanguage(game.DefaultLanguage, models.LangEN),
		maxUpload:     maxUpload,
		logger:        logger.Named("api"),
	}
}

// RegisterRoutes 挂载 /api 下的路由
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/profile", h.GetProfile)
	api.PUT("/profile", h.SaveProfile)

	api.GET("/worlds", h.ListWorlds)
	api.POST("/worlds/upload", h.UploadWorld)
	api.POST("/worlds/:id/enter", h.EnterWorld)
	api.DELETE("/worlds/:id", h.DeleteWorld)
	api.GET("/worlds/:id/export", h.ExportWorld)

	api.GET("/session", h.GetSession)
	api.POST("/session/messages", h.SendMessage)
	api.POST("/session/leave", h.LeaveSession)
}

// worldEntry 列表项（不带存档内容）
type worldEntry struct {
	ID         string `json:"id"`
	ImageURL   string `json:"imageUrl"`
	Name       string `json:"name"`
	ShortDesc  string `json:"shortDesc"`
	IsCustom   bool   `json:"isCustom"`
	Resumable  bool   `json:"resumable"`
	LastActive int64  `json:"lastActive,omitempty"` // 仅对有存档的世界有值
}

// language 取 ?lang=，其次 Accept-Language
func (h *Handler) language(c *gin.Context) models.Language {
	if lang := c.Query("lang"); lang != "" {
		return models.ParseLanguage(lang, h.defaultLang)
	}
	return models.ParseLanguage(c.GetHeader("Accept-Language"), h.defaultLang)
}

// respondError 把服务层错误映射为 HTTP 状态码
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrTurnInFlight):
		status = http.StatusConflict
	case errors.Is(err, services.ErrNoActiveWorld), errors.Is(err, services.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrGeneration):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// GetProfile 获取旅行者档案，未设置时 profile 为 null
func (h *Handler) GetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profile": h.storyService.Profile()})
}

// SaveProfile 保存旅行者档案
func (h *Handler) SaveProfile(c *gin.Context) {
	var req models.UserProfile
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}
	profile, err := h.storyService.SaveProfile(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// ListWorlds 自定义世界在前，预设在后
func (h *Handler) ListWorlds(c *gin.Context) {
	templates := h.storyService.ListAvailableWorlds()
	entries := make([]worldEntry, 0, len(templates))
	for _, t := range templates {
		entry := worldEntry{
			ID:        t.ID,
			ImageURL:  t.ImageURL,
			Name:      t.Name,
			ShortDesc: t.ShortDesc,
			IsCustom:  t.IsCustom,
			Resumable: t.Resumable(),
		}
		if t.SavedState != nil {
			entry.LastActive = t.SavedState.LastActive
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"worlds": entries})
}

// EnterWorld 进入世界（有存档则恢复，否则生成）
func (h *Handler) EnterWorld(c *gin.Context) {
	world, err := h.storyService.EnterWorld(c.Request.Context(), c.Param("id"), h.language(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"world": world})
}

// UploadWorld 上传图片（multipart 字段 image）创建自定义世界
func (h *Handler) UploadWorld(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少图片"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("图片超过 %d MB", h.maxUpload>>20)})
		return
	}

	f, err := file.Open()
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload))
	if err != nil {
		h.respondError(c, err)
		return
	}

	world, err := h.storyService.UploadNewWorld(c.Request.Context(), data, h.language(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"world": world})
}

// DeleteWorld 删除自定义世界
func (h *Handler) DeleteWorld(c *gin.Context) {
	if err := h.storyService.DeleteCustomWorld(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportWorld 导出 PDF
func (h *Handler) ExportWorld(c *gin.Context) {
	world, err := h.storyService.WorldByID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, world.ID))
	if err := h.exportService.WriteChronicle(c.Writer, world); err != nil {
		h.logger.Error("export failed", zap.String("world_id", world.ID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// GetSession 当前世界
func (h *Handler) GetSession(c *gin.Context) {
	world, err := h.storyService.CurrentWorld()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"world": world})
}

// SendMessage 提交一个回合
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}
	world, err := h.storyService.SendMessage(c.Request.Context(), req.Text, h.language(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"world": world})
}

// LeaveSession 存档并返回
func (h *Handler) LeaveSession(c *gin.Context) {
	h.storyService.Leave()
	c.Status(http.StatusNoContent)
}
