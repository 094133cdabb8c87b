package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aiwuxian/cross-realm-atlas/internal/api"
	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/aiwuxian/cross-realm-atlas/internal/services"
	"github.com/aiwuxian/cross-realm-atlas/internal/storage"
)

func main() {
	// .env 可选
	_ = godotenv.Load()

	config, err := loadConfig("config.yml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := newLogger(config.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	// 初始化数据库
	store, err := storage.New(config.Database.Path, logger)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化服务
	llmService, err := services.NewLLMService(ctx, config.LLM, config.Image, logger)
	if err != nil {
		logger.Fatal("初始化生成服务失败", zap.Error(err))
	}
	defer llmService.Close()

	metaService, err := services.NewMetaService(store, logger)
	if err != nil {
		logger.Fatal("加载世界注册表失败", zap.Error(err))
	}
	images := services.NewImageLoader(time.Duration(config.Image.FetchTimeout) * time.Second)
	worldService := services.NewWorldService(llmService, images, metaService, logger)
	storyService := services.NewStoryService(llmService, worldService, metaService, config.Image.Enabled, logger)

	hub := api.NewHub(originChecker(config.Server.AllowedOrigins), logger)
	storyService.AddObserver(hub)
	go hub.Run(ctx)

	handler := api.NewHandler(storyService, services.NewExportService(), config.Game, config.Image, logger)

	// 设置Gin路由
	if !config.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.Use(corsMiddleware(config.Server.AllowedOrigins))
	r.MaxMultipartMemory = int64(config.Image.MaxUploadMB) << 20

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	handler.RegisterRoutes(apiGroup)
	apiGroup.GET("/ws", hub.Serve)

	addr := fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("Cross-Realm Atlas 启动成功",
			zap.String("addr", addr),
			zap.String("provider", config.LLM.Provider),
			zap.Bool("images", config.Image.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("启动服务器失败", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
}

// loadConfig 读取 config.yml，文件不存在时只用环境变量
func loadConfig(path string) (*models.Config, error) {
	var config models.Config
	if err := cleanenv.ReadConfig(path, &config); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := cleanenv.ReadEnv(&config); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

func newLogger(cfg models.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapConfig.Build()
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.DefaultConfig()
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	config.AllowHeaders = append(config.AllowHeaders, "Accept-Language")
	config.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	return cors.New(config)
}

// originChecker 未配置白名单时允许所有来源
func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
	}
}
