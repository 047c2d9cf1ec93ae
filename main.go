package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aviralgarg05/Image-to-3d/config"
	"github.com/aviralgarg05/Image-to-3d/handler"
	"github.com/aviralgarg05/Image-to-3d/metrics"
	"github.com/aviralgarg05/Image-to-3d/middleware"
	"github.com/aviralgarg05/Image-to-3d/service"
	"github.com/aviralgarg05/Image-to-3d/service/grabcut"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	// 加载配置
	cfg, err := config.New()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting image-to-3d server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch))

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, utils.Logger)
	}

	artifacts, err := service.NewArtifactManager(cfg.Artifacts.TempDir)
	if err != nil {
		utils.Logger.Fatal("failed to prepare temp directory", zap.Error(err))
	}

	// 分割后端
	var segmenter service.Segmenter
	switch cfg.Segmentation.Backend {
	case "grabcut":
		segmenter = grabcut.New(&cfg.Segmentation.GrabCut)
	default:
		segmenter = service.NewRembgClient(cfg.Segmentation.RembgURL, cfg.Segmentation.RembgModel, cfg.Segmentation.Timeout)
	}
	utils.Logger.Info("segmentation backend ready", zap.String("backend", cfg.Segmentation.Backend))

	// 重建模型只在启动时加载一次
	reconstructor := service.NewTripoSRClient(cfg.Reconstruction.URL, cfg.Reconstruction.Timeout)
	loadCtx, cancel := context.WithTimeout(context.Background(), cfg.Reconstruction.Timeout)
	_, err = reconstructor.FromPretrained(loadCtx, service.PretrainedModel{
		Repo:       cfg.Reconstruction.Repo,
		ConfigName: cfg.Reconstruction.ConfigName,
		WeightName: cfg.Reconstruction.WeightName,
	})
	cancel()
	if err != nil {
		utils.Logger.Fatal("failed to load reconstruction model", zap.Error(err))
	}
	device := reconstructor.ResolveDevice(cfg.Reconstruction.Device)

	// 多进程共享设备时使用 Redis 租约
	var lease service.Lease
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(context.Background()).Err(); err != nil {
			utils.Logger.Warn("redis connection failed, device lease disabled", zap.Error(err))
		} else {
			utils.Logger.Info("redis connected successfully", zap.String("lease_key", cfg.Redis.LeaseKey))
			lease = service.NewRedisLease(client, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		}
	}

	guard := service.NewDeviceGuard(cfg.Reconstruction.QueueTimeout, lease, collector)
	pipelineCfg := service.PipelineConfig{
		Device:         device,
		Resolution:     cfg.Reconstruction.Resolution,
		HasVertexColor: cfg.Reconstruction.VertexColor,
	}
	preprocessor := service.NewPreprocessor(segmenter, cfg.Preprocess.CanvasSize, cfg.Preprocess.ForegroundRatio).
		WithMaxPixels(cfg.Preprocess.MaxPixels)
	pipeline := service.NewPipeline(preprocessor, reconstructor, guard, artifacts, collector, pipelineCfg)
	utils.Logger.Info("pipeline ready", zap.Stringer("config", pipelineCfg))

	// 初始化Handler
	generateHandler := handler.NewGenerateHandler(cfg, pipeline, collector)
	healthHandler := handler.NewHealthHandler(handler.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		BuildID:   BuildID,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
	}, device)

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// 创建路由
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(collector))
	r.Use(middleware.CORS())

	r.GET("/health", healthHandler.Health)
	r.GET("/version", healthHandler.Version)
	if collector != nil {
		r.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	r.POST("/generate-3d", generateHandler.Generate)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	utils.Logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Error("server shutdown failed", zap.Error(err))
	}
}
