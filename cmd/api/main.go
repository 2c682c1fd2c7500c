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

	"nutriwise-ml/internal/api"
	"nutriwise-ml/internal/core/cache"
	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/core/recipe"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"

	"go.uber.org/zap"
)

// shutdownTimeout HTTP 服務與訓練任務的關閉時限
const shutdownTimeout = 10 * time.Second

func main() {
	// 載入設定（含 .env）
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化 logger（需在載入 config 後）
	if err := common.InitLogger(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer common.Sync()

	common.LogInfo("載入設定",
		zap.String("data_file", cfg.Store.Path),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Int("training_workers", cfg.Training.Workers),
	)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		common.LogFatal("Failed to open data file", zap.Error(err))
	}

	// 特徵編碼器快取
	encoders := cache.NewManager(cfg.Cache)
	defer encoders.Close()

	manager := jobs.NewManager(cfg.Training, newStatusStore(cfg))
	registry := model.NewRegistry(st)

	training := recipe.NewTrainingService(cfg, st, st, registry, manager)
	router := api.SetupRouter(cfg, api.Services{
		Store:    st,
		Meals:    recipe.NewMealService(st, registry, encoders, recipe.NewRanker(nil), cfg.ML.StrictRecipeType),
		Profiles: recipe.NewProfileService(st),
		Training: training,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		common.LogInfo("啟動應用",
			zap.String("version", cfg.App.Version),
			zap.String("env", cfg.App.Env),
			zap.Bool("debug", cfg.App.Debug),
			zap.Int("port", cfg.Server.Port),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.LogError("Failed to start server", zap.Error(err))
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	common.LogInfo("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		common.LogError("Server forced to shutdown", zap.Error(err))
	}

	// 取消仍在執行的訓練並關閉任務狀態存放
	if err := manager.Close(); err != nil {
		common.LogError("Failed to close training manager", zap.Error(err))
	}

	common.LogInfo("Server exited")
}

// newStatusStore Redis 開啟且可連線時使用 Redis，否則退回記憶體
func newStatusStore(cfg *config.Config) jobs.StatusStore {
	if !cfg.Redis.Enabled {
		return jobs.NewMemoryStore()
	}
	rs, err := jobs.NewRedisStore(context.Background(), cfg.Redis)
	if err != nil {
		common.LogWarn("Redis 無法連線，訓練任務狀態改存記憶體", zap.Error(err))
		return jobs.NewMemoryStore()
	}
	return rs
}
