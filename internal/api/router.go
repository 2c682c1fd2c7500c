package api

import (
	"context"
	"net/http"
	"time"

	"nutriwise-ml/internal/api/handlers/health"
	mlHandler "nutriwise-ml/internal/api/handlers/ml"
	"nutriwise-ml/internal/api/middleware"
	recipeService "nutriwise-ml/internal/core/recipe"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/pkg/common"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// timeoutDuration 單一請求的處理時限，訓練本身在背景執行不受影響
const timeoutDuration = 60 * time.Second

// Services 路由需要的服務
type Services struct {
	Store    health.Pinger
	Meals    *recipeService.MealService
	Profiles *recipeService.ProfileService
	Training *recipeService.TrainingService
}

// SetupRouter 設置路由
func SetupRouter(cfg *config.Config, svc Services) *gin.Engine {
	common.LogInfo("Starting router setup",
		zap.Bool("debug_mode", cfg.App.Debug),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Env),
	)

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 註冊基礎中間件
	router.Use(middleware.Recovery())
	router.Use(requestid.New())
	router.Use(middleware.Logger())

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", mlHandler.SourceHeader},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(middleware.BodySizeLimit(cfg.Server.MaxBodyBytes))
	router.Use(requestTimeout(timeoutDuration))

	// 健康檢查與指標
	healthHandler := health.NewHandler(cfg, svc.Store, svc.Training, svc.Meals)
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := mlHandler.NewHandler(svc.Meals, svc.Profiles, svc.Training, cfg.App.Debug)
	dedup := middleware.NewDeduplicator(cfg.DedupWindow)

	api := router.Group("/api/ml")
	if cfg.RateLimit.Enabled {
		api.Use(middleware.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window))
	}
	{
		api.POST("/sync-user", h.SyncUser)
		api.POST("/predict-profile", h.PredictProfile)
		api.POST("/suggest-recipes", h.SuggestRecipes)
		api.POST("/generate-meal", h.GenerateMeal)
		api.POST("/interactions", h.RecordInteraction)

		// 訓練請求去重，避免重複點擊排入兩個任務
		api.POST("/train-classification", dedup.Middleware(), h.TrainClassification)
		api.POST("/train-generation", dedup.Middleware(), h.TrainGeneration)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)

		api.GET("/models", h.ListModels)
		api.POST("/models/reload", h.ReloadModels)
		api.POST("/models/:id/activate", h.ActivateModel)
	}

	common.LogInfo("Router setup completed successfully",
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Duration("dedup_window", cfg.DedupWindow),
		zap.Int64("max_body_size", cfg.Server.MaxBodyBytes),
		zap.Duration("timeout", timeoutDuration),
	)

	return router
}

// requestTimeout 為請求加上時限，逾時且尚未回應時回傳 504
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			common.LogError("Request timeout",
				zap.String("path", c.Request.URL.Path),
				zap.String("request_id", requestid.Get(c)),
				zap.Duration("timeout", d),
			)
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{
				"error": "Request timeout",
				"code":  common.ErrCodeRequestTimeout,
				"details": gin.H{
					"timeout": d.String(),
				},
			})
		}
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
