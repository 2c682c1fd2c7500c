package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/pkg/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// readyTimeout 就緒檢查讀取資料文件的時限
const readyTimeout = 3 * time.Second

// Pinger 可檢查的依賴
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status 訓練佇列與已載入模型的狀態來源
type Status interface {
	QueueStatus() *jobs.QueueStatus
	LoadedModels() map[string]string
}

// CacheStats 編碼器快取統計來源
type CacheStats interface {
	EncoderCacheStats() map[string]interface{}
}

// HealthResponse 健康檢查響應
type HealthResponse struct {
	Status   string                 `json:"status"`
	Message  string                 `json:"message"`
	Database string                 `json:"database"`
	Version  string                 `json:"version"`
	Runtime  map[string]interface{} `json:"runtime"`
	Queue    *jobs.QueueStatus      `json:"queue,omitempty"`
	Models   map[string]string      `json:"models,omitempty"`
	Cache    map[string]interface{} `json:"cache,omitempty"`
}

// Handler 健康檢查處理器
type Handler struct {
	cfg    *config.Config
	store  Pinger
	status Status
	caches CacheStats
}

// NewHandler 創建健康檢查處理器，status 與 caches 可為 nil
func NewHandler(cfg *config.Config, store Pinger, status Status, caches CacheStats) *Handler {
	return &Handler{cfg: cfg, store: store, status: status, caches: caches}
}

// HealthCheck 健康檢查處理器
func (h *Handler) HealthCheck(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:   "healthy",
		Message:  "ML API is running",
		Database: "JSON file",
		Version:  h.cfg.App.Version,
		Runtime: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]interface{}{
				"alloc":       m.Alloc,
				"total_alloc": m.TotalAlloc,
				"sys":         m.Sys,
				"num_gc":      m.NumGC,
			},
		},
	}
	if h.status != nil {
		response.Queue = h.status.QueueStatus()
		response.Models = h.status.LoadedModels()
	}
	if h.caches != nil {
		response.Cache = h.caches.EncoderCacheStats()
	}

	common.LogDebug("Health check request",
		zap.String("client_ip", c.ClientIP()),
		zap.String("path", c.Request.URL.Path),
	)

	c.JSON(http.StatusOK, response)
}

// ReadinessCheck 資料文件可讀才算就緒
func (h *Handler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		common.LogWarn("Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"error":  "data file unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

// LivenessCheck 存活檢查處理器
func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}
