package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nutriwise"

var (
	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_hits_total",
			Help:      "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// 推薦
	MealGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meal_generations_total",
			Help:      "Generated meals by source (model, fallback, default)",
		},
		[]string{"source"},
	)

	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Requests that fell back to the similarity ranker, by reason",
		},
		[]string{"reason"},
	)

	// 模型
	ModelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model artifact loads by kind and result",
		},
		[]string{"kind", "result"},
	)

	EncoderCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_cache_events_total",
			Help:      "Feature encoder cache hits and misses",
		},
		[]string{"event"},
	)

	// 訓練
	TrainingJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_jobs_total",
			Help:      "Finished training jobs by kind and status",
		},
		[]string{"kind", "status"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of training jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)

	TrainingQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_queue_depth",
			Help:      "Training jobs waiting for a worker",
		},
	)

	TrainingRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_jobs_running",
			Help:      "Training jobs currently running",
		},
	)
)

// RecordAPIRequest 記錄 API 請求
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMealGeneration 記錄推薦來源
func RecordMealGeneration(source string) {
	MealGenerations.WithLabelValues(source).Inc()
}

// RecordFallback 記錄退回規則排序的原因
func RecordFallback(reason string) {
	ModelFallbacks.WithLabelValues(reason).Inc()
}

// RecordModelLoad 記錄模型載入結果
func RecordModelLoad(kind string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	ModelLoads.WithLabelValues(kind, result).Inc()
}

// RecordEncoderCache 記錄特徵編碼器快取命中
func RecordEncoderCache(hit bool) {
	if hit {
		EncoderCacheEvents.WithLabelValues("hit").Inc()
	} else {
		EncoderCacheEvents.WithLabelValues("miss").Inc()
	}
}

// RecordTrainingJob 記錄訓練任務結束
func RecordTrainingJob(kind, status string, duration time.Duration) {
	TrainingJobs.WithLabelValues(kind, status).Inc()
	TrainingDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
