package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 應用配置
type Config struct {
	App         AppConfig       `mapstructure:"app"`
	Server      ServerConfig    `mapstructure:"server"`
	Store       StoreConfig     `mapstructure:"store"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Cache       CacheConfig     `mapstructure:"cache"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Training    TrainingConfig  `mapstructure:"training"`
	ML          MLConfig        `mapstructure:"ml"`
	DedupWindow time.Duration   `mapstructure:"dedup_window"`
	LogLevel    string          `mapstructure:"log_level"`
}

// AppConfig 應用程式設定
type AppConfig struct {
	Env     string `mapstructure:"env"`
	Debug   bool   `mapstructure:"debug"`
	Version string `mapstructure:"version"`
	Name    string `mapstructure:"name"`
}

// ServerConfig 服務器配置
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// StoreConfig JSON 文件存儲設定
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 訓練任務狀態存放設定
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	JobTTL   time.Duration `mapstructure:"job_ttl"`
}

// CacheConfig 緩存配置
type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxSize         int           `mapstructure:"max_size"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RateLimitConfig 速率限制配置
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// TrainingConfig 背景訓練設定
type TrainingConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	MaxEpochs    int           `mapstructure:"max_epochs"`
	Seed         int64         `mapstructure:"seed"`
	AutoActivate bool          `mapstructure:"auto_activate"`

	// KeepInterrupted 逾時或關閉中斷時保存已還原的最佳權重（不啟用）
	KeepInterrupted bool `mapstructure:"keep_interrupted"`
}

// MLConfig 模型設定
type MLConfig struct {
	StrictRecipeType bool          `mapstructure:"strict_recipe_type"`
	Classification   ModelKindConf `mapstructure:"classification"`
	Generation       ModelKindConf `mapstructure:"generation"`
}

// ModelKindConf 單一模型的資料合成與超參數預設值
type ModelKindConf struct {
	TargetTotal             int     `mapstructure:"target_total"`
	MinPerRecipe            int     `mapstructure:"min_per_recipe"`
	MinCorpus               int     `mapstructure:"min_corpus"`
	RatioMin                float64 `mapstructure:"ratio_min"`
	RatioMax                float64 `mapstructure:"ratio_max"`
	NoiseProbability        float64 `mapstructure:"noise_probability"`
	CuisineMatchProbability float64 `mapstructure:"cuisine_match_probability"`
	Epochs                  int     `mapstructure:"epochs"`
	BatchSize               int     `mapstructure:"batch_size"`
	HiddenLayers            []int   `mapstructure:"hidden_layers"`
	LearningRate            float64 `mapstructure:"learning_rate"`
	Dropout                 float64 `mapstructure:"dropout"`
	Patience                int     `mapstructure:"patience"`
}

// LoadConfig 載入設定
func LoadConfig() (*Config, error) {
	// 加載 .env 文件（不存在時略過）
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.GetViper()
	setDefaults(v)

	// 設定環境變數前綴
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 綁定環境變量
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("store.path", "DATA_FILE")
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("cache.enabled", "CACHE_ENABLED")
	_ = v.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	_ = v.BindEnv("rate_limit.requests", "RATE_LIMIT_REQUESTS")
	_ = v.BindEnv("rate_limit.window", "RATE_LIMIT_WINDOW")
	_ = v.BindEnv("training.workers", "TRAINING_WORKERS")
	_ = v.BindEnv("training.max_duration", "TRAINING_MAX_DURATION")
	_ = v.BindEnv("dedup_window", "DEDUP_WINDOW")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("app.debug", "DEBUG")

	return decode(v)
}

// decode 解析並驗證設定
func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 驗證必要設定
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// setDefaults 設定預設值
func setDefaults(v *viper.Viper) {
	// 應用程式設定
	v.SetDefault("app.env", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.name", "nutriwise-ml")

	// 伺服器設定
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// 存儲設定
	v.SetDefault("store.path", "data/data.json")

	// Redis 設定
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.job_ttl", "168h")

	// 快取設定
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size", 16)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.cleanup_interval", "10m")

	// 限流設定
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", "1m")

	// 訓練設定
	v.SetDefault("training.workers", 1)
	v.SetDefault("training.queue_size", 8)
	v.SetDefault("training.max_duration", "30m")
	v.SetDefault("training.max_epochs", 300)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.auto_activate", true)
	v.SetDefault("training.keep_interrupted", true)

	// 模型設定
	v.SetDefault("ml.strict_recipe_type", false)

	v.SetDefault("ml.classification.target_total", 5000)
	v.SetDefault("ml.classification.min_per_recipe", 20)
	v.SetDefault("ml.classification.min_corpus", 50)
	v.SetDefault("ml.classification.ratio_min", 0.3)
	v.SetDefault("ml.classification.ratio_max", 0.8)
	v.SetDefault("ml.classification.noise_probability", 0.0)
	v.SetDefault("ml.classification.cuisine_match_probability", 0.7)
	v.SetDefault("ml.classification.epochs", 200)
	v.SetDefault("ml.classification.batch_size", 128)
	v.SetDefault("ml.classification.hidden_layers", []int{512, 512, 256, 128, 64})
	v.SetDefault("ml.classification.learning_rate", 0.0004)
	v.SetDefault("ml.classification.dropout", 0.4)
	v.SetDefault("ml.classification.patience", 0)

	v.SetDefault("ml.generation.target_total", 8000)
	v.SetDefault("ml.generation.min_per_recipe", 5)
	v.SetDefault("ml.generation.min_corpus", 100)
	v.SetDefault("ml.generation.ratio_min", 0.3)
	v.SetDefault("ml.generation.ratio_max", 0.9)
	v.SetDefault("ml.generation.noise_probability", 0.1)
	v.SetDefault("ml.generation.cuisine_match_probability", 1.0)
	v.SetDefault("ml.generation.epochs", 150)
	v.SetDefault("ml.generation.batch_size", 64)
	v.SetDefault("ml.generation.hidden_layers", []int{512, 256, 128, 64})
	v.SetDefault("ml.generation.learning_rate", 0.0003)
	v.SetDefault("ml.generation.dropout", 0.35)
	v.SetDefault("ml.generation.patience", 15)

	// dedup window 預設
	v.SetDefault("dedup_window", "2s")
}

// validateConfig 驗證設定
func validateConfig(config *Config) error {
	// 驗證伺服器設定
	if config.Server.Port == 0 {
		return fmt.Errorf("server port is required")
	}
	if config.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	// 驗證快取設定
	if config.Cache.Enabled {
		if config.Cache.MaxSize <= 0 {
			return fmt.Errorf("invalid cache max size")
		}
		if config.Cache.TTL <= 0 {
			return fmt.Errorf("invalid cache ttl")
		}
		if config.Cache.CleanupInterval <= 0 {
			return fmt.Errorf("invalid cache cleanup interval")
		}
	}

	// 驗證訓練設定
	if config.Training.Workers <= 0 {
		return fmt.Errorf("invalid training workers")
	}
	if config.Training.QueueSize <= 0 {
		return fmt.Errorf("invalid training queue size")
	}
	if config.Redis.Enabled && config.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	for name, kind := range map[string]ModelKindConf{
		"classification": config.ML.Classification,
		"generation":     config.ML.Generation,
	} {
		if err := validateKind(name, kind); err != nil {
			return err
		}
	}

	return nil
}

func validateKind(name string, k ModelKindConf) error {
	if k.RatioMin <= 0 || k.RatioMax > 1 || k.RatioMin > k.RatioMax {
		return fmt.Errorf("invalid ml.%s ingredient ratio range [%v, %v]", name, k.RatioMin, k.RatioMax)
	}
	if k.TargetTotal <= 0 || k.MinPerRecipe <= 0 {
		return fmt.Errorf("invalid ml.%s synthesizer sizes", name)
	}
	if k.Epochs <= 0 || k.BatchSize <= 0 {
		return fmt.Errorf("invalid ml.%s epochs or batch size", name)
	}
	if len(k.HiddenLayers) == 0 {
		return fmt.Errorf("ml.%s hidden layers are required", name)
	}
	if k.Dropout < 0 || k.Dropout >= 1 {
		return fmt.Errorf("invalid ml.%s dropout %v", name, k.Dropout)
	}
	return nil
}
