package recipe

import (
	"context"
	"fmt"
	"time"

	"nutriwise-ml/internal/core/ml/dataset"
	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/core/ml/nn"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/pkg/common"

	"go.uber.org/zap"
)

// ModelCatalog 模型版本的保存、查詢與啟用
type ModelCatalog interface {
	model.ArtifactStore
	ListModels(ctx context.Context, name string) ([]common.ModelSummary, error)
	ActivateModel(ctx context.Context, id int64, name string) (*common.ModelSummary, error)
}

// TrainRequest 訓練請求：超參數覆寫與版本選項
type TrainRequest struct {
	model.TrainParams
	Version  string `json:"version,omitempty"`
	Activate *bool  `json:"activate,omitempty"`
}

// saveTimeout 保存模型的時限，與任務本身的時限無關
const saveTimeout = 30 * time.Second

// TrainingService 將訓練放到背景任務，並提供模型版本管理
type TrainingService struct {
	recipes  RecipeSource
	catalog  ModelCatalog
	registry *model.Registry
	jobs     *jobs.Manager

	profiles     map[model.Kind]model.Profile
	maxEpochs       int
	autoActivate    bool
	keepInterrupted bool
}

// NewTrainingService 創建訓練服務
func NewTrainingService(cfg *config.Config, recipes RecipeSource, catalog ModelCatalog, registry *model.Registry, manager *jobs.Manager) *TrainingService {
	return &TrainingService{
		recipes:  recipes,
		catalog:  catalog,
		registry: registry,
		jobs:     manager,
		profiles: map[model.Kind]model.Profile{
			model.KindClassification: model.ProfileFromConfig(model.KindClassification, cfg.ML.Classification, cfg.Training.Seed),
			model.KindGeneration:     model.ProfileFromConfig(model.KindGeneration, cfg.ML.Generation, cfg.Training.Seed),
		},
		maxEpochs:       cfg.Training.MaxEpochs,
		autoActivate:    cfg.Training.AutoActivate,
		keepInterrupted: cfg.Training.KeepInterrupted,
	}
}

// Profile 取得模型種類的設定
func (s *TrainingService) Profile(kind model.Kind) (model.Profile, error) {
	p, ok := s.profiles[kind]
	if !ok {
		return model.Profile{}, common.NewValidationError(fmt.Sprintf("unknown model kind %q", kind))
	}
	return p, nil
}

// Submit 檢查語料庫與超參數後建立訓練任務。
// 語料庫不足時回傳 DatasetTooSmallError，不會建立任務。
func (s *TrainingService) Submit(ctx context.Context, kind model.Kind, req TrainRequest) (*jobs.Job, error) {
	profile, err := s.Profile(kind)
	if err != nil {
		return nil, err
	}

	recipes, fingerprint, err := s.recipes.Recipes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	if err := dataset.CheckCorpus(len(recipes), profile.Synth); err != nil {
		return nil, err
	}

	params := profile.Defaults.Merge(req.TrainParams)
	if s.maxEpochs > 0 && params.Epochs > s.maxEpochs {
		params.Epochs = s.maxEpochs
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	activate := s.autoActivate
	if req.Activate != nil {
		activate = *req.Activate
	}

	job, err := s.jobs.Submit(ctx, string(kind), func(ctx context.Context, report func(jobs.Progress)) (*jobs.Result, error) {
		return s.run(ctx, profile, recipes, params, req.Version, activate, report)
	})
	if err != nil {
		return nil, err
	}

	common.LogInfo("訓練任務已建立",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int("recipes", len(recipes)),
		zap.String("corpus", fingerprint),
		zap.Int("epochs", params.Epochs),
	)
	return job, nil
}

// run 背景任務主體：訓練、保存、視需要啟用
func (s *TrainingService) run(ctx context.Context, profile model.Profile, recipes []common.Recipe, params model.TrainParams, version string, activate bool, report func(jobs.Progress)) (*jobs.Result, error) {
	m, metrics, err := model.Train(ctx, profile, recipes, params, model.TrainOptions{
		MaxEpochs: s.maxEpochs,
		OnEpoch: func(e nn.EpochStats) {
			report(jobs.Progress{Epoch: e.Epoch, Epochs: params.Epochs, Loss: e.Loss, ValLoss: e.ValLoss})
		},
	})
	if err != nil {
		if m == nil || !s.keepInterrupted {
			return nil, err
		}
		// 中斷的模型只保存，是否啟用交給操作者
		activate = false
		common.LogWarn("訓練被中斷，保存目前最佳權重",
			zap.String("model", profile.Kind.ModelName()),
			zap.Int("best_epoch", metrics.BestEpoch),
			zap.Error(err),
		)
	}

	// 任務的 ctx 可能已到期，保存使用獨立的時限
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	id, err := m.Save(saveCtx, s.catalog, version, activate)
	if err != nil {
		return nil, err
	}
	if activate {
		common.LogInfo("新模型已啟用，重新載入後生效",
			zap.String("model", profile.Kind.ModelName()),
			zap.String("version", m.Version),
		)
	}

	return &jobs.Result{ModelID: id, ModelVersion: m.Version, Metrics: metrics}, nil
}

// Job 查詢訓練任務
func (s *TrainingService) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Jobs 列出訓練任務
func (s *TrainingService) Jobs(ctx context.Context) ([]*jobs.Job, error) {
	return s.jobs.List(ctx)
}

// QueueStatus 佇列狀態
func (s *TrainingService) QueueStatus() *jobs.QueueStatus {
	return s.jobs.Status()
}

// ListModels 列出模型版本，name 可為空、種類或完整模型名稱
func (s *TrainingService) ListModels(ctx context.Context, name string) ([]common.ModelSummary, error) {
	if name != "" {
		kind, err := model.ParseKind(name)
		if err != nil {
			return nil, err
		}
		name = kind.ModelName()
	}
	return s.catalog.ListModels(ctx, name)
}

// ActivateModel 啟用指定版本。已載入的模型不會自動替換，需呼叫 Reload。
func (s *TrainingService) ActivateModel(ctx context.Context, id int64, name string) (*common.ModelSummary, error) {
	if name != "" {
		kind, err := model.ParseKind(name)
		if err != nil {
			return nil, err
		}
		name = kind.ModelName()
	}
	summary, err := s.catalog.ActivateModel(ctx, id, name)
	if err != nil {
		return nil, err
	}
	common.LogInfo("模型已啟用", zap.Int64("id", summary.ID), zap.String("model", summary.ModelName), zap.String("version", summary.ModelVersion))
	return summary, nil
}

// Reload 清除模型快取，kind 為空時清除全部
func (s *TrainingService) Reload(kind string) ([]string, error) {
	if kind == "" {
		s.registry.ClearAll()
		out := make([]string, 0, len(model.Kinds))
		for _, k := range model.Kinds {
			out = append(out, string(k))
		}
		return out, nil
	}
	k, err := model.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	s.registry.Clear(k)
	return []string{string(k)}, nil
}

// LoadedModels 目前記憶體中的模型版本
func (s *TrainingService) LoadedModels() map[string]string {
	return s.registry.Loaded()
}
