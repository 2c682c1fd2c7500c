package recipe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nutriwise-ml/internal/core/cache"
	"nutriwise-ml/internal/core/ml/features"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/metrics"
	"nutriwise-ml/internal/pkg/common"

	"go.uber.org/zap"
)

// 推薦來源
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
	SourceDefault  = "default"
)

// predictionTopK 模型推論時取出的候選數
const predictionTopK = 5

// RecipeSource 語料庫來源
type RecipeSource interface {
	Recipes(ctx context.Context) ([]common.Recipe, string, error)
}

// ModelProvider 取得目前服務中的模型
type ModelProvider interface {
	Get(ctx context.Context, kind model.Kind) (*model.Model, error)
}

// MealService 依可用食材推薦一道菜：先用生成模型，失敗時改用相似度排序
type MealService struct {
	recipes  RecipeSource
	models   ModelProvider
	encoders *cache.CacheManager
	ranker   *Ranker

	strictRecipeType bool
}

// NewMealService 創建推薦服務
func NewMealService(recipes RecipeSource, models ModelProvider, encoders *cache.CacheManager, ranker *Ranker, strictRecipeType bool) *MealService {
	return &MealService{
		recipes:          recipes,
		models:           models,
		encoders:         encoders,
		ranker:           ranker,
		strictRecipeType: strictRecipeType,
	}
}

// GenerateMeal 回傳推薦食譜與來源。只有讀取語料庫失敗時才回傳錯誤。
func (s *MealService) GenerateMeal(ctx context.Context, req MealRequest, requestID string) (*common.GeneratedRecipe, string, error) {
	recipes, fingerprint, err := s.recipes.Recipes(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load recipes: %w", err)
	}

	if s.strictRecipeType && req.RecipeType != "" && !features.IsKnownRecipeType(req.RecipeType) {
		common.LogWarn("未知的 recipeType，編碼時視為 savory",
			zap.String("recipe_type", req.RecipeType),
			zap.String("request_id", requestID),
		)
	}

	common.LogDebug("產生食譜",
		zap.String("recipe_type", req.RecipeType),
		zap.Int("ingredients", len(req.AvailableIngredients)),
		zap.Int("allergies", len(req.Allergies)),
		zap.String("request_id", requestID),
	)

	generated, err := s.predict(ctx, recipes, fingerprint, req)
	if err == nil {
		metrics.RecordMealGeneration(SourceModel)
		return generated, SourceModel, nil
	}
	common.LogFallback(model.KindGeneration.ModelName(), err, requestID)
	metrics.RecordFallback(fallbackReason(err))

	out, matched := s.ranker.Pick(recipes, req)
	source := SourceFallback
	if !matched {
		source = SourceDefault
		common.LogWarn("沒有符合條件的食譜，使用預設食譜", zap.String("request_id", requestID))
	}
	metrics.RecordMealGeneration(source)
	return &out, source, nil
}

// predict 以生成模型推論，將最高機率的位置對回語料庫
func (s *MealService) predict(ctx context.Context, recipes []common.Recipe, fingerprint string, req MealRequest) (*common.GeneratedRecipe, error) {
	if len(recipes) == 0 {
		return nil, errors.New("recipe corpus is empty")
	}
	if s.models == nil {
		return nil, errors.New("model serving disabled")
	}

	m, err := s.models.Get(ctx, model.KindGeneration)
	if err != nil {
		return nil, err
	}
	enc := EncoderFor(s.encoders, fingerprint, recipes)
	if err := m.CheckCompatible(enc, recipes); err != nil {
		return nil, err
	}

	cuisine := req.CuisineType
	if strings.TrimSpace(cuisine) == "" {
		cuisine = features.DefaultCuisine
	}
	x := enc.EncodeRequest(features.Request{
		AvailableIngredients: req.AvailableIngredients,
		RecipeType:           req.RecipeType,
		CuisineType:          cuisine,
		IsHealthy:            req.IsHealthy,
		Allergies:            req.Allergies,
	})

	preds, err := m.Predict(x, predictionTopK)
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 || preds[0].Index >= len(recipes) {
		return nil, errors.New("model returned no usable prediction")
	}

	best := recipes[preds[0].Index]
	out := ToGenerated(best, MissingIngredients(best.Ingredients, req.AvailableIngredients))
	return &out, nil
}

// EncoderCacheStats 編碼器快取統計，未啟用快取時回傳 nil
func (s *MealService) EncoderCacheStats() map[string]interface{} {
	if s == nil || s.encoders == nil {
		return nil
	}
	return s.encoders.GetStats()
}

// EncoderFor 以語料庫指紋快取特徵編碼器，不同快照不會共用詞彙表
func EncoderFor(encoders *cache.CacheManager, fingerprint string, recipes []common.Recipe) *features.Encoder {
	if encoders == nil {
		return features.NewEncoder(recipes)
	}
	built := false
	v, _ := encoders.GetOrCompute(fingerprint, func() (interface{}, error) {
		built = true
		return features.NewEncoder(recipes), nil
	})
	metrics.RecordEncoderCache(!built)
	return v.(*features.Encoder)
}

func fallbackReason(err error) string {
	switch {
	case common.IsModelNotFound(err):
		return "model_not_found"
	case common.IsIncompatibleModel(err):
		return "incompatible_model"
	default:
		return "error"
	}
}
