package recipe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"nutriwise-ml/internal/core/ml/features"
	"nutriwise-ml/internal/pkg/common"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	suggestionLimit     = 3
	recommendationLimit = 5
	preferredCuisineMax = 3
	interactionHistory  = 50
)

// ProfileStore 使用者檔案與互動紀錄
type ProfileStore interface {
	RecipeSource
	FindUserProfile(ctx context.Context, userID int64) (*common.UserProfile, error)
	UpsertUserProfile(ctx context.Context, profile common.UserProfile) (bool, error)
	UserInteractions(ctx context.Context, userID int64, limit int) ([]common.Interaction, error)
	AddInteraction(ctx context.Context, in common.Interaction) (common.Interaction, error)
}

// ProfileInput sync-user 請求中的 profile 區塊
type ProfileInput struct {
	Age               *int            `json:"age"`
	Gender            string          `json:"gender"`
	ActivityLevel     string          `json:"activity_level"`
	DietaryPreference string          `json:"dietary_preference"`
	Allergies         json.RawMessage `json:"allergies"`
	HealthConditions  json.RawMessage `json:"health_conditions"`
}

// SyncUserRequest sync-user 請求
type SyncUserRequest struct {
	UserID  int64        `json:"userId"`
	Email   string       `json:"email"`
	Profile ProfileInput `json:"profile"`
}

// PredictedPreferences 由互動紀錄推論的偏好
type PredictedPreferences struct {
	PreferredCuisines []string `json:"preferredCuisines"`
	PreferredTypes    []string `json:"preferredTypes"`
}

// ProfilePrediction predict-profile 結果
type ProfilePrediction struct {
	PredictedPreferences PredictedPreferences `json:"predictedPreferences"`
	RecommendedRecipes   []common.RecipeBrief `json:"recommendedRecipes"`
}

// Suggestion suggest-recipes 的單筆結果
type Suggestion struct {
	common.RecipeBrief
	Score       int    `json:"score"`
	MatchReason string `json:"matchReason"`
}

// InteractionRequest 新增互動紀錄
type InteractionRequest struct {
	UserID           int64  `json:"userId"`
	RecipeTemplateID *int64 `json:"recipeTemplateId"`
	InteractionType  string `json:"interactionType"`
	Rating           *int   `json:"rating"`
}

// ProfileService 使用者檔案與個人化推薦
type ProfileService struct {
	store ProfileStore
}

// NewProfileService 創建使用者檔案服務
func NewProfileService(store ProfileStore) *ProfileService {
	return &ProfileService{store: store}
}

// SyncUser 建立或更新使用者檔案，回傳是否為新建
func (s *ProfileService) SyncUser(ctx context.Context, req SyncUserRequest) (bool, error) {
	if req.UserID == 0 {
		return false, common.NewValidationError("userId is required")
	}

	profile := common.UserProfile{
		UserID:            req.UserID,
		Email:             req.Email,
		Age:               req.Profile.Age,
		Gender:            req.Profile.Gender,
		ActivityLevel:     req.Profile.ActivityLevel,
		DietaryPreference: req.Profile.DietaryPreference,
		Allergies:         common.ParseStringList(req.Profile.Allergies, "allergies"),
		HealthConditions:  common.ParseStringList(req.Profile.HealthConditions, "health_conditions"),
	}

	created, err := s.store.UpsertUserProfile(ctx, profile)
	if err != nil {
		return false, fmt.Errorf("sync user %d: %w", req.UserID, err)
	}
	common.LogInfo("使用者已同步", zap.Int64("user_id", req.UserID), zap.Bool("created", created))
	return created, nil
}

// PredictProfile 統計使用者互動過的食譜，推論偏好料理與類型，
// 並推薦最多 5 道同料理同類型的食譜
func (s *ProfileService) PredictProfile(ctx context.Context, userID int64) (*ProfilePrediction, error) {
	if userID == 0 {
		return nil, common.NewValidationError("userId is required")
	}

	interactions, err := s.store.UserInteractions(ctx, userID, interactionHistory)
	if err != nil {
		return nil, err
	}
	recipes, _, err := s.store.Recipes(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]common.Recipe, len(recipes))
	for _, r := range recipes {
		byID[r.ID] = r
	}

	cuisines := newCounter()
	types := newCounter()
	for _, in := range interactions {
		if in.RecipeTemplateID == nil {
			continue
		}
		r, ok := byID[*in.RecipeTemplateID]
		if !ok {
			continue
		}
		cuisines.add(features.CuisineOf(r))
		types.add(recipeTypeOf(r))
	}

	out := &ProfilePrediction{
		PredictedPreferences: PredictedPreferences{
			PreferredCuisines: cuisines.top(preferredCuisineMax),
			PreferredTypes:    types.top(0),
		},
		RecommendedRecipes: []common.RecipeBrief{},
	}
	if len(cuisines.order) == 0 {
		return out, nil
	}

	topCuisine := cuisines.top(1)[0]
	topType := types.top(1)[0]
	for _, r := range recipes {
		if features.CuisineOf(r) == topCuisine && recipeTypeOf(r) == topType {
			out.RecommendedRecipes = append(out.RecommendedRecipes, brief(r))
			if len(out.RecommendedRecipes) >= recommendationLimit {
				break
			}
		}
	}
	return out, nil
}

// SuggestRecipes 依使用者檔案過濾過敏原與飲食限制，
// 健康屬性相符加 10 分、鹹食加 5 分，取前 3 名。檔案不存在時回傳 nil。
func (s *ProfileService) SuggestRecipes(ctx context.Context, userID int64) ([]Suggestion, error) {
	if userID == 0 {
		return nil, common.NewValidationError("userId is required")
	}

	profile, err := s.store.FindUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil
	}

	recipes, _, err := s.store.Recipes(ctx)
	if err != nil {
		return nil, err
	}

	diet := strings.ToLower(strings.TrimSpace(profile.DietaryPreference))
	if diet == "" {
		diet = "normal"
	}
	wantHealthy := diet == "healthy" || IsVegetarian(diet)
	allergens := nonBlank(common.LowerAll(profile.Allergies))

	suggestions := make([]Suggestion, 0, len(recipes))
	for _, r := range recipes {
		if ContainsAny(r.Ingredients, allergens) {
			continue
		}
		if IsVegetarian(diet) && ContainsAny(r.Ingredients, MeatKeywords) {
			continue
		}

		score := 0
		if r.IsHealthy == wantHealthy {
			score += 10
		}
		if r.RecipeType == "savory" {
			score += 5
		}
		suggestions = append(suggestions, Suggestion{
			RecipeBrief: brief(r),
			Score:       score,
			MatchReason: fmt.Sprintf("Matches your %s preference", diet),
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool { return suggestions[i].Score > suggestions[j].Score })
	if len(suggestions) > suggestionLimit {
		suggestions = suggestions[:suggestionLimit]
	}
	return suggestions, nil
}

// RecordInteraction 新增一筆互動紀錄
func (s *ProfileService) RecordInteraction(ctx context.Context, req InteractionRequest) (common.Interaction, error) {
	if req.UserID == 0 {
		return common.Interaction{}, common.NewValidationError("userId is required")
	}
	if strings.TrimSpace(req.InteractionType) == "" {
		return common.Interaction{}, common.NewValidationError("interactionType is required")
	}
	return s.store.AddInteraction(ctx, common.Interaction{
		UserID:           req.UserID,
		RecipeTemplateID: req.RecipeTemplateID,
		InteractionType:  req.InteractionType,
		Rating:           req.Rating,
	})
}

func brief(r common.Recipe) common.RecipeBrief {
	return common.RecipeBrief{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CuisineType: r.CuisineType,
		RecipeType:  r.RecipeType,
	}
}

func recipeTypeOf(r common.Recipe) string {
	if r.RecipeType == "" {
		return defaultRecipeType
	}
	return r.RecipeType
}

// counter 依出現次數排序，同次數時保持第一次出現的順序
type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}}
}

func (c *counter) add(key string) {
	if _, ok := c.counts[key]; !ok {
		c.order = append(c.order, key)
	}
	c.counts[key]++
}

// top 前 n 名，n <= 0 時回傳全部
func (c *counter) top(n int) []string {
	keys := append([]string{}, c.order...)
	sort.SliceStable(keys, func(i, j int) bool { return c.counts[keys[i]] > c.counts[keys[j]] })
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
