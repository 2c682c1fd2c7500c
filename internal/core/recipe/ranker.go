package recipe

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"nutriwise-ml/internal/pkg/common"
)

// MeatKeywords 素食與純素飲食排除的關鍵字
var MeatKeywords = []string{"chicken", "beef", "pork", "fish", "meat", "bacon", "sausage"}

const (
	// candidateWindow 隨機挑選的前 N 名
	candidateWindow = 10
	// tieTolerance 視為同分的分數差
	tieTolerance = 0.01
)

// 回應欄位缺值時的預設
const (
	defaultPrepTime   = 15
	defaultCookTime   = 30
	defaultServings   = 4
	defaultCalories   = 300
	defaultPrice      = 10.0
	defaultCuisine    = "Other"
	defaultRecipeType = "savory"
)

// MealRequest generate-meal 請求
type MealRequest struct {
	RecipeType           string   `json:"recipeType"`
	AvailableIngredients []string `json:"availableIngredients"`
	Allergies            []string `json:"allergies"`
	DietaryPreference    string   `json:"dietaryPreference"`
	CuisineType          string   `json:"cuisineType"`
	IsHealthy            bool     `json:"isHealthy"`
}

// ScoredRecipe 通過過濾的食譜與其相似度
type ScoredRecipe struct {
	Recipe  common.Recipe
	Score   float64
	Missing []string
}

// Ranker 不依賴模型的相似度排序。同分時隨機挑選，避免同一請求永遠得到同一道菜。
type Ranker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRanker 建立排序器，rng 為 nil 時以目前時間為種子
func NewRanker(rng *rand.Rand) *Ranker {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Ranker{rng: rng}
}

// Score 過濾並計分，依分數由高到低排序（同分保持語料庫順序）
func (r *Ranker) Score(recipes []common.Recipe, req MealRequest) []ScoredRecipe {
	recipeType := strings.ToLower(strings.TrimSpace(req.RecipeType))
	available := nonBlank(common.LowerAll(req.AvailableIngredients))
	allergens := nonBlank(common.LowerAll(req.Allergies))
	vegetarian := IsVegetarian(req.DietaryPreference)

	scored := make([]ScoredRecipe, 0, len(recipes))
	for _, recipe := range recipes {
		if recipeType != "" && strings.ToLower(recipe.RecipeType) != recipeType {
			continue
		}
		if ContainsAny(recipe.Ingredients, allergens) {
			continue
		}
		if vegetarian && ContainsAny(recipe.Ingredients, MeatKeywords) {
			continue
		}

		scored = append(scored, ScoredRecipe{
			Recipe:  recipe,
			Score:   Similarity(recipe.Ingredients, available),
			Missing: MissingIngredients(recipe.Ingredients, available),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// Pick 從前 10 名中挑選：最高分附近有多道同分時在其中隨機，否則在整個視窗中隨機。
// 沒有任何食譜通過過濾時回傳預設食譜，第二個回傳值為 false。
func (r *Ranker) Pick(recipes []common.Recipe, req MealRequest) (common.GeneratedRecipe, bool) {
	scored := r.Score(recipes, req)
	if len(scored) == 0 {
		return DefaultRecipe(req.RecipeType), false
	}

	window := scored
	if len(window) > candidateWindow {
		window = window[:candidateWindow]
	}
	best := window[0].Score
	var tied []ScoredRecipe
	for _, s := range window {
		if math.Abs(s.Score-best) < tieTolerance {
			tied = append(tied, s)
		}
	}

	pool := window
	if len(tied) > 1 {
		pool = tied
	}

	r.mu.Lock()
	chosen := pool[r.rng.Intn(len(pool))]
	r.mu.Unlock()

	return ToGenerated(chosen.Recipe, chosen.Missing), true
}

// Similarity 食譜食材中能與可用食材互相包含的比例，沒有食材時為 0
func Similarity(ingredients, available []string) float64 {
	if len(ingredients) == 0 {
		return 0
	}
	matches := 0
	for _, ing := range ingredients {
		if matchesAny(strings.ToLower(ing), available) {
			matches++
		}
	}
	return float64(matches) / float64(len(ingredients))
}

// MissingIngredients 可用食材中找不到的食譜食材
func MissingIngredients(ingredients, available []string) []string {
	lowered := nonBlank(common.LowerAll(available))
	missing := []string{}
	for _, ing := range ingredients {
		if !matchesAny(strings.ToLower(ing), lowered) {
			missing = append(missing, ing)
		}
	}
	return missing
}

func matchesAny(ing string, available []string) bool {
	for _, av := range available {
		if strings.Contains(ing, av) || strings.Contains(av, ing) {
			return true
		}
	}
	return false
}

// ContainsAny 食材合併字串中是否出現任一關鍵字（不分大小寫）
func ContainsAny(ingredients, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	joined := strings.ToLower(strings.Join(ingredients, " "))
	for _, k := range keywords {
		if strings.Contains(joined, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// IsVegetarian 飲食偏好是否為素食或純素
func IsVegetarian(pref string) bool {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "vegetarian", "vegan":
		return true
	}
	return false
}

// nonBlank 移除空白項目，空字串會比對到所有食材
func nonBlank(items []string) []string {
	out := items[:0:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ToGenerated 轉為回應格式，缺值欄位補上預設
func ToGenerated(r common.Recipe, missing []string) common.GeneratedRecipe {
	out := common.GeneratedRecipe{
		Name:               r.Name,
		Description:        r.Description,
		Ingredients:        r.Ingredients,
		Steps:              r.Steps,
		PrepTime:           r.PrepTime,
		CookTime:           r.CookTime,
		Servings:           r.Servings,
		Calories:           r.Calories,
		EstimatedPrice:     r.EstimatedPrice,
		MissingIngredients: missing,
		CuisineType:        r.CuisineType,
		RecipeType:         r.RecipeType,
		IsHealthy:          r.IsHealthy,
	}
	if out.Ingredients == nil {
		out.Ingredients = []string{}
	}
	if out.Steps == nil {
		out.Steps = []string{}
	}
	if out.MissingIngredients == nil {
		out.MissingIngredients = []string{}
	}
	if out.PrepTime == 0 {
		out.PrepTime = defaultPrepTime
	}
	if out.CookTime == 0 {
		out.CookTime = defaultCookTime
	}
	if out.Servings == 0 {
		out.Servings = defaultServings
	}
	if out.Calories == 0 {
		out.Calories = defaultCalories
	}
	if out.EstimatedPrice == 0 {
		out.EstimatedPrice = defaultPrice
	}
	if out.CuisineType == "" {
		out.CuisineType = defaultCuisine
	}
	if out.RecipeType == "" {
		out.RecipeType = defaultRecipeType
	}
	return out
}

// DefaultRecipe 沒有任何食譜符合條件時回傳的簡單義大利麵
func DefaultRecipe(recipeType string) common.GeneratedRecipe {
	if recipeType == "" {
		recipeType = defaultRecipeType
	}
	return common.GeneratedRecipe{
		Name:        "Simple Pasta",
		Description: "A simple and delicious pasta dish",
		Ingredients: []string{"pasta", "olive oil", "garlic", "salt", "pepper"},
		Steps: []string{
			"Cook pasta according to package instructions",
			"Heat olive oil in a pan",
			"Add garlic and cook until fragrant",
			"Toss pasta with oil and garlic",
			"Season with salt and pepper",
		},
		PrepTime:           10,
		CookTime:           15,
		Servings:           4,
		Calories:           350,
		EstimatedPrice:     8.0,
		MissingIngredients: []string{},
		CuisineType:        "Italian",
		RecipeType:         recipeType,
		IsHealthy:          false,
	}
}
