package features

import (
	"strings"

	"nutriwise-ml/internal/pkg/common"
)

// Allergens 過敏原區段的固定順序
var Allergens = []string{"nuts", "peanuts", "shellfish", "fish", "eggs", "milk", "soy", "wheat", "gluten", "sesame"}

// RecipeNumericFields 食譜向量中的正規化數值欄位數
const RecipeNumericFields = 4

// Request 使用者請求中用於編碼的欄位
type Request struct {
	AvailableIngredients []string
	RecipeType           string
	CuisineType          string
	IsHealthy            bool
	Allergies            []string
}

// Encoder 將請求或食譜轉為固定長度的特徵向量
type Encoder struct {
	vocab *Vocabulary
	stats Stats
}

// NewEncoder 以語料庫建立詞彙表與統計值
func NewEncoder(recipes []common.Recipe) *Encoder {
	return &Encoder{
		vocab: BuildVocabulary(recipes),
		stats: ComputeStats(recipes),
	}
}

// Vocabulary 詞彙表
func (e *Encoder) Vocabulary() *Vocabulary {
	return e.vocab
}

// Stats 數值統計
func (e *Encoder) Stats() Stats {
	return e.stats
}

// RequestWidth 請求向量長度：食材 + recipe_type + 料理類型 + is_healthy + 過敏原
func (e *Encoder) RequestWidth() int {
	return e.vocab.IngredientWidth() + 1 + e.vocab.CuisineWidth() + 1 + len(Allergens)
}

// RecipeWidth 食譜向量長度：食材 + recipe_type + 料理類型 + 數值欄位 + is_healthy
func (e *Encoder) RecipeWidth() int {
	return e.vocab.IngredientWidth() + 1 + e.vocab.CuisineWidth() + RecipeNumericFields + 1
}

// EncodeRequest 編碼使用者請求。未知食材與料理類型直接忽略。
func (e *Encoder) EncodeRequest(req Request) []float64 {
	out := make([]float64, 0, e.RequestWidth())
	out = e.appendIngredients(out, req.AvailableIngredients)
	out = append(out, recipeTypeScalar(req.RecipeType))
	out = e.appendCuisine(out, req.CuisineType)
	out = append(out, boolScalar(req.IsHealthy))

	declared := make(map[string]struct{}, len(req.Allergies))
	for _, a := range req.Allergies {
		declared[strings.ToLower(a)] = struct{}{}
	}
	for _, allergen := range Allergens {
		if _, ok := declared[allergen]; ok {
			out = append(out, -1.0)
		} else {
			out = append(out, 0.0)
		}
	}
	return out
}

// EncodeRecipe 編碼食譜本身的特徵
func (e *Encoder) EncodeRecipe(r common.Recipe) []float64 {
	out := make([]float64, 0, e.RecipeWidth())
	out = e.appendIngredients(out, r.Ingredients)
	out = append(out, recipeTypeScalar(r.RecipeType))
	out = e.appendCuisine(out, CuisineOf(r))

	s := e.stats
	out = append(out,
		Normalize(r.Calories, s.MinCalories, s.MaxCalories),
		Normalize(r.EstimatedPrice, s.MinPrice, s.MaxPrice),
		Normalize(float64(r.PrepTime), s.MinPrepTime, s.MaxPrepTime),
		Normalize(float64(r.CookTime), s.MinCookTime, s.MaxCookTime),
	)
	out = append(out, boolScalar(r.IsHealthy))
	return out
}

func (e *Encoder) appendIngredients(out []float64, ingredients []string) []float64 {
	start := len(out)
	out = append(out, make([]float64, e.vocab.IngredientWidth())...)
	for _, ing := range ingredients {
		if idx, ok := e.vocab.Ingredients[normalizeIngredient(ing)]; ok {
			out[start+idx] = 1.0
		}
	}
	return out
}

func (e *Encoder) appendCuisine(out []float64, cuisine string) []float64 {
	start := len(out)
	out = append(out, make([]float64, e.vocab.CuisineWidth())...)
	if idx, ok := e.vocab.Cuisines[normalizeCuisine(cuisine)]; ok {
		out[start+idx] = 1.0
	}
	return out
}

// recipeTypeScalar 只有完全等於 "sweet" 才編碼為 0
func recipeTypeScalar(recipeType string) float64 {
	if recipeType == "sweet" {
		return 0.0
	}
	return 1.0
}

func boolScalar(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// IsKnownRecipeType 是否為 sweet 或 savory
func IsKnownRecipeType(recipeType string) bool {
	return recipeType == "sweet" || recipeType == "savory"
}
