package features

import (
	"sort"
	"strings"

	"nutriwise-ml/internal/pkg/common"
)

// DefaultCuisine 食譜未標註料理類型時使用
const DefaultCuisine = "Other"

// 詞彙表為空時的預設寬度
const (
	DefaultIngredientWidth = 100
	DefaultCuisineWidth    = 10
)

// Vocabulary 食材與料理類型到索引的對應，索引依字典序分配
type Vocabulary struct {
	Ingredients map[string]int
	Cuisines    map[string]int
}

// BuildVocabulary 由語料庫建立詞彙表，同一語料庫必定得到相同索引
func BuildVocabulary(recipes []common.Recipe) *Vocabulary {
	ingredientSet := make(map[string]struct{})
	cuisineSet := make(map[string]struct{})

	for _, r := range recipes {
		for _, ing := range r.Ingredients {
			ingredientSet[normalizeIngredient(ing)] = struct{}{}
		}
		cuisineSet[normalizeCuisine(CuisineOf(r))] = struct{}{}
	}

	return &Vocabulary{
		Ingredients: indexSorted(ingredientSet),
		Cuisines:    indexSorted(cuisineSet),
	}
}

func indexSorted(set map[string]struct{}) map[string]int {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}
	return index
}

// IngredientWidth 食材 one-hot 區段長度
func (v *Vocabulary) IngredientWidth() int {
	if len(v.Ingredients) == 0 {
		return DefaultIngredientWidth
	}
	return len(v.Ingredients)
}

// CuisineWidth 料理類型 one-hot 區段長度
func (v *Vocabulary) CuisineWidth() int {
	if len(v.Cuisines) == 0 {
		return DefaultCuisineWidth
	}
	return len(v.Cuisines)
}

// CuisineOf 食譜的料理類型，空值視為 Other
func CuisineOf(r common.Recipe) string {
	if r.CuisineType == "" {
		return DefaultCuisine
	}
	return r.CuisineType
}

func normalizeIngredient(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeCuisine(s string) string {
	return strings.ToLower(s)
}

// Stats 數值欄位的最小值與最大值
type Stats struct {
	MinCalories float64 `json:"minCalories"`
	MaxCalories float64 `json:"maxCalories"`
	MinPrice    float64 `json:"minPrice"`
	MaxPrice    float64 `json:"maxPrice"`
	MinPrepTime float64 `json:"minPrepTime"`
	MaxPrepTime float64 `json:"maxPrepTime"`
	MinCookTime float64 `json:"minCookTime"`
	MaxCookTime float64 `json:"maxCookTime"`
}

// DefaultStats 所有食譜都沒有填寫數值時使用的範圍
func DefaultStats() Stats {
	return Stats{
		MinCalories: 0, MaxCalories: 1000,
		MinPrice: 0, MaxPrice: 50,
		MinPrepTime: 0, MaxPrepTime: 180,
		MinCookTime: 0, MaxCookTime: 180,
	}
}

type minMax struct {
	min, max float64
	seen     bool
}

func (m *minMax) add(v float64) {
	// 0 視為未填寫
	if v == 0 {
		return
	}
	if !m.seen || v < m.min {
		m.min = v
	}
	if !m.seen || v > m.max {
		m.max = v
	}
	m.seen = true
}

func (m *minMax) bounds(defMin, defMax float64) (float64, float64) {
	if !m.seen {
		return defMin, defMax
	}
	return m.min, m.max
}

// ComputeStats 計算語料庫的數值範圍，欄位全部未填寫時退回預設範圍
func ComputeStats(recipes []common.Recipe) Stats {
	var calories, price, prep, cook minMax
	for _, r := range recipes {
		calories.add(r.Calories)
		price.add(r.EstimatedPrice)
		prep.add(float64(r.PrepTime))
		cook.add(float64(r.CookTime))
	}

	def := DefaultStats()
	var s Stats
	s.MinCalories, s.MaxCalories = calories.bounds(def.MinCalories, def.MaxCalories)
	s.MinPrice, s.MaxPrice = price.bounds(def.MinPrice, def.MaxPrice)
	s.MinPrepTime, s.MaxPrepTime = prep.bounds(def.MinPrepTime, def.MaxPrepTime)
	s.MinCookTime, s.MaxCookTime = cook.bounds(def.MinCookTime, def.MaxCookTime)
	return s
}

// Normalize min-max 正規化；min == max 時回傳 0.5
func Normalize(value, min, max float64) float64 {
	if max == min {
		return 0.5
	}
	return (value - min) / (max - min)
}
