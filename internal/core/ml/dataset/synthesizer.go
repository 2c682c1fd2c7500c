package dataset

import (
	"math/rand"

	"nutriwise-ml/internal/core/ml/features"
	"nutriwise-ml/internal/pkg/common"
)

// DefaultCuisines 模擬使用者誤報料理類型時的候選清單
var DefaultCuisines = []string{"Italian", "Tunisian", "French", "Asian", "Mediterranean", "Mexican", "Indian", "American", "Other"}

// 切分比例
const (
	TrainFraction      = 0.7
	ValidationFraction = 0.15
)

// Config 合成訓練資料的參數
type Config struct {
	TargetTotal  int // 總樣本數目標
	MinPerRecipe int // 每道食譜最少樣本數
	MinCorpus    int // 語料庫最少食譜數

	RatioMin float64 // 可用食材比例下限
	RatioMax float64 // 可用食材比例上限

	NoiseProbability        float64 // 混入其他食譜食材的機率
	CuisineMatchProbability float64 // 使用正確料理類型的機率，>= 1 表示永遠正確
	Cuisines                []string
}

// Dataset 特徵向量與位置標籤
type Dataset struct {
	Features [][]float64
	Labels   []int
	Classes  int
}

// Len 樣本數
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// OneHot 第 i 筆樣本的 one-hot 標籤
func (d *Dataset) OneHot(i int) []float64 {
	out := make([]float64, d.Classes)
	out[d.Labels[i]] = 1.0
	return out
}

// Slice 取出 [from, to) 範圍，底層陣列共用
func (d *Dataset) Slice(from, to int) *Dataset {
	return &Dataset{
		Features: d.Features[from:to],
		Labels:   d.Labels[from:to],
		Classes:  d.Classes,
	}
}

// SplitPoints 70/15/15 切分點
func SplitPoints(n int) (trainEnd, valEnd int) {
	trainEnd = int(float64(n) * TrainFraction)
	valEnd = trainEnd + int(float64(n)*ValidationFraction)
	return trainEnd, valEnd
}

// Split 依產生順序連續切分，不打亂。
// 驗證與測試集因此偏向語料庫後段的食譜。
func (d *Dataset) Split() (train, val, test *Dataset) {
	trainEnd, valEnd := SplitPoints(d.Len())
	return d.Slice(0, trainEnd), d.Slice(trainEnd, valEnd), d.Slice(valEnd, d.Len())
}

// ExamplesPerRecipe 每道食譜產生的樣本數
func ExamplesPerRecipe(corpusSize int, cfg Config) int {
	if corpusSize == 0 {
		return 0
	}
	n := cfg.TargetTotal / corpusSize
	if n < cfg.MinPerRecipe {
		return cfg.MinPerRecipe
	}
	return n
}

// CheckCorpus 語料庫未達最低數量時回傳 DatasetTooSmallError
func CheckCorpus(corpusSize int, cfg Config) error {
	if corpusSize < cfg.MinCorpus {
		return &common.DatasetTooSmallError{Have: corpusSize, Need: cfg.MinCorpus}
	}
	return nil
}

// Synthesize 模擬只持有部分食材的使用者請求，標籤為食譜在語料庫中的位置
func Synthesize(recipes []common.Recipe, enc *features.Encoder, cfg Config, rng *rand.Rand) (*Dataset, error) {
	if err := CheckCorpus(len(recipes), cfg); err != nil {
		return nil, err
	}
	cuisines := cfg.Cuisines
	if len(cuisines) == 0 {
		cuisines = DefaultCuisines
	}

	perRecipe := ExamplesPerRecipe(len(recipes), cfg)
	ds := &Dataset{
		Features: make([][]float64, 0, perRecipe*len(recipes)),
		Labels:   make([]int, 0, perRecipe*len(recipes)),
		Classes:  len(recipes),
	}

	for label, recipe := range recipes {
		for i := 0; i < perRecipe; i++ {
			cuisine := features.CuisineOf(recipe)
			if cfg.CuisineMatchProbability < 1 && rng.Float64() >= cfg.CuisineMatchProbability {
				cuisine = cuisines[rng.Intn(len(cuisines))]
			}

			available := sampleIngredients(recipe.Ingredients, cfg, rng)
			if cfg.NoiseProbability > 0 && len(recipes) > 1 && rng.Float64() < cfg.NoiseProbability {
				available = addNoise(available, recipe, recipes, rng)
			}

			ds.Features = append(ds.Features, enc.EncodeRequest(features.Request{
				AvailableIngredients: available,
				RecipeType:           recipe.RecipeType,
				CuisineType:          cuisine,
				IsHealthy:            recipe.IsHealthy,
			}))
			ds.Labels = append(ds.Labels, label)
		}
	}
	return ds, nil
}

// sampleIngredients 依隨機比例取出部分食材
func sampleIngredients(ingredients []string, cfg Config, rng *rand.Rand) []string {
	if len(ingredients) == 0 {
		return nil
	}
	ratio := cfg.RatioMin + rng.Float64()*(cfg.RatioMax-cfg.RatioMin)
	count := int(float64(len(ingredients)) * ratio)
	if count < 1 {
		count = 1
	}
	if count > len(ingredients) {
		count = len(ingredients)
	}

	out := make([]string, 0, count+1)
	for _, idx := range rng.Perm(len(ingredients))[:count] {
		out = append(out, ingredients[idx])
	}
	return out
}

// addNoise 從另一道食譜隨機混入一種食材
func addNoise(available []string, recipe common.Recipe, recipes []common.Recipe, rng *rand.Rand) []string {
	other := recipes[rng.Intn(len(recipes))]
	if other.ID == recipe.ID || len(other.Ingredients) == 0 {
		return available
	}
	noise := other.Ingredients[rng.Intn(len(other.Ingredients))]
	for _, a := range available {
		if a == noise {
			return available
		}
	}
	return append(available, noise)
}
