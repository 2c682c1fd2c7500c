package common

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Recipe 食譜（語料庫中的一筆紀錄，載入後唯讀）
type Recipe struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Ingredients     []string `json:"ingredients"`
	Steps           []string `json:"steps"`
	PrepTime        int      `json:"prep_time"`
	CookTime        int      `json:"cook_time"`
	Servings        int      `json:"servings"`
	Calories        float64  `json:"calories"`
	EstimatedPrice  float64  `json:"estimated_price"`
	CuisineType     string   `json:"cuisine_type"`
	RecipeType      string   `json:"recipe_type"`
	IsHealthy       bool     `json:"is_healthy"`
	DifficultyLevel string   `json:"difficulty_level,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// UnmarshalJSON 在解碼時統一處理字串化的 ingredients / steps
func (r *Recipe) UnmarshalJSON(data []byte) error {
	type Alias Recipe
	aux := struct {
		*Alias
		Ingredients json.RawMessage `json:"ingredients"`
		Steps       json.RawMessage `json:"steps"`
		Tags        json.RawMessage `json:"tags"`
	}{Alias: (*Alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Ingredients = NormalizeIngredients(ParseStringList(aux.Ingredients, "ingredients"))
	r.Steps = ParseStringList(aux.Steps, "steps")
	if len(aux.Tags) > 0 {
		r.Tags = ParseStringList(aux.Tags, "tags")
	}
	return nil
}

// NormalizeIngredients 食材名稱轉小寫並去除空白，空字串會被移除
func NormalizeIngredients(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// UserProfile 使用者飲食檔案
type UserProfile struct {
	UserID            int64     `json:"user_id"`
	Email             string    `json:"email"`
	Age               *int      `json:"age"`
	Gender            string    `json:"gender"`
	ActivityLevel     string    `json:"activity_level"`
	DietaryPreference string    `json:"dietary_preference"`
	Allergies         []string  `json:"allergies"`
	HealthConditions  []string  `json:"health_conditions"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// UnmarshalJSON 在解碼時統一處理字串化的 allergies / health_conditions
func (p *UserProfile) UnmarshalJSON(data []byte) error {
	type Alias UserProfile
	aux := struct {
		*Alias
		Allergies        json.RawMessage `json:"allergies"`
		HealthConditions json.RawMessage `json:"health_conditions"`
	}{Alias: (*Alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Allergies = ParseStringList(aux.Allergies, "allergies")
	p.HealthConditions = ParseStringList(aux.HealthConditions, "health_conditions")
	return nil
}

// Interaction 使用者與食譜的互動紀錄
type Interaction struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	RecipeTemplateID *int64    `json:"recipe_template_id"`
	InteractionType  string    `json:"interaction_type"`
	Rating           *int      `json:"rating,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelMetadata 模型中繼資料，用於載入時檢查相容性
type ModelMetadata struct {
	Kind               string             `json:"kind"`
	InputSize          int                `json:"input_size"`
	OutputSize         int                `json:"output_size"`
	HiddenLayers       []int              `json:"hidden_layers"`
	Dropout            float64            `json:"dropout"`
	IngredientVocab    int                `json:"ingredient_vocab_size"`
	CuisineVocab       int                `json:"cuisine_vocab_size"`
	TrainingCorpusSize int                `json:"training_corpus_size"`
	CorpusFingerprint  string             `json:"corpus_fingerprint"`
	RecipeIDsDigest    string             `json:"recipe_ids_digest"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
}

// ModelArtifact 已保存的模型版本
type ModelArtifact struct {
	ID               int64         `json:"id"`
	ModelName        string        `json:"model_name"`
	ModelType        string        `json:"model_type"`
	ModelVersion     string        `json:"model_version"`
	ModelData        string        `json:"model_data"`
	Checksum         string        `json:"checksum"`
	Metadata         ModelMetadata `json:"model_metadata"`
	TrainingDataSize int           `json:"training_data_size"`
	IsActive         bool          `json:"is_active"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ModelSummary 不含權重的模型摘要，供 API 回傳
type ModelSummary struct {
	ID               int64         `json:"id"`
	ModelName        string        `json:"modelName"`
	ModelType        string        `json:"modelType"`
	ModelVersion     string        `json:"modelVersion"`
	Metadata         ModelMetadata `json:"metadata"`
	TrainingDataSize int           `json:"trainingDataSize"`
	IsActive         bool          `json:"isActive"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Summary 轉換為不含權重的摘要
func (a *ModelArtifact) Summary() ModelSummary {
	return ModelSummary{
		ID:               a.ID,
		ModelName:        a.ModelName,
		ModelType:        a.ModelType,
		ModelVersion:     a.ModelVersion,
		Metadata:         a.Metadata,
		TrainingDataSize: a.TrainingDataSize,
		IsActive:         a.IsActive,
		CreatedAt:        a.CreatedAt,
	}
}

// Document 資料文件的四個頂層集合
type Document struct {
	Recipes      []Recipe        `json:"recipes"`
	UserProfiles []UserProfile   `json:"user_profiles"`
	Interactions []Interaction   `json:"interactions"`
	MLModels     []ModelArtifact `json:"ml_models"`
}

// EnsureCollections 確保集合不為 nil，序列化時輸出空陣列
func (d *Document) EnsureCollections() {
	if d.Recipes == nil {
		d.Recipes = []Recipe{}
	}
	if d.UserProfiles == nil {
		d.UserProfiles = []UserProfile{}
	}
	if d.Interactions == nil {
		d.Interactions = []Interaction{}
	}
	if d.MLModels == nil {
		d.MLModels = []ModelArtifact{}
	}
}

// GeneratedRecipe generate-meal 的回應格式
type GeneratedRecipe struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Ingredients        []string `json:"ingredients"`
	Steps              []string `json:"steps"`
	PrepTime           int      `json:"prepTime"`
	CookTime           int      `json:"cookTime"`
	Servings           int      `json:"servings"`
	Calories           float64  `json:"calories"`
	EstimatedPrice     float64  `json:"estimatedPrice"`
	MissingIngredients []string `json:"missingIngredients"`
	CuisineType        string   `json:"cuisineType"`
	RecipeType         string   `json:"recipeType"`
	IsHealthy          bool     `json:"isHealthy"`
}

// RecipeBrief 食譜摘要，用於推薦列表
type RecipeBrief struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CuisineType string `json:"cuisineType"`
	RecipeType  string `json:"recipeType"`
}
