package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nutriwise-ml/internal/core/cache"
	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/core/ml/model"
	recipeService "nutriwise-ml/internal/core/recipe"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"

	"github.com/goccy/go-json"
)

func testConfig() *config.Config {
	kind := config.ModelKindConf{
		TargetTotal: 200, MinPerRecipe: 5, MinCorpus: 5,
		RatioMin: 0.5, RatioMax: 1, CuisineMatchProbability: 1,
		Epochs: 3, BatchSize: 16, HiddenLayers: []int{16}, LearningRate: 0.01,
	}
	classification := kind
	classification.MinCorpus = 50
	return &config.Config{
		App:         config.AppConfig{Version: "test"},
		Server:      config.ServerConfig{MaxBodyBytes: 1 << 20},
		Cache:       config.CacheConfig{Enabled: true, MaxSize: 4, TTL: time.Minute},
		Training:    config.TrainingConfig{Workers: 1, QueueSize: 4, MaxDuration: time.Minute, MaxEpochs: 5, Seed: 1, AutoActivate: true},
		ML:          config.MLConfig{Classification: classification, Generation: kind},
		DedupWindow: 2 * time.Second,
	}
}

func corpus(n int) []common.Recipe {
	out := make([]common.Recipe, n)
	for i := range out {
		out[i] = common.Recipe{
			ID:          int64(i + 1),
			Name:        fmt.Sprintf("Recipe %d", i+1),
			Ingredients: []string{fmt.Sprintf("ing%d", i), fmt.Sprintf("ing%d", i+1), "salt"},
			CuisineType: []string{"Italian", "Asian"}[i%2],
			RecipeType:  "savory",
		}
	}
	return out
}

func newServer(t *testing.T, recipes []common.Recipe) http.Handler {
	t.Helper()
	cfg := testConfig()

	st, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ImportRecipes(context.Background(), recipes, true); err != nil {
		t.Fatal(err)
	}

	encoders := cache.NewManager(cfg.Cache)
	manager := jobs.NewManager(cfg.Training, jobs.NewMemoryStore())
	t.Cleanup(func() {
		manager.Close()
		encoders.Close()
	})
	registry := model.NewRegistry(st)

	return SetupRouter(cfg, Services{
		Store:    st,
		Meals:    recipeService.NewMealService(st, registry, encoders, recipeService.NewRanker(nil), false),
		Profiles: recipeService.NewProfileService(st),
		Training: recipeService.NewTrainingService(cfg, st, st, registry, manager),
	})
}

func call(t *testing.T, h http.Handler, method, path, body string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w
}

func TestHealth(t *testing.T) {
	h := newServer(t, nil)

	var body map[string]interface{}
	w := call(t, h, http.MethodGet, "/health", "", &body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "healthy" || body["message"] != "ML API is running" || body["database"] != "JSON file" {
		t.Errorf("body = %v", body)
	}
	cacheStats, ok := body["cache"].(map[string]interface{})
	if !ok || cacheStats["enabled"] != true || cacheStats["max_size"] != float64(4) {
		t.Errorf("cache stats = %v", body["cache"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	if w := call(t, h, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("ready status = %d", w.Code)
	}
	if w := call(t, h, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "nutriwise_api_requests_total") {
		t.Errorf("metrics status = %d", w.Code)
	}
}

func TestSyncUserValidation(t *testing.T) {
	h := newServer(t, nil)

	var errBody common.ErrorResponse
	w := call(t, h, http.MethodPost, "/api/ml/sync-user", `{"email":"x@example.com"}`, &errBody)
	if w.Code != http.StatusBadRequest || errBody.Error != "userId is required" || errBody.Details != "" {
		t.Fatalf("got %d %+v", w.Code, errBody)
	}

	w = call(t, h, http.MethodPost, "/api/ml/sync-user", `{not json`, &errBody)
	if w.Code != http.StatusBadRequest || errBody.Code != common.ErrCodeInvalidRequest {
		t.Fatalf("malformed body got %d %+v", w.Code, errBody)
	}

	var ok map[string]interface{}
	w = call(t, h, http.MethodPost, "/api/ml/sync-user",
		`{"userId":3,"email":"x@example.com","profile":{"dietary_preference":"vegan","allergies":"[\"nuts\"]"}}`, &ok)
	if w.Code != http.StatusOK || ok["success"] != true || ok["message"] != "User synchronized successfully" {
		t.Errorf("got %d %v", w.Code, ok)
	}
}

func TestSuggestRecipesWithoutProfile(t *testing.T) {
	h := newServer(t, corpus(3))
	var body map[string]interface{}
	w := call(t, h, http.MethodPost, "/api/ml/suggest-recipes", `{"userId":77}`, &body)
	if w.Code != http.StatusOK || body["message"] != "No profile found" {
		t.Errorf("got %d %v", w.Code, body)
	}
}

func TestGenerateMealFallback(t *testing.T) {
	h := newServer(t, corpus(6))

	var recipe common.GeneratedRecipe
	w := call(t, h, http.MethodPost, "/api/ml/generate-meal", `{"availableIngredients":["ing2","salt"]}`, &recipe)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Recipe-Source") != recipeService.SourceFallback {
		t.Errorf("source = %q", w.Header().Get("X-Recipe-Source"))
	}
	if recipe.Name == "" || recipe.MissingIngredients == nil {
		t.Errorf("recipe = %+v", recipe)
	}

	// 空請求體視為沒有任何條件
	if w := call(t, h, http.MethodPost, "/api/ml/generate-meal", "", nil); w.Code != http.StatusOK {
		t.Errorf("empty body status = %d", w.Code)
	}
}

func TestTrainRejectsSmallCorpus(t *testing.T) {
	h := newServer(t, corpus(10))

	var errBody common.ErrorResponse
	w := call(t, h, http.MethodPost, "/api/ml/train-classification", "", &errBody)
	if w.Code != http.StatusUnprocessableEntity || errBody.Code != common.ErrCodeDatasetTooSmall {
		t.Fatalf("got %d %+v", w.Code, errBody)
	}

	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	call(t, h, http.MethodGet, "/api/ml/jobs", "", &list)
	if len(list.Jobs) != 0 {
		t.Errorf("jobs = %+v", list.Jobs)
	}
}

func TestTrainGenerationEndToEnd(t *testing.T) {
	h := newServer(t, corpus(10))

	var accepted struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
		Status  string `json:"status"`
	}
	w := call(t, h, http.MethodPost, "/api/ml/train-generation", `{"epochs":2,"version":"v-e2e"}`, &accepted)
	if w.Code != http.StatusAccepted || !accepted.Success || accepted.JobID == "" {
		t.Fatalf("got %d %+v", w.Code, accepted)
	}

	// 去重窗口內的相同請求被拒絕
	if w := call(t, h, http.MethodPost, "/api/ml/train-generation", `{"epochs":2,"version":"v-e2e"}`, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("duplicate train status = %d", w.Code)
	}

	var job struct {
		Job jobs.Job `json:"job"`
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		call(t, h, http.MethodGet, "/api/ml/jobs/"+accepted.JobID, "", &job)
		if job.Job.Status.Done() || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.Job.Status != jobs.StatusSucceeded || job.Job.ModelID == 0 || job.Job.Metrics == nil {
		t.Fatalf("job = %+v", job.Job)
	}

	var models struct {
		Models []common.ModelSummary `json:"models"`
	}
	call(t, h, http.MethodGet, "/api/ml/models?name=generation", "", &models)
	if len(models.Models) != 1 || !models.Models[0].IsActive || models.Models[0].ModelVersion != "v-e2e" {
		t.Fatalf("models = %+v", models.Models)
	}

	if w := call(t, h, http.MethodPost, "/api/ml/models/reload", `{"kind":"generation"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("reload status = %d", w.Code)
	}

	w = call(t, h, http.MethodPost, "/api/ml/generate-meal", `{"availableIngredients":["ing3","ing4"],"cuisineType":"Asian"}`, nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Recipe-Source") != recipeService.SourceModel {
		t.Errorf("generate-meal after training: %d source=%q", w.Code, w.Header().Get("X-Recipe-Source"))
	}
}

func TestJobAndModelErrors(t *testing.T) {
	h := newServer(t, nil)

	if w := call(t, h, http.MethodGet, "/api/ml/jobs/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", w.Code)
	}
	if w := call(t, h, http.MethodPost, "/api/ml/models/abc/activate", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}
	if w := call(t, h, http.MethodPost, "/api/ml/models/42/activate", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown model status = %d", w.Code)
	}
	if w := call(t, h, http.MethodGet, "/api/ml/models?name=sentiment", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d", w.Code)
	}
}
