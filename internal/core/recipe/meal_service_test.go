package recipe

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"nutriwise-ml/internal/core/cache"
	"nutriwise-ml/internal/core/ml/dataset"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"
)

type fakeRecipes struct {
	recipes []common.Recipe
	err     error
}

func (f *fakeRecipes) Recipes(context.Context) ([]common.Recipe, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	fp, err := store.CorpusFingerprint(f.recipes)
	return f.recipes, fp, err
}

type fakeModels struct {
	model *model.Model
	err   error
	calls int
}

func (f *fakeModels) Get(context.Context, model.Kind) (*model.Model, error) {
	f.calls++
	return f.model, f.err
}

func newEncoderCache(t *testing.T) *cache.CacheManager {
	m := cache.NewManager(config.CacheConfig{Enabled: true, MaxSize: 4, TTL: time.Minute})
	t.Cleanup(func() { m.Close() })
	return m
}

func trainTiny(t *testing.T, recipes []common.Recipe) *model.Model {
	t.Helper()
	profile := model.Profile{
		Kind: model.KindGeneration,
		Synth: dataset.Config{
			TargetTotal: 60, MinPerRecipe: 20, MinCorpus: 1,
			RatioMin: 0.5, RatioMax: 1, CuisineMatchProbability: 1,
		},
		Defaults: model.TrainParams{Epochs: 2, BatchSize: 8, HiddenLayers: []int{8}, LearningRate: 0.01, Seed: 3},
	}
	m, _, err := model.Train(context.Background(), profile, recipes, model.TrainParams{}, model.TrainOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestGenerateMealFallsBackWithoutModel(t *testing.T) {
	models := &fakeModels{err: &common.ModelNotFoundError{Name: "recipe_generation", Version: "latest"}}
	svc := NewMealService(&fakeRecipes{recipes: scenarioCorpus()}, models, newEncoderCache(t), NewRanker(rand.New(rand.NewSource(1))), false)

	out, source, err := svc.GenerateMeal(context.Background(), MealRequest{AvailableIngredients: []string{"pasta"}}, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceFallback {
		t.Errorf("source = %s", source)
	}
	if out.Name == "Chicken Rice" {
		t.Error("fallback returned the lowest scoring recipe")
	}
}

func TestGenerateMealDefaultRecipe(t *testing.T) {
	svc := NewMealService(&fakeRecipes{}, &fakeModels{err: errors.New("unused")}, nil, NewRanker(nil), false)
	out, source, err := svc.GenerateMeal(context.Background(), MealRequest{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceDefault || out.Name != "Simple Pasta" {
		t.Errorf("got %s from %s", out.Name, source)
	}
}

func TestGenerateMealStoreError(t *testing.T) {
	svc := NewMealService(&fakeRecipes{err: errors.New("disk")}, &fakeModels{}, nil, NewRanker(nil), false)
	if _, _, err := svc.GenerateMeal(context.Background(), MealRequest{}, ""); err == nil {
		t.Fatal("expected error when recipes cannot be loaded")
	}
}

func TestGenerateMealUsesModel(t *testing.T) {
	corpus := scenarioCorpus()
	models := &fakeModels{model: trainTiny(t, corpus)}
	svc := NewMealService(&fakeRecipes{recipes: corpus}, models, newEncoderCache(t), NewRanker(nil), true)

	out, source, err := svc.GenerateMeal(context.Background(), MealRequest{
		AvailableIngredients: []string{"rice"},
		RecipeType:           "brunch",
	}, "req-2")
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceModel {
		t.Fatalf("source = %s", source)
	}
	found := false
	for _, r := range corpus {
		if r.Name == out.Name {
			found = true
		}
	}
	if !found {
		t.Errorf("model returned unknown recipe %q", out.Name)
	}
}

func TestGenerateMealIncompatibleModelFallsBack(t *testing.T) {
	corpus := scenarioCorpus()
	trained := trainTiny(t, corpus)

	grown := append(append([]common.Recipe{}, corpus...), common.Recipe{ID: 4, Name: "Soup", Ingredients: []string{"water", "salt"}})
	svc := NewMealService(&fakeRecipes{recipes: grown}, &fakeModels{model: trained}, newEncoderCache(t), NewRanker(rand.New(rand.NewSource(2))), false)

	_, source, err := svc.GenerateMeal(context.Background(), MealRequest{AvailableIngredients: []string{"pasta"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceFallback {
		t.Errorf("source = %s, want fallback on corpus drift", source)
	}
}

func TestEncoderForCachesByFingerprint(t *testing.T) {
	encoders := newEncoderCache(t)
	corpus := scenarioCorpus()
	fp := fingerprint(t, corpus)

	a := EncoderFor(encoders, fp, corpus)
	b := EncoderFor(encoders, fp, corpus)
	if a != b {
		t.Error("same fingerprint should reuse the encoder")
	}

	other := corpus[:2]
	c := EncoderFor(encoders, fingerprint(t, other), other)
	if c == a {
		t.Error("different corpus must not reuse the vocabulary")
	}

	stats := encoders.GetStats()
	if stats["hits"].(int64) != 1 || stats["size"].(int) != 2 {
		t.Errorf("encoder cache stats = %v", stats)
	}
}

func TestEncoderForWithoutCache(t *testing.T) {
	corpus := scenarioCorpus()
	if enc := EncoderFor(nil, "", corpus); enc == nil || enc.RequestWidth() == 0 {
		t.Fatal("expected an encoder built from the corpus")
	}
}

func fingerprint(t *testing.T, recipes []common.Recipe) string {
	t.Helper()
	fp, err := store.CorpusFingerprint(recipes)
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

func TestGenerateMealFallsBackOnReorderedCorpus(t *testing.T) {
	corpus := scenarioCorpus()
	trained := trainTiny(t, corpus)

	reordered := make([]common.Recipe, len(corpus))
	for i, r := range corpus {
		reordered[len(corpus)-1-i] = r
	}
	svc := NewMealService(&fakeRecipes{recipes: reordered}, &fakeModels{model: trained}, newEncoderCache(t), NewRanker(rand.New(rand.NewSource(4))), false)

	_, source, err := svc.GenerateMeal(context.Background(), MealRequest{AvailableIngredients: []string{"rice"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if source != SourceFallback {
		t.Errorf("source = %s, a reordered corpus must not reuse positional labels", source)
	}
}
