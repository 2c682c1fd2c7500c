package model

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nutriwise-ml/internal/core/ml/dataset"
	"nutriwise-ml/internal/core/ml/features"
	"nutriwise-ml/internal/core/ml/nn"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"

	"github.com/goccy/go-json"
)

func makeCorpus(n int) []common.Recipe {
	cuisines := []string{"Italian", "French", "Asian"}
	recipes := make([]common.Recipe, n)
	for i := range recipes {
		recipeType := "savory"
		if i%4 == 0 {
			recipeType = "sweet"
		}
		recipes[i] = common.Recipe{
			ID:             int64(i + 1),
			Name:           fmt.Sprintf("recipe %d", i+1),
			Ingredients:    []string{fmt.Sprintf("ing%d", i), fmt.Sprintf("ing%d", i+1), "salt"},
			CuisineType:    cuisines[i%len(cuisines)],
			RecipeType:     recipeType,
			EstimatedPrice: float64(i % 20),
			Calories:       float64(200 + i),
		}
	}
	return recipes
}

func testProfile(kind Kind) Profile {
	return Profile{
		Kind: kind,
		Synth: dataset.Config{
			TargetTotal:             300,
			MinPerRecipe:            5,
			MinCorpus:               50,
			RatioMin:                0.3,
			RatioMax:                0.8,
			CuisineMatchProbability: 0.7,
		},
		Defaults: TrainParams{
			Epochs:       3,
			BatchSize:    32,
			HiddenLayers: []int{16, 8},
			LearningRate: 0.01,
			Dropout:      Float(0.2),
			Seed:         42,
		},
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestTrainRejectsSmallCorpus(t *testing.T) {
	m, metrics, err := Train(context.Background(), testProfile(KindClassification), makeCorpus(10), TrainParams{}, TrainOptions{})
	if !common.IsDatasetTooSmall(err) {
		t.Fatalf("expected DatasetTooSmallError, got %v", err)
	}
	if m != nil || metrics != nil {
		t.Error("no model should be produced")
	}
}

func TestTrainRejectsInvalidParams(t *testing.T) {
	_, _, err := Train(context.Background(), testProfile(KindClassification), makeCorpus(50), TrainParams{Dropout: Float(1.5)}, TrainOptions{})
	if !common.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTrainSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	recipes := makeCorpus(50)
	st := openStore(t)

	var epochs int
	m, metrics, err := Train(ctx, testProfile(KindClassification), recipes, TrainParams{}, TrainOptions{
		OnEpoch: func(nn.EpochStats) { epochs++ },
	})
	if err != nil {
		t.Fatal(err)
	}
	if epochs == 0 || metrics.EpochsRun != epochs {
		t.Errorf("epochs run %d, callback %d", metrics.EpochsRun, epochs)
	}
	if metrics.TestSamples == 0 || metrics.PriceMAE != nil {
		t.Errorf("unexpected metrics %+v", metrics)
	}
	meta := m.Metadata()
	if meta.OutputSize != len(recipes) || meta.TrainingCorpusSize != len(recipes) {
		t.Errorf("metadata sizes %+v", meta)
	}

	id, err := m.Save(ctx, st, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 || m.Version == "" {
		t.Fatalf("save returned id %d version %q", id, m.Version)
	}

	loaded, err := Load(ctx, st, KindClassification, store.LatestVersion, recipes)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ArtifactID != id || loaded.Version != m.Version {
		t.Errorf("loaded %d/%s, want %d/%s", loaded.ArtifactID, loaded.Version, id, m.Version)
	}

	enc := features.NewEncoder(recipes)
	for _, req := range []features.Request{
		{AvailableIngredients: []string{"ing3", "salt"}},
		{AvailableIngredients: []string{"ing10"}, RecipeType: "sweet", CuisineType: "French", Allergies: []string{"milk"}},
	} {
		x := enc.EncodeRequest(req)
		a, err := m.Predict(x, 5)
		if err != nil {
			t.Fatal(err)
		}
		b, err := loaded.Predict(x, 5)
		if err != nil {
			t.Fatal(err)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("prediction %d differs after reload: %+v vs %+v", i, a[i], b[i])
			}
		}
	}
}

func TestGenerationReportsPriceMAE(t *testing.T) {
	profile := testProfile(KindGeneration)
	profile.Synth.NoiseProbability = 0.1
	profile.Synth.CuisineMatchProbability = 1

	_, metrics, err := Train(context.Background(), profile, makeCorpus(50), TrainParams{Epochs: 1}, TrainOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if metrics.PriceMAE == nil || *metrics.PriceMAE < 0 {
		t.Errorf("priceMAE = %v", metrics.PriceMAE)
	}
}

func TestTrainKeepsBestWeightsWhenInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recipes := makeCorpus(50)

	m, metrics, err := Train(ctx, testProfile(KindClassification), recipes, TrainParams{Epochs: 10}, TrainOptions{
		OnEpoch: func(e nn.EpochStats) {
			if e.Epoch == 2 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m == nil || metrics == nil {
		t.Fatal("interrupted training should still return the best model")
	}
	if !metrics.Interrupted || metrics.EpochsRun != 2 || metrics.BestEpoch < 1 {
		t.Errorf("metrics = %+v", metrics)
	}
	x := features.NewEncoder(recipes).EncodeRequest(features.Request{AvailableIngredients: []string{"ing1"}})
	if preds, err := m.Predict(x, 1); err != nil || len(preds) != 1 {
		t.Errorf("predict after interrupt = %v, %v", preds, err)
	}
}

func TestTrainInterruptedBeforeFirstEpoch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, metrics, err := Train(ctx, testProfile(KindClassification), makeCorpus(50), TrainParams{}, TrainOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m != nil || metrics != nil {
		t.Error("no model without a completed epoch")
	}
}

func TestMaxEpochsCapsTraining(t *testing.T) {
	_, metrics, err := Train(context.Background(), testProfile(KindClassification), makeCorpus(50), TrainParams{Epochs: 50}, TrainOptions{MaxEpochs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if metrics.EpochsRun > 2 {
		t.Errorf("ran %d epochs with cap 2", metrics.EpochsRun)
	}
}

func TestLoadDetectsCorpusDrift(t *testing.T) {
	ctx := context.Background()
	recipes := makeCorpus(50)
	st := openStore(t)

	m, _, err := Train(ctx, testProfile(KindClassification), recipes, TrainParams{Epochs: 1}, TrainOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(ctx, st, "v1", true); err != nil {
		t.Fatal(err)
	}

	_, err = Load(ctx, st, KindClassification, "v1", makeCorpus(60))
	if !common.IsIncompatibleModel(err) {
		t.Fatalf("expected IncompatibleModelError, got %v", err)
	}
}

func TestLoadRejectsReorderedOrReplacedCorpus(t *testing.T) {
	ctx := context.Background()
	recipes := makeCorpus(50)
	st := openStore(t)

	m, _, err := Train(ctx, testProfile(KindClassification), recipes, TrainParams{Epochs: 1}, TrainOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Metadata().RecipeIDsDigest == "" {
		t.Fatal("trained model has no recipe id digest")
	}
	if _, err := m.Save(ctx, st, "v1", true); err != nil {
		t.Fatal(err)
	}

	reversed := make([]common.Recipe, len(recipes))
	for i, r := range recipes {
		reversed[len(recipes)-1-i] = r
	}
	if _, err := Load(ctx, st, KindClassification, "v1", reversed); !common.IsIncompatibleModel(err) {
		t.Errorf("reversed corpus: expected IncompatibleModelError, got %v", err)
	}

	replaced := append([]common.Recipe(nil), recipes...)
	replaced[0].ID = 999
	if _, err := Load(ctx, st, KindClassification, "v1", replaced); !common.IsIncompatibleModel(err) {
		t.Errorf("replaced recipe: expected IncompatibleModelError, got %v", err)
	}

	loaded, err := Load(ctx, st, KindClassification, "v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.CheckCompatible(features.NewEncoder(replaced), replaced); !common.IsIncompatibleModel(err) {
		t.Errorf("CheckCompatible with replaced recipe = %v", err)
	}
	if err := loaded.CheckCompatible(features.NewEncoder(recipes), recipes); err != nil {
		t.Errorf("CheckCompatible with training corpus = %v", err)
	}
}

func TestLoadMissingModel(t *testing.T) {
	_, err := Load(context.Background(), openStore(t), KindGeneration, store.LatestVersion, nil)
	if !common.IsModelNotFound(err) {
		t.Fatalf("expected ModelNotFoundError, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"classification":        KindClassification,
		"recipe_generation":     KindGeneration,
		" Generation ":          KindGeneration,
		"recipe_classification": KindClassification,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("ranking"); !common.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMergeKeepsDefaults(t *testing.T) {
	base := TrainParams{Epochs: 10, BatchSize: 32, HiddenLayers: []int{8}, LearningRate: 0.1, Dropout: Float(0.3), Seed: 1}
	got := base.Merge(TrainParams{Epochs: 5, HiddenLayers: []int{4, 2}})
	if got.Epochs != 5 || got.BatchSize != 32 || len(got.HiddenLayers) != 2 || got.DropoutRate() != 0.3 || got.Seed != 1 {
		t.Errorf("merge = %+v", got)
	}
}

func TestMergeAllowsZeroDropout(t *testing.T) {
	base := TrainParams{Epochs: 10, BatchSize: 32, HiddenLayers: []int{8}, LearningRate: 0.1, Dropout: Float(0.3)}

	var override TrainParams
	if err := json.Unmarshal([]byte(`{"dropout":0}`), &override); err != nil {
		t.Fatal(err)
	}
	got := base.Merge(override)
	if got.Dropout == nil || got.DropoutRate() != 0 {
		t.Fatalf("dropout = %v, want explicit 0", got.Dropout)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("zero dropout rejected: %v", err)
	}

	// 覆寫後修改來源不影響結果
	src := Float(0.1)
	got = base.Merge(TrainParams{Dropout: src})
	*src = 0.9
	if got.DropoutRate() != 0.1 {
		t.Errorf("merged dropout aliases the override: %v", got.DropoutRate())
	}
}

type countingStore struct {
	*store.Store
	finds int32
}

func (c *countingStore) FindModel(ctx context.Context, name, version string) (*common.ModelArtifact, error) {
	atomic.AddInt32(&c.finds, 1)
	time.Sleep(20 * time.Millisecond)
	return c.Store.FindModel(ctx, name, version)
}

func TestRegistryLoadsOnceAndClears(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: openStore(t)}

	m, _, err := Train(ctx, testProfile(KindClassification), makeCorpus(50), TrainParams{Epochs: 1}, TrainOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(ctx, st, "v1", true); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Get(ctx, KindClassification); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&st.finds); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
	if v := reg.Loaded()[string(KindClassification)]; v != "v1" {
		t.Errorf("loaded version %q", v)
	}

	if _, err := m.Save(ctx, st, "v2", true); err != nil {
		t.Fatal(err)
	}
	got, _ := reg.Get(ctx, KindClassification)
	if got.Version != "v1" {
		t.Errorf("registry should keep v1 until cleared, got %s", got.Version)
	}

	reg.Clear(KindClassification)
	got, err = reg.Get(ctx, KindClassification)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != "v2" {
		t.Errorf("after clear got %s, want v2", got.Version)
	}
}

func TestRegistryDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: openStore(t)}
	reg := NewRegistry(st)

	if _, err := reg.Get(ctx, KindGeneration); !common.IsModelNotFound(err) {
		t.Fatalf("expected ModelNotFoundError, got %v", err)
	}
	reg.Get(ctx, KindGeneration)
	if n := atomic.LoadInt32(&st.finds); n != 2 {
		t.Errorf("failed loads should retry, store queried %d times", n)
	}
}

type gatedStore struct {
	*store.Store
	finds   int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) FindModel(ctx context.Context, name, version string) (*common.ModelArtifact, error) {
	atomic.AddInt32(&g.finds, 1)
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.Store.FindModel(ctx, name, version)
}

func TestRegistrySharedLoadSurvivesCallerCancel(t *testing.T) {
	ctx := context.Background()
	st := &gatedStore{Store: openStore(t), started: make(chan struct{}), release: make(chan struct{})}

	m, _, err := Train(ctx, testProfile(KindClassification), makeCorpus(50), TrainParams{Epochs: 1}, TrainOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(ctx, st.Store, "v1", true); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st)
	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.Get(first, KindClassification)
		firstErr <- err
	}()

	<-st.started
	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	secondErr := make(chan error, 1)
	go func() {
		got, err := reg.Get(ctx, KindClassification)
		if err == nil && got.Version != "v1" {
			err = fmt.Errorf("loaded version %s", got.Version)
		}
		secondErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(st.release)

	if err := <-secondErr; err != nil {
		t.Fatalf("waiting caller failed after the first caller cancelled: %v", err)
	}
	if n := atomic.LoadInt32(&st.finds); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}
