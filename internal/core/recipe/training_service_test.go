package recipe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"
)

func smallKind(minCorpus int) config.ModelKindConf {
	return config.ModelKindConf{
		TargetTotal: 200, MinPerRecipe: 5, MinCorpus: minCorpus,
		RatioMin: 0.5, RatioMax: 1, CuisineMatchProbability: 1,
		Epochs: 3, BatchSize: 16, HiddenLayers: []int{16}, LearningRate: 0.01,
	}
}

func newTrainingService(t *testing.T, st *store.Store, minCorpus int) (*TrainingService, *model.Registry) {
	t.Helper()
	cfg := &config.Config{
		Training: config.TrainingConfig{Workers: 1, QueueSize: 2, MaxDuration: time.Minute, MaxEpochs: 5, Seed: 7, AutoActivate: true, KeepInterrupted: true},
		ML:       config.MLConfig{Classification: smallKind(minCorpus), Generation: smallKind(minCorpus)},
	}
	manager := jobs.NewManager(cfg.Training, jobs.NewMemoryStore())
	t.Cleanup(func() { manager.Close() })
	registry := model.NewRegistry(st)
	return NewTrainingService(cfg, st, st, registry, manager), registry
}

func trainingCorpus(n int) []common.Recipe {
	out := make([]common.Recipe, n)
	for i := range out {
		out[i] = common.Recipe{
			ID:          int64(i + 1),
			Name:        fmt.Sprintf("Recipe %d", i+1),
			Ingredients: []string{fmt.Sprintf("ing%d", i), fmt.Sprintf("ing%d", i+1), "salt"},
			CuisineType: []string{"Italian", "Asian"}[i%2],
			RecipeType:  "savory",
			Calories:    float64(200 + 10*i),
		}
	}
	return out
}

func waitForJob(t *testing.T, svc *TrainingService, id string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Job(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status.Done() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

// runInterrupted 直接執行任務主體，在第二個 epoch 後取消 ctx
func runInterrupted(t *testing.T, svc *TrainingService, st *store.Store, version string) (*jobs.Result, error) {
	t.Helper()
	profile, err := svc.Profile(model.KindGeneration)
	if err != nil {
		t.Fatal(err)
	}
	recipes, _, err := st.Recipes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	params := profile.Defaults.Merge(model.TrainParams{Epochs: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return svc.run(ctx, profile, recipes, params, version, true, func(p jobs.Progress) {
		if p.Epoch == 2 {
			cancel()
		}
	})
}

func TestInterruptedTrainingSavesBestWeights(t *testing.T) {
	st := openStore(t, trainingCorpus(10))
	svc, _ := newTrainingService(t, st, 5)

	// 任務 ctx 已取消，保存仍須成功
	res, err := runInterrupted(t, svc, st, "partial")
	if err != nil {
		t.Fatalf("interrupted run should keep the model, got %v", err)
	}
	metrics, ok := res.Metrics.(*model.Metrics)
	if !ok || !metrics.Interrupted || metrics.BestEpoch < 1 || res.ModelID == 0 {
		t.Fatalf("result = %+v metrics = %+v", res, res.Metrics)
	}

	models, err := svc.ListModels(context.Background(), "generation")
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ModelVersion != "partial" || models[0].IsActive {
		t.Errorf("models = %+v, want one inactive partial version", models)
	}
}

func TestInterruptedTrainingDiscardedWhenDisabled(t *testing.T) {
	st := openStore(t, trainingCorpus(10))
	svc, _ := newTrainingService(t, st, 5)
	svc.keepInterrupted = false

	if _, err := runInterrupted(t, svc, st, "partial"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	models, _ := svc.ListModels(context.Background(), "generation")
	if len(models) != 0 {
		t.Errorf("models = %+v, nothing should be saved", models)
	}
}

func TestSubmitRejectsSmallCorpus(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, trainingCorpus(10))
	svc, _ := newTrainingService(t, st, 50)

	_, err := svc.Submit(ctx, model.KindClassification, TrainRequest{})
	if !common.IsDatasetTooSmall(err) {
		t.Fatalf("expected DatasetTooSmall, got %v", err)
	}

	list, _ := svc.Jobs(ctx)
	if len(list) != 0 {
		t.Errorf("no job should be created, got %d", len(list))
	}
	counts, _ := st.Counts(ctx)
	if counts["ml_models"] != 0 {
		t.Errorf("no model should be stored, got %d", counts["ml_models"])
	}
}

func TestSubmitRejectsInvalidParams(t *testing.T) {
	svc, _ := newTrainingService(t, openStore(t, trainingCorpus(10)), 5)
	_, err := svc.Submit(context.Background(), model.KindGeneration, TrainRequest{TrainParams: model.TrainParams{Dropout: model.Float(1.5)}})
	if !common.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTrainActivateAndReload(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, trainingCorpus(10))
	svc, registry := newTrainingService(t, st, 5)

	job, err := svc.Submit(ctx, model.KindGeneration, TrainRequest{Version: "gen_test"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.StatusPending {
		t.Errorf("new job status = %s", job.Status)
	}

	done := waitForJob(t, svc, job.ID)
	if done.Status != jobs.StatusSucceeded {
		t.Fatalf("job failed: %s", done.Error)
	}
	if done.ModelVersion != "gen_test" || done.ModelID == 0 {
		t.Errorf("job result = %+v", done)
	}

	models, err := svc.ListModels(ctx, "generation")
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || !models[0].IsActive || models[0].ModelName != "recipe_generation" {
		t.Fatalf("models = %+v", models)
	}

	reloaded, err := svc.Reload("recipe_generation")
	if err != nil || len(reloaded) != 1 {
		t.Fatalf("reload = %v %v", reloaded, err)
	}
	m, err := registry.Get(ctx, model.KindGeneration)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != "gen_test" {
		t.Errorf("loaded version = %s", m.Version)
	}
	if svc.LoadedModels()["generation"] != "gen_test" {
		t.Errorf("loaded = %v", svc.LoadedModels())
	}
}

func TestReloadUnknownKind(t *testing.T) {
	svc, _ := newTrainingService(t, openStore(t, nil), 5)
	if _, err := svc.Reload("sentiment"); !common.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	all, err := svc.Reload("")
	if err != nil || len(all) != len(model.Kinds) {
		t.Errorf("reload all = %v %v", all, err)
	}
}
