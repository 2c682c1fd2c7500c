package recipe

import (
	"context"
	"path/filepath"
	"testing"

	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"
)

func openStore(t *testing.T, recipes []common.Recipe) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recipes) > 0 {
		if _, err := st.ImportRecipes(context.Background(), recipes, true); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func profileCorpus() []common.Recipe {
	return []common.Recipe{
		{ID: 1, Name: "Pesto Pasta", CuisineType: "Italian", RecipeType: "savory", IsHealthy: true, Ingredients: []string{"pasta", "basil", "pine nuts"}},
		{ID: 2, Name: "Tiramisu", CuisineType: "Italian", RecipeType: "sweet", Ingredients: []string{"mascarpone", "coffee"}},
		{ID: 3, Name: "Risotto", CuisineType: "Italian", RecipeType: "savory", Ingredients: []string{"rice", "parmesan"}},
		{ID: 4, Name: "Pho", CuisineType: "Asian", RecipeType: "savory", IsHealthy: true, Ingredients: []string{"beef", "noodles"}},
		{ID: 5, Name: "Salad", CuisineType: "French", RecipeType: "savory", IsHealthy: true, Ingredients: []string{"lettuce", "walnuts"}},
	}
}

func TestSyncUser(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, nil)
	svc := NewProfileService(st)

	if _, err := svc.SyncUser(ctx, SyncUserRequest{}); !common.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	created, err := svc.SyncUser(ctx, SyncUserRequest{
		UserID: 9,
		Email:  "a@example.com",
		Profile: ProfileInput{
			DietaryPreference: "vegan",
			Allergies:         []byte(`"[\"nuts\"]"`),
		},
	})
	if err != nil || !created {
		t.Fatalf("first sync: created=%v err=%v", created, err)
	}

	created, err = svc.SyncUser(ctx, SyncUserRequest{UserID: 9, Profile: ProfileInput{Allergies: []byte(`["milk"]`)}})
	if err != nil || created {
		t.Fatalf("second sync: created=%v err=%v", created, err)
	}

	p, _ := st.FindUserProfile(ctx, 9)
	if p.Email != "a@example.com" || len(p.Allergies) != 1 || p.Allergies[0] != "milk" {
		t.Errorf("profile = %+v", p)
	}
}

func TestPredictProfile(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, profileCorpus())
	svc := NewProfileService(st)

	for _, id := range []int64{1, 3, 4, 99} {
		id := id
		if _, err := svc.RecordInteraction(ctx, InteractionRequest{UserID: 5, RecipeTemplateID: &id, InteractionType: "view"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.PredictProfile(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	prefs := got.PredictedPreferences
	if len(prefs.PreferredCuisines) != 2 || prefs.PreferredCuisines[0] != "Italian" {
		t.Errorf("cuisines = %v", prefs.PreferredCuisines)
	}
	if len(prefs.PreferredTypes) != 1 || prefs.PreferredTypes[0] != "savory" {
		t.Errorf("types = %v", prefs.PreferredTypes)
	}
	if len(got.RecommendedRecipes) != 2 {
		t.Fatalf("recommended = %+v", got.RecommendedRecipes)
	}
	for _, r := range got.RecommendedRecipes {
		if r.CuisineType != "Italian" || r.RecipeType != "savory" {
			t.Errorf("unexpected recommendation %+v", r)
		}
	}
}

func TestPredictProfileWithoutHistory(t *testing.T) {
	svc := NewProfileService(openStore(t, profileCorpus()))
	got, err := svc.PredictProfile(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.RecommendedRecipes) != 0 || len(got.PredictedPreferences.PreferredCuisines) != 0 {
		t.Errorf("expected empty prediction, got %+v", got)
	}
}

func TestSuggestRecipes(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, profileCorpus())
	svc := NewProfileService(st)

	got, err := svc.SuggestRecipes(ctx, 1)
	if err != nil || got != nil {
		t.Fatalf("missing profile should return nil, got %v %v", got, err)
	}

	if _, err := svc.SyncUser(ctx, SyncUserRequest{
		UserID:  1,
		Profile: ProfileInput{DietaryPreference: "vegetarian", Allergies: []byte(`["nuts"]`)},
	}); err != nil {
		t.Fatal(err)
	}

	got, err = svc.SuggestRecipes(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Pesto 與 Salad 含堅果，Pho 含牛肉
	if len(got) != 2 {
		t.Fatalf("suggestions = %+v", got)
	}
	if got[0].Name != "Risotto" || got[0].Score != 5 {
		t.Errorf("first suggestion = %+v", got[0])
	}
	if got[1].Name != "Tiramisu" || got[1].Score != 0 {
		t.Errorf("second suggestion = %+v", got[1])
	}
	if got[0].MatchReason != "Matches your vegetarian preference" {
		t.Errorf("reason = %q", got[0].MatchReason)
	}
}

func TestSuggestRecipesScoring(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, profileCorpus())
	svc := NewProfileService(st)
	svc.SyncUser(ctx, SyncUserRequest{UserID: 2, Profile: ProfileInput{DietaryPreference: "healthy"}})

	got, err := svc.SuggestRecipes(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("want top 3, got %d", len(got))
	}
	for _, s := range got {
		if s.Score != 15 {
			t.Errorf("%s scored %d, want 15", s.Name, s.Score)
		}
	}
}

func TestRecordInteractionValidation(t *testing.T) {
	svc := NewProfileService(openStore(t, nil))
	if _, err := svc.RecordInteraction(context.Background(), InteractionRequest{UserID: 1}); !common.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
