package rules_test

import (
	"context"
	"errors"
	"testing"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/rules"
	"dedupe/internal/testsupport"
)

func newStore(t *testing.T) *rules.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return rules.New(testsupport.MustOpen(t, cfg))
}

func mustCreate(t *testing.T, store *rules.Store, rule rules.Rule) *rules.Rule {
	t.Helper()
	created, err := store.Create(context.Background(), rule)
	if err != nil {
		t.Fatalf("Create(%s): %v", rule.Name, err)
	}
	return created
}

func TestCreateNormalizesAndRoundTripsConfig(t *testing.T) {
	store := newStore(t)
	repo := int64(3)
	created := mustCreate(t, store, rules.Rule{
		RepositoryID: &repo,
		Name:         "  Short titles  ",
		Method:       "Fuzzy_Title",
		Threshold:    0.9,
		Config:       rules.Config{MinLength: 5, Algorithm: "Jaro_Winkler"},
		Enabled:      true,
		Blocking:     true,
		Priority:     150,
	})
	if created.ID == 0 || created.Name != "Short titles" || created.Method != detection.MethodFuzzyTitle {
		t.Fatalf("unexpected rule %+v", created)
	}
	if created.Config.MinLength != 5 || created.Config.Algorithm != "jaro-winkler" {
		t.Fatalf("config not stored: %+v", created.Config)
	}
	if !created.Enabled || !created.Blocking || created.Priority != 150 || *created.RepositoryID != 3 {
		t.Fatalf("flags not stored: %+v", created)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("created_at should be set")
	}
}

func TestCreateValidation(t *testing.T) {
	store := newStore(t)
	zero := int64(0)
	cases := map[string]rules.Rule{
		"name":       {Method: detection.MethodComposite, Threshold: 0.8},
		"method":     {Name: "x", Method: "date-creator", Threshold: 0.8},
		"threshold":  {Name: "x", Method: detection.MethodComposite, Threshold: 1.2},
		"repository": {Name: "x", Method: detection.MethodComposite, Threshold: 0.8, RepositoryID: &zero},
		"min_length": {Name: "x", Method: detection.MethodFuzzyTitle, Threshold: 0.8, Config: rules.Config{MinLength: -1}},
		"algorithm":  {Name: "x", Method: detection.MethodFuzzyTitle, Threshold: 0.8, Config: rules.Config{Algorithm: "soundex"}},
	}
	for name, rule := range cases {
		if _, err := store.Create(context.Background(), rule); !errors.Is(err, dedupeerr.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestActiveFiltersByRepositoryAndOrdersByPriority(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	repo3, repo4 := int64(3), int64(4)
	low := mustCreate(t, store, rules.Rule{Name: "global low", Method: detection.MethodComposite, Threshold: 0.8, Enabled: true, Priority: 10})
	high := mustCreate(t, store, rules.Rule{Name: "repo 3", RepositoryID: &repo3, Method: detection.MethodExactIdentifier, Threshold: 1, Enabled: true, Priority: 200})
	mustCreate(t, store, rules.Rule{Name: "repo 4", RepositoryID: &repo4, Method: detection.MethodFuzzyTitle, Threshold: 0.9, Enabled: true, Priority: 300})
	mustCreate(t, store, rules.Rule{Name: "disabled", Method: detection.MethodFuzzyTitle, Threshold: 0.9, Priority: 500})

	active, err := store.Active(ctx, &repo3)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 2 || active[0].ID != high.ID || active[1].ID != low.ID {
		t.Fatalf("unexpected active rules %+v", active)
	}
	global, err := store.Active(ctx, nil)
	if err != nil {
		t.Fatalf("Active(nil): %v", err)
	}
	if len(global) != 1 || global[0].ID != low.ID {
		t.Fatalf("records without a repository should only see global rules, got %+v", global)
	}
	enabled, err := store.Enabled(ctx)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if len(enabled) != 3 || enabled[0].Name != "repo 4" {
		t.Fatalf("unexpected enabled rules %+v", enabled)
	}
	all, _ := store.List(ctx)
	if len(all) != 4 || all[0].Name != "disabled" {
		t.Fatalf("List should include disabled rules in priority order, got %+v", all)
	}

	if !high.AppliesTo(&repo3) || high.AppliesTo(&repo4) || high.AppliesTo(nil) || !low.AppliesTo(nil) {
		t.Fatal("AppliesTo disagrees with repository scoping")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rule := mustCreate(t, store, rules.Rule{Name: "titles", Method: detection.MethodFuzzyTitle, Threshold: 0.8, Enabled: true, Priority: 100})

	rule.Enabled = false
	rule.Threshold = 0.95
	rule.Config = rules.Config{}
	updated, err := store.Update(ctx, *rule)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Enabled || updated.Threshold != 0.95 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if _, err := store.Update(ctx, rules.Rule{ID: 999, Name: "x", Method: detection.MethodComposite}); !errors.Is(err, dedupeerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); !errors.Is(err, dedupeerr.ErrNotFound) {
		t.Fatalf("deleted rule should be gone, got %v", err)
	}
	if err := store.Delete(ctx, rule.ID); !errors.Is(err, dedupeerr.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}
