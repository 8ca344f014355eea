package ringside

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ringside/internal/model"
	"ringside/internal/transform"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:  "memory",
		SegmentDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("init client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestEvalRunsBoundedEpisodesAndPersists(t *testing.T) {
	if testing.Short() {
		t.Skip("full evaluation run")
	}
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	summary, err := client.Eval(ctx, EvalRequest{
		RunID:         "run-test",
		Instances:     3,
		TickBudget:    5 * time.Millisecond,
		ActionTimeout: 100 * time.Millisecond,
		MaxFrames:     30,
		Seed:          7,
	})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	if summary.RunID != "run-test" {
		t.Fatalf("summary run id = %q", summary.RunID)
	}
	if summary.Ticks == 0 {
		t.Fatal("run recorded no ticks")
	}
	if len(summary.Episodes) != 3 {
		t.Fatalf("summary holds %d episodes, want 3", len(summary.Episodes))
	}
	for _, ep := range summary.Episodes {
		if !ep.Terminated {
			t.Fatalf("episode %s not terminated", ep.ID)
		}
		if ep.TerminateErr != "" {
			t.Fatalf("episode %s ended abnormally: %s", ep.ID, ep.TerminateErr)
		}
		if ep.Frames == 0 {
			t.Fatalf("episode %s advanced no frames", ep.ID)
		}
		if ep.Stats.Frames == 0 {
			t.Fatalf("episode %s tracked no stats frames", ep.ID)
		}
	}

	// Persistence matches the returned summary.
	episodes, err := client.ListEpisodes(ctx, "run-test")
	if err != nil {
		t.Fatalf("list episodes: %v", err)
	}
	if len(episodes) != 3 {
		t.Fatalf("store holds %d episodes, want 3", len(episodes))
	}
	for i, want := range []model.InstanceID{1, 2, 3} {
		if episodes[i].Instance != want {
			t.Fatalf("episode %d instance = %d, want %d", i, episodes[i].Instance, want)
		}
	}

	runs, err := client.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-test" {
		t.Fatalf("stored runs = %+v", runs)
	}
	if runs[0].Ticks != summary.Ticks || runs[0].Seed != 7 {
		t.Fatalf("stored run diverges from summary: %+v", runs[0])
	}
}

func TestEvalWithSavedPolicyDump(t *testing.T) {
	if testing.Short() {
		t.Skip("full evaluation run")
	}
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dump := filepath.Join(t.TempDir(), "policy.json")
	if err := client.InitPolicy(dump, "", "", nil, 11); err != nil {
		t.Fatalf("init policy: %v", err)
	}

	summary, err := client.Eval(ctx, EvalRequest{
		RunID:         "run-dump",
		Instances:     1,
		TickBudget:    5 * time.Millisecond,
		ActionTimeout: 100 * time.Millisecond,
		MaxFrames:     10,
		Seed:          11,
		ModelPath:     dump,
	})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(summary.Episodes) != 1 || summary.Episodes[0].Frames == 0 {
		t.Fatalf("dump-backed run produced %+v", summary.Episodes)
	}
}

func TestEvalRejectsUnknownTransform(t *testing.T) {
	client := newTestClient(t)
	if _, err := client.Eval(context.Background(), EvalRequest{
		Preprocess: "no-such-transform",
		MaxFrames:  1,
	}); err == nil {
		t.Fatal("expected error for unknown preprocess transform")
	}
}

func TestTransformsListsBuiltIns(t *testing.T) {
	client := newTestClient(t)
	pre, post := client.Transforms()
	if len(pre) == 0 || len(post) == 0 {
		t.Fatalf("transform listing empty: %v %v", pre, post)
	}
	found := false
	for _, name := range pre {
		if name == transform.FoxPreprocessName {
			found = true
		}
	}
	if !found {
		t.Fatalf("built-in preprocess missing from %v", pre)
	}
}

func TestListEpisodesRequiresRunID(t *testing.T) {
	client := newTestClient(t)
	if _, err := client.ListEpisodes(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty run id")
	}
}
