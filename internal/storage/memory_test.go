package storage

import (
	"context"
	"testing"

	"ringside/internal/model"
)

func testEpisode(id, runID string, instance model.InstanceID) model.EpisodeRecord {
	return model.EpisodeRecord{
		ID:           id,
		RunID:        runID,
		Instance:     instance,
		StartedAtUTC: "2026-08-30T12:00:00Z",
		Frames:       3600,
		Stalls:       1,
		Terminated:   true,
		Stats: model.EpisodeStats{
			DamageDealt:    120,
			DamageReceived: 80,
			StocksTaken:    2,
			StocksLost:     1,
			Frames:         3600,
			Episodes:       1,
		},
	}
}

func testRun(id string) model.RunRecord {
	return model.RunRecord{
		ID:           id,
		StartedAtUTC: "2026-08-30T12:00:00Z",
		Instances:    4,
		TickBudgetMS: 16.667,
		Seed:         42,
		Ticks:        3600,
		Overruns:     2,
	}
}

func TestMemoryStoreEpisodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	want := testEpisode("ep-1", "run-a", 1)
	if err := store.SaveEpisode(ctx, want); err != nil {
		t.Fatalf("save episode: %v", err)
	}

	got, ok, err := store.GetEpisode(ctx, "ep-1")
	if err != nil || !ok {
		t.Fatalf("get episode: ok=%v err=%v", ok, err)
	}
	if got.SchemaVersion != CurrentSchemaVersion || got.CodecVersion != CurrentCodecVersion {
		t.Fatalf("saved episode not version-stamped: %+v", got.VersionedRecord)
	}
	if got.RunID != "run-a" || got.Stats.StocksTaken != 2 {
		t.Fatalf("round trip mangled record: %+v", got)
	}

	if _, ok, err := store.GetEpisode(ctx, "absent"); err != nil || ok {
		t.Fatalf("absent episode: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreListEpisodesFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, ep := range []model.EpisodeRecord{
		testEpisode("ep-3", "run-a", 3),
		testEpisode("ep-1", "run-a", 1),
		testEpisode("ep-x", "run-b", 1),
		testEpisode("ep-2", "run-a", 2),
	} {
		if err := store.SaveEpisode(ctx, ep); err != nil {
			t.Fatalf("save %s: %v", ep.ID, err)
		}
	}

	got, err := store.ListEpisodes(ctx, "run-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d episodes, want 3", len(got))
	}
	for i, want := range []model.InstanceID{1, 2, 3} {
		if got[i].Instance != want {
			t.Fatalf("episode %d has instance %d, want %d", i, got[i].Instance, want)
		}
	}
}

func TestMemoryStoreRunRoundTripAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	runs := []model.RunRecord{
		{ID: "run-1", StartedAtUTC: "2026-08-30T10:00:00Z", Instances: 4, Ticks: 100},
		{ID: "run-2", StartedAtUTC: "2026-08-30T11:00:00Z", Instances: 2, Ticks: 50},
		{ID: "run-3", StartedAtUTC: "2026-08-30T12:00:00Z", Instances: 8, Ticks: 10},
	}
	for _, run := range runs {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	got, ok, err := store.GetRun(ctx, "run-2")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if got.Instances != 2 {
		t.Fatalf("run round trip mangled record: %+v", got)
	}

	listed, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "run-3" || listed[1].ID != "run-2" {
		t.Fatalf("list runs returned %+v, want newest two", listed)
	}
}
