package storage

import (
	"context"

	"ringside/internal/model"
)

// Store persists evaluation outcomes: one record per instance episode and
// one summary per run.
type Store interface {
	Init(ctx context.Context) error
	SaveEpisode(ctx context.Context, episode model.EpisodeRecord) error
	GetEpisode(ctx context.Context, id string) (model.EpisodeRecord, bool, error)
	ListEpisodes(ctx context.Context, runID string) ([]model.EpisodeRecord, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
}
