package storage

import (
	"context"
	"sort"
	"sync"

	"ringside/internal/model"
)

type MemoryStore struct {
	mu       sync.RWMutex
	episodes map[string]model.EpisodeRecord
	runs     map[string]model.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.episodes = make(map[string]model.EpisodeRecord)
	s.runs = make(map[string]model.RunRecord)
	return nil
}

func (s *MemoryStore) SaveEpisode(_ context.Context, episode model.EpisodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp(&episode.VersionedRecord)
	s.episodes[episode.ID] = episode
	return nil
}

func (s *MemoryStore) GetEpisode(_ context.Context, id string) (model.EpisodeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	episode, ok := s.episodes[id]
	return episode, ok, nil
}

func (s *MemoryStore) ListEpisodes(_ context.Context, runID string) ([]model.EpisodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EpisodeRecord, 0, len(s.episodes))
	for _, episode := range s.episodes {
		if episode.RunID == runID {
			out = append(out, episode)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp(&run.VersionedRecord)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtUTC > out[j].StartedAtUTC })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
