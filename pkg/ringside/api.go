// Package ringside is the embedding API for closed-loop policy
// evaluation: spawn emulator instances, drive them against a trained
// network in lockstep, and persist the per-episode outcomes.
package ringside

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ringside/internal/emulator"
	"ringside/internal/framebuf"
	"ringside/internal/harness"
	"ringside/internal/model"
	"ringside/internal/platform"
	"ringside/internal/policy"
	"ringside/internal/stats"
	"ringside/internal/storage"
	"ringside/internal/transform"
)

const defaultDBPath = "ringside.db"

type Options struct {
	StoreKind  string
	DBPath     string
	SegmentDir string
}

type Client struct {
	store      storage.Store
	segmentDir string
}

// EvalRequest configures one evaluation run.
type EvalRequest struct {
	RunID     string
	Instances int

	// TickBudget is the wall-clock target per batching cycle;
	// InferenceBudget is the slice reserved for the forward pass.
	TickBudget      time.Duration
	InferenceBudget time.Duration

	// Per-driver lifecycle thresholds.
	ActionTimeout time.Duration
	RetryLimit    int
	StallLimit    int
	MaxFrames     uint64

	MaxBatch int
	Seed     int64

	// ReplacePolicy is "respawn" or "remove"; MaxRespawns caps
	// replacement episodes per slot under respawn.
	ReplacePolicy string
	MaxRespawns   int

	// ModelPath loads a serialized network dump; empty bootstraps a
	// seeded network sized to the transforms.
	ModelPath   string
	Preprocess  string
	Postprocess string

	// Console overrides the emulator backend. EmulatorCmd launches an
	// external emulator process per instance instead. With neither set,
	// the built-in skirmish simulator runs; FrameInterval throttles it
	// to a fixed rate, zero runs it free.
	Console       ConsoleFactory
	EmulatorCmd   []string
	FrameInterval time.Duration
}

// ConsoleFactory builds the emulator backend for one instance slot. It is
// invoked once per episode, including respawns.
type ConsoleFactory func(id model.InstanceID, seed int64) (emulator.Console, error)

type EvalSummary struct {
	RunID    string
	Ticks    uint64
	Overruns uint64
	Stats    model.EpisodeStats
	Episodes []model.EpisodeRecord
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	segmentDir := opts.SegmentDir
	if segmentDir == "" {
		segmentDir = framebuf.DefaultDir()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, segmentDir: segmentDir}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func normalizeEvalRequest(req EvalRequest) EvalRequest {
	if req.RunID == "" {
		req.RunID = fmt.Sprintf("run-%s", time.Now().UTC().Format("20060102-150405"))
	}
	if req.Instances <= 0 {
		req.Instances = 1
	}
	if req.MaxBatch <= 0 {
		req.MaxBatch = req.Instances
	}
	if req.Seed == 0 {
		req.Seed = time.Now().UnixNano()
	}
	if req.Preprocess == "" {
		req.Preprocess = transform.FoxPreprocessName
	}
	if req.Postprocess == "" {
		req.Postprocess = transform.FoxPostprocessName
	}
	if req.ReplacePolicy == "" {
		req.ReplacePolicy = string(platform.ReplaceRemove)
	}
	return req
}

// Eval runs one full evaluation: spawn instances, tick the dispatch loop
// until every episode ends, persist and return the outcomes.
func (c *Client) Eval(ctx context.Context, req EvalRequest) (EvalSummary, error) {
	req = normalizeEvalRequest(req)

	pre, err := transform.GetPreprocess(req.Preprocess)
	if err != nil {
		return EvalSummary{}, err
	}
	post, err := transform.GetPostprocess(req.Postprocess)
	if err != nil {
		return EvalSummary{}, err
	}

	var m policy.Model
	if req.ModelPath != "" {
		m, err = policy.LoadDeepModel(req.ModelPath)
		if err != nil {
			return EvalSummary{}, err
		}
	} else {
		m = policy.NewDeepModel(pre.FeatureSize, []int{16, 8, post.OutputSize}, req.Seed)
	}

	batcher, err := harness.NewBatcher(m, pre, post, req.MaxBatch)
	if err != nil {
		return EvalSummary{}, err
	}

	metrics := harness.NewMetrics()
	reg := harness.NewRegistry(metrics)
	tracker := stats.NewTracker()

	obsCap := obsPayloadCap(pre)
	consoleFor := req.Console
	switch {
	case consoleFor != nil:
	case len(req.EmulatorCmd) > 0:
		name, cmdArgs := req.EmulatorCmd[0], req.EmulatorCmd[1:]
		consoleFor = func(_ model.InstanceID, _ int64) (emulator.Console, error) {
			return emulator.NewProcessConsole(ctx, obsCap, name, cmdArgs...)
		}
	default:
		interval := req.FrameInterval
		consoleFor = func(_ model.InstanceID, seed int64) (emulator.Console, error) {
			return emulator.NewMockConsole(seed, interval), nil
		}
	}

	sup := platform.NewSupervisor(platform.Policy{
		Replace:     platform.ReplacePolicy(req.ReplacePolicy),
		MaxRespawns: req.MaxRespawns,
	}, platform.Hooks{
		OnRespawn: func(id model.InstanceID, err error, n int) {
			log.Printf("instance %d respawning (attempt %d): %v", id, n, err)
		},
		OnRetire: func(id model.InstanceID, err error, n int) {
			log.Printf("instance %d retired after %d respawns: %v", id, n, err)
		},
	})

	startedAt := time.Now().UTC().Format(time.RFC3339)
	for i := 1; i <= req.Instances; i++ {
		id := model.InstanceID(i)
		if err := sup.Spawn(id, c.episodeFunc(req, reg, id, obsCap, consoleFor)); err != nil {
			sup.StopAll()
			return EvalSummary{}, fmt.Errorf("spawn instance %d: %w", id, err)
		}
	}

	var observers []harness.ObservationFunc
	if pre.Name == transform.FoxPreprocessName {
		observers = append(observers, func(id model.InstanceID, frame uint64, payload []byte) {
			if err := tracker.Observe(id, frame, payload); err != nil {
				log.Printf("instance %d: %v", id, err)
			}
		})
	}

	loop := harness.NewLoop(reg, batcher, obsCap, harness.LoopConfig{
		TickBudget:      req.TickBudget,
		InferenceBudget: req.InferenceBudget,
		KeepAlive:       sup.Busy,
	}, observers...)

	runErr := loop.Run(ctx)
	sup.StopAll()

	summary, persistErr := c.persistRun(ctx, req, startedAt, reg, tracker, metrics)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, runErr
	}
	return summary, persistErr
}

// episodeFunc builds one slot's episode: fresh segment, console, and
// driver per invocation, so a respawn never inherits a closed channel.
func (c *Client) episodeFunc(req EvalRequest, reg *harness.Registry, id model.InstanceID, obsCap int, consoleFor ConsoleFactory) platform.EpisodeFunc {
	return func(ctx context.Context) error {
		path := framebuf.SegmentPath(c.segmentDir, req.RunID, int(id))
		seg, err := framebuf.CreateSegment(path, obsCap, model.ActionPayloadSize)
		if err != nil {
			return fmt.Errorf("instance %d segment: %w", id, err)
		}
		defer seg.Close()

		console, err := consoleFor(id, req.Seed+int64(id))
		if err != nil {
			return fmt.Errorf("instance %d console: %w", id, err)
		}

		ch := framebuf.NewChannel(seg)
		driver := emulator.NewDriver(id, console, ch, emulator.Config{
			ActionTimeout: req.ActionTimeout,
			RetryLimit:    req.RetryLimit,
			StallLimit:    req.StallLimit,
			MaxFrames:     req.MaxFrames,
		}, reg.DriverHooks(id))

		dctx, cancel := context.WithCancel(ctx)
		defer cancel()

		inst := &harness.Instance{ID: id, Channel: ch, Driver: driver}
		inst.SetCancel(cancel)
		if err := reg.Add(inst); err != nil {
			return err
		}
		return driver.Run(dctx)
	}
}

func (c *Client) persistRun(ctx context.Context, req EvalRequest, startedAt string, reg *harness.Registry, tracker *stats.Tracker, metrics *harness.Metrics) (EvalSummary, error) {
	episodes := make([]model.EpisodeRecord, 0, req.Instances)
	for _, id := range reg.IDs() {
		inst, ok := reg.Get(id)
		if !ok {
			continue
		}
		rec := model.EpisodeRecord{
			ID:           fmt.Sprintf("%s-ep-%d", req.RunID, id),
			RunID:        req.RunID,
			Instance:     id,
			StartedAtUTC: startedAt,
			Terminated:   inst.Status() == model.Terminated,
			Stats:        tracker.Instance(id),
		}
		if inst.Driver != nil {
			rec.Frames = inst.Driver.Frames()
			rec.Stalls = inst.Driver.Stalls()
		}
		if err := inst.TerminateErr(); err != nil {
			rec.TerminateErr = err.Error()
		}
		if err := c.store.SaveEpisode(ctx, rec); err != nil {
			return EvalSummary{}, fmt.Errorf("save episode %s: %w", rec.ID, err)
		}
		episodes = append(episodes, rec)
	}

	snap := metrics.Snapshot()
	run := model.RunRecord{
		ID:           req.RunID,
		StartedAtUTC: startedAt,
		Instances:    req.Instances,
		TickBudgetMS: float64(req.TickBudget) / float64(time.Millisecond),
		Seed:         req.Seed,
		Ticks:        snap.Ticks,
		Overruns:     snap.Overruns,
		Stats:        tracker.Total(),
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return EvalSummary{}, fmt.Errorf("save run %s: %w", run.ID, err)
	}

	return EvalSummary{
		RunID:    req.RunID,
		Ticks:    snap.Ticks,
		Overruns: snap.Overruns,
		Stats:    run.Stats,
		Episodes: episodes,
	}, nil
}

func obsPayloadCap(pre transform.PreprocessSpec) int {
	// The built-in codec fixes the observation size; custom transforms
	// get headroom for larger frames.
	if pre.Name == transform.FoxPreprocessName {
		return transform.FramePayloadSize
	}
	return 4 * transform.FramePayloadSize
}

// ListEpisodes returns the persisted episodes of one run, ordered by
// instance.
func (c *Client) ListEpisodes(ctx context.Context, runID string) ([]model.EpisodeRecord, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	return c.store.ListEpisodes(ctx, runID)
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	return c.store.ListRuns(ctx, limit)
}

// Transforms lists the registered preprocess and postprocess transform
// names.
func (c *Client) Transforms() (preprocess, postprocess []string) {
	return transform.ListPreprocess(), transform.ListPostprocess()
}

// InitPolicy writes a freshly seeded network dump sized to the named
// transforms, for runs that want a reproducible starting policy on disk.
func (c *Client) InitPolicy(path, preprocess, postprocess string, layout []int, seed int64) error {
	if preprocess == "" {
		preprocess = transform.FoxPreprocessName
	}
	if postprocess == "" {
		postprocess = transform.FoxPostprocessName
	}
	pre, err := transform.GetPreprocess(preprocess)
	if err != nil {
		return err
	}
	post, err := transform.GetPostprocess(postprocess)
	if err != nil {
		return err
	}
	if len(layout) == 0 {
		layout = []int{16, 8}
	}
	layout = append(append([]int(nil), layout...), post.OutputSize)
	return policy.NewDeepModel(pre.FeatureSize, layout, seed).Save(path)
}
