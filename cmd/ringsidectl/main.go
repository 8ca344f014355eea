package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"ringside/internal/storage"
	rsapi "ringside/pkg/ringside"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "eval":
		return runEval(ctx, args[1:])
	case "episodes":
		return runEpisodes(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "transforms":
		return runTransforms(ctx, args[1:])
	case "init-policy":
		return runInitPolicy(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func newClient(storeKind, dbPath, segmentDir string) (*rsapi.Client, error) {
	client, err := rsapi.New(rsapi.Options{
		StoreKind:  storeKind,
		DBPath:     dbPath,
		SegmentDir: segmentDir,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional eval config file (yaml/toml/json)")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	instances := fs.Int("instances", 0, "emulator instance count")
	maxFrames := fs.Uint64("max-frames", 0, "frames per episode (0 unbounded)")
	seed := fs.Int64("seed", 0, "rng seed (0 derives from clock)")
	modelPath := fs.String("model", "", "serialized policy dump path")
	replace := fs.String("replace-policy", "", "crashed slot policy: respawn|remove")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ringside.db", "sqlite database path")
	segmentDir := fs.String("segment-dir", "", "frame buffer segment directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := loadEvalRequest(*configPath)
	if err != nil {
		return err
	}
	if *runID != "" {
		req.RunID = *runID
	}
	if *instances > 0 {
		req.Instances = *instances
	}
	if *maxFrames > 0 {
		req.MaxFrames = *maxFrames
	}
	if *seed != 0 {
		req.Seed = *seed
	}
	if *modelPath != "" {
		req.ModelPath = *modelPath
	}
	if *replace != "" {
		req.ReplacePolicy = *replace
	}

	client, err := newClient(*storeKind, *dbPath, *segmentDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Init(ctx); err != nil {
		return err
	}

	summary, err := client.Eval(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run=%s ticks=%d overruns=%d episodes=%d\n",
		summary.RunID, summary.Ticks, summary.Overruns, len(summary.Episodes))
	for _, ep := range summary.Episodes {
		status := "completed"
		if ep.TerminateErr != "" {
			status = ep.TerminateErr
		}
		fmt.Printf("  instance=%d frames=%d stalls=%d dealt=%.1f received=%.1f stocks=%d/%d %s\n",
			ep.Instance, ep.Frames, ep.Stalls,
			ep.Stats.DamageDealt, ep.Stats.DamageReceived,
			ep.Stats.StocksTaken, ep.Stats.StocksLost, status)
	}
	return nil
}

func runEpisodes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("episodes", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	asJSON := fs.Bool("json", false, "emit JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ringside.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("episodes requires -run-id")
	}

	client, err := newClient(*storeKind, *dbPath, "")
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Init(ctx); err != nil {
		return err
	}

	episodes, err := client.ListEpisodes(ctx, *runID)
	if err != nil {
		return err
	}
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(episodes)
	}
	for _, ep := range episodes {
		fmt.Printf("instance=%d frames=%d stalls=%d dealt=%.1f received=%.1f terminated=%v\n",
			ep.Instance, ep.Frames, ep.Stalls,
			ep.Stats.DamageDealt, ep.Stats.DamageReceived, ep.Terminated)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "maximum runs to list")
	asJSON := fs.Bool("json", false, "emit JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ringside.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *dbPath, "")
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Init(ctx); err != nil {
		return err
	}

	runs, err := client.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(runs)
	}
	for _, r := range runs {
		fmt.Printf("run=%s started=%s instances=%d ticks=%d overruns=%d\n",
			r.ID, r.StartedAtUTC, r.Instances, r.Ticks, r.Overruns)
	}
	return nil
}

func runTransforms(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("transforms", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient("memory", "", "")
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	pre, post := client.Transforms()
	fmt.Printf("preprocess: %s\n", strings.Join(pre, ", "))
	fmt.Printf("postprocess: %s\n", strings.Join(post, ", "))
	return nil
}

func runInitPolicy(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init-policy", flag.ContinueOnError)
	out := fs.String("out", "policy.json", "output dump path")
	preprocess := fs.String("preprocess", "", "preprocess transform name")
	postprocess := fs.String("postprocess", "", "postprocess transform name")
	layout := fs.String("layout", "16,8", "hidden layer sizes, comma separated")
	seed := fs.Int64("seed", 1, "rng seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	layers, err := parseLayout(*layout)
	if err != nil {
		return err
	}

	client, err := newClient("memory", "", "")
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.InitPolicy(*out, *preprocess, *postprocess, layers, *seed); err != nil {
		return err
	}
	fmt.Printf("wrote policy dump to %s\n", *out)
	return nil
}

func parseLayout(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	layers := make([]int, 0, len(parts))
	for _, part := range parts {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid layout %q", s)
		}
		layers = append(layers, n)
	}
	return layers, nil
}

func usageError(msg string) error {
	return errors.New(msg + `

usage:
  ringsidectl eval [-config path] [-run-id id] [-instances n] [-max-frames n] [-seed n] [-model path] [-replace-policy respawn|remove] [-store memory|sqlite] [-db-path path] [-segment-dir dir]
  ringsidectl episodes -run-id id [-json] [-store memory|sqlite] [-db-path path]
  ringsidectl runs [-limit n] [-json] [-store memory|sqlite] [-db-path path]
  ringsidectl transforms
  ringsidectl init-policy [-out path] [-preprocess name] [-postprocess name] [-layout 16,8] [-seed n]`)
}
