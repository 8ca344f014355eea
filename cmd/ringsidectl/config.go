package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	rsapi "ringside/pkg/ringside"
)

// loadEvalRequest builds an EvalRequest from an optional config file plus
// RINGSIDE_* environment overrides. An empty path falls back to a
// ringside.{yaml,toml,json} in the working directory if one exists.
func loadEvalRequest(path string) (rsapi.EvalRequest, error) {
	v := viper.New()
	v.SetEnvPrefix("ringside")
	v.AutomaticEnv()

	v.SetDefault("instances", 4)
	v.SetDefault("tick_budget_ms", 17)
	v.SetDefault("inference_budget_ms", 0)
	v.SetDefault("action_timeout_ms", 16)
	v.SetDefault("retry_limit", 3)
	v.SetDefault("stall_limit", 60)
	v.SetDefault("max_frames", 3600)
	v.SetDefault("max_batch", 0)
	v.SetDefault("seed", 0)
	v.SetDefault("replace_policy", "remove")
	v.SetDefault("max_respawns", 0)
	v.SetDefault("preprocess", "")
	v.SetDefault("postprocess", "")
	v.SetDefault("model_path", "")
	v.SetDefault("frame_interval_ms", 0)
	v.SetDefault("emulator_cmd", []string{})

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return rsapi.EvalRequest{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ringside")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return rsapi.EvalRequest{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	req := rsapi.EvalRequest{
		RunID:           v.GetString("run_id"),
		Instances:       v.GetInt("instances"),
		TickBudget:      time.Duration(v.GetInt("tick_budget_ms")) * time.Millisecond,
		InferenceBudget: time.Duration(v.GetInt("inference_budget_ms")) * time.Millisecond,
		ActionTimeout:   time.Duration(v.GetInt("action_timeout_ms")) * time.Millisecond,
		RetryLimit:      v.GetInt("retry_limit"),
		StallLimit:      v.GetInt("stall_limit"),
		MaxFrames:       uint64(v.GetInt64("max_frames")),
		MaxBatch:        v.GetInt("max_batch"),
		Seed:            v.GetInt64("seed"),
		ReplacePolicy:   v.GetString("replace_policy"),
		MaxRespawns:     v.GetInt("max_respawns"),
		ModelPath:       v.GetString("model_path"),
		Preprocess:      v.GetString("preprocess"),
		Postprocess:     v.GetString("postprocess"),
		EmulatorCmd:     v.GetStringSlice("emulator_cmd"),
		FrameInterval:   time.Duration(v.GetInt("frame_interval_ms")) * time.Millisecond,
	}

	switch req.ReplacePolicy {
	case "", "respawn", "remove":
	default:
		return rsapi.EvalRequest{}, fmt.Errorf("invalid replace_policy %q", req.ReplacePolicy)
	}
	return req, nil
}
