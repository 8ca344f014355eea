// Package platform supervises the per-instance driver goroutines: spawn,
// watch for abnormal exit, and either respawn a replacement episode or
// retire the slot, per policy.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ringside/internal/model"
)

// ReplacePolicy decides what happens to an instance slot whose episode
// ended with an error.
type ReplacePolicy string

const (
	// ReplaceRespawn starts a fresh episode in the failed slot after a
	// backoff, up to MaxRespawns times.
	ReplaceRespawn ReplacePolicy = "respawn"

	// ReplaceRemove retires the slot; the run continues with fewer
	// instances.
	ReplaceRemove ReplacePolicy = "remove"
)

type Policy struct {
	Replace        ReplacePolicy
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// MaxRespawns caps replacement episodes per slot; zero means no cap.
	MaxRespawns int
}

func defaultPolicy() Policy {
	return Policy{
		Replace:        ReplaceRemove,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func normalizePolicy(p Policy) Policy {
	def := defaultPolicy()
	switch p.Replace {
	case ReplaceRespawn, ReplaceRemove:
	default:
		p.Replace = def.Replace
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}

// Hooks run on the supervisor's slot goroutine and must not block.
type Hooks struct {
	OnRespawn func(id model.InstanceID, err error, respawns int)
	OnRetire  func(id model.InstanceID, err error, respawns int)
}

// SlotStatus is the reportable state of one instance slot.
type SlotStatus struct {
	ID       model.InstanceID `json:"id"`
	Respawns int              `json:"respawns"`
	Retired  bool             `json:"retired"`
	LastErr  string           `json:"last_error,omitempty"`
}

// Supervisor owns one slot per instance id. Each spawn invokes the slot's
// episode function, which is expected to build a fresh segment, console,
// and driver per invocation so a respawned episode never inherits a
// terminated channel.
type Supervisor struct {
	policy Policy
	hooks  Hooks

	mu      sync.Mutex
	slots   map[model.InstanceID]*slot
	retired map[model.InstanceID]SlotStatus
}

// EpisodeFunc runs one full episode for a slot and returns its
// termination cause; nil means the episode completed normally.
type EpisodeFunc func(ctx context.Context) error

type slot struct {
	cancel   context.CancelFunc
	done     chan struct{}
	run      EpisodeFunc
	respawns int
	lastErr  error
}

func NewSupervisor(policy Policy, hooks Hooks) *Supervisor {
	return &Supervisor{
		policy:  normalizePolicy(policy),
		hooks:   hooks,
		slots:   make(map[model.InstanceID]*slot),
		retired: make(map[model.InstanceID]SlotStatus),
	}
}

// Spawn starts a slot for the given instance id.
func (s *Supervisor) Spawn(id model.InstanceID, run EpisodeFunc) error {
	if run == nil {
		return errors.New("episode runner is required")
	}
	s.mu.Lock()
	if _, exists := s.slots[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("slot %d already running", id)
	}
	delete(s.retired, id)
	ctx, cancel := context.WithCancel(context.Background())
	sl := &slot{
		cancel: cancel,
		done:   make(chan struct{}),
		run:    run,
	}
	s.slots[id] = sl
	s.mu.Unlock()

	go s.runSlot(ctx, id, sl)
	return nil
}

func (s *Supervisor) runSlot(ctx context.Context, id model.InstanceID, sl *slot) {
	defer func() {
		s.mu.Lock()
		if current, ok := s.slots[id]; ok && current == sl {
			s.retired[id] = SlotStatus{
				ID:       id,
				Respawns: sl.respawns,
				Retired:  true,
				LastErr:  errString(sl.lastErr),
			}
			delete(s.slots, id)
		}
		s.mu.Unlock()
		close(sl.done)
	}()

	backoff := s.policy.InitialBackoff

	for {
		err := sl.run(ctx)
		if ctx.Err() != nil {
			return
		}
		// Normal episode completion never respawns, regardless of
		// policy; replacement exists to cover crashes.
		if err == nil {
			return
		}

		s.mu.Lock()
		sl.lastErr = err
		respawns := sl.respawns
		s.mu.Unlock()

		capped := s.policy.MaxRespawns > 0 && respawns >= s.policy.MaxRespawns
		if s.policy.Replace != ReplaceRespawn || capped {
			if s.hooks.OnRetire != nil {
				s.hooks.OnRetire(id, err, respawns)
			}
			return
		}

		respawns++
		s.mu.Lock()
		sl.respawns = respawns
		s.mu.Unlock()
		if s.hooks.OnRespawn != nil {
			s.hooks.OnRespawn(id, err, respawns)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

// Busy reports whether any slot is still running or pending respawn. The
// dispatch loop uses this to keep ticking across the respawn window.
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) > 0
}

// Stop cancels one slot and waits for it to drain.
func (s *Supervisor) Stop(id model.InstanceID) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	sl.cancel()
	<-sl.done
}

// StopAll cancels every slot and waits for all of them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for _, sl := range slots {
		sl.cancel()
	}
	for _, sl := range slots {
		<-sl.done
	}
}

// Wait blocks until every slot has drained without cancelling anything.
func (s *Supervisor) Wait() {
	for {
		s.mu.Lock()
		var sl *slot
		for _, candidate := range s.slots {
			sl = candidate
			break
		}
		s.mu.Unlock()
		if sl == nil {
			return
		}
		<-sl.done
	}
}

// Slots reports every slot the supervisor has seen, running or retired,
// ordered by instance id.
func (s *Supervisor) Slots() []SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlotStatus, 0, len(s.slots)+len(s.retired))
	for id, sl := range s.slots {
		out = append(out, SlotStatus{
			ID:       id,
			Respawns: sl.respawns,
			LastErr:  errString(sl.lastErr),
		})
	}
	for id, st := range s.retired {
		if _, active := s.slots[id]; active {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
