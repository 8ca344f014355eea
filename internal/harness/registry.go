package harness

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"ringside/internal/emulator"
	"ringside/internal/framebuf"
	"ringside/internal/model"
)

// Instance is one episode handle: the channel, the driver, and the
// liveness the dispatch loop keys batching decisions on.
type Instance struct {
	ID      model.InstanceID
	Channel *framebuf.Channel
	Driver  *emulator.Driver

	status atomic.Int32
	cancel context.CancelFunc

	mu      sync.Mutex
	termErr error
}

func (i *Instance) Status() model.Liveness {
	return model.Liveness(i.status.Load())
}

func (i *Instance) TerminateErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.termErr
}

// SetCancel wires the driver's cancel func so a forced termination can
// reach the driver goroutine cooperatively.
func (i *Instance) SetCancel(cancel context.CancelFunc) {
	i.cancel = cancel
}

// Registry is the explicit instance table owned by the dispatch loop and
// passed by handle to the aggregator; there is no ambient singleton.
type Registry struct {
	mu        sync.RWMutex
	instances map[model.InstanceID]*Instance
	metrics   *Metrics
}

func NewRegistry(metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		instances: make(map[model.InstanceID]*Instance),
		metrics:   metrics,
	}
}

func (r *Registry) Metrics() *Metrics { return r.metrics }

// Add registers a fresh instance. Re-adding an id replaces the previous
// handle, which is how a respawned instance gets a reinitialized channel
// rather than inheriting a terminated segment.
func (r *Registry) Add(inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("nil instance")
	}
	if inst.Channel == nil {
		return fmt.Errorf("instance %d has no channel", inst.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.instances[inst.ID]; ok && prev.Status() != model.Terminated {
		return fmt.Errorf("instance %d already live", inst.ID)
	}
	r.instances[inst.ID] = inst
	return nil
}

func (r *Registry) Get(id model.InstanceID) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// IDs returns every registered id in ascending order.
func (r *Registry) IDs() []model.InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.InstanceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// LiveIDs returns ids eligible for batching, ascending. STALLED and
// TERMINATED instances never appear.
func (r *Registry) LiveIDs() []model.InstanceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.InstanceID, 0, len(r.instances))
	for id, inst := range r.instances {
		if inst.Status() == model.Live {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// AliveCount counts instances still advancing (LIVE or STALLED).
func (r *Registry) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if inst.Status() != model.Terminated {
			n++
		}
	}
	return n
}

// Terminate forces an instance out of the run, cancelling its driver. The
// driver releases the console and channel on its own way out.
func (r *Registry) Terminate(id model.InstanceID, cause error) {
	inst, ok := r.Get(id)
	if !ok {
		return
	}
	if inst.Status() == model.Terminated {
		return
	}
	inst.status.Store(int32(model.Terminated))
	inst.mu.Lock()
	inst.termErr = cause
	inst.mu.Unlock()
	r.metrics.Terminations.Add(1)
	log.Printf("instance %d terminated: %v", id, cause)
	if inst.cancel != nil {
		inst.cancel()
	}
}

// DriverHooks adapts driver lifecycle callbacks onto the registry so the
// handle's liveness tracks the driver's.
func (r *Registry) DriverHooks(id model.InstanceID) emulator.Hooks {
	return emulator.Hooks{
		OnStall: func(_ model.InstanceID, frame uint64) {
			if inst, ok := r.Get(id); ok {
				inst.status.CompareAndSwap(int32(model.Live), int32(model.Stalled))
			}
			r.metrics.Stalls.Add(1)
			log.Printf("instance %d stalled at frame %d", id, frame)
		},
		OnRecover: func(_ model.InstanceID, frame uint64) {
			if inst, ok := r.Get(id); ok {
				inst.status.CompareAndSwap(int32(model.Stalled), int32(model.Live))
			}
			r.metrics.Recoveries.Add(1)
			log.Printf("instance %d recovered at frame %d", id, frame)
		},
		OnTerminate: func(_ model.InstanceID, err error) {
			inst, ok := r.Get(id)
			if !ok {
				return
			}
			if inst.Status() != model.Terminated {
				inst.status.Store(int32(model.Terminated))
				r.metrics.Terminations.Add(1)
			}
			if err != nil {
				inst.mu.Lock()
				if inst.termErr == nil {
					inst.termErr = err
				}
				inst.mu.Unlock()
				log.Printf("instance %d down: %v", id, err)
			}
		},
	}
}
