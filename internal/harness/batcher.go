package harness

import (
	"fmt"

	"ringside/internal/model"
	"ringside/internal/policy"
	"ringside/internal/transform"
)

// ActionAssignment pairs a decoded action with the instance it answers.
type ActionAssignment struct {
	ID     model.InstanceID
	Action model.Action
}

// Fault marks one entry whose observation could not be turned into an
// action. Faults isolate per-instance failures: the rest of the batch
// still produces actions.
type Fault struct {
	ID  model.InstanceID
	Err error
}

// Batcher runs the fixed-shape forward pass. The feature matrix is always
// padded to the configured maximum batch size with zero rows so the model
// sees one tensor shape for the whole run; pad rows are masked out and
// never produce actions.
type Batcher struct {
	model    policy.Model
	pre      transform.PreprocessSpec
	post     transform.PostprocessSpec
	maxBatch int

	rows    [][]float64
	padded  [][]float64
	zeroRow []float64
	mask    []bool

	actions []ActionAssignment
	faults  []Fault
}

func NewBatcher(m policy.Model, pre transform.PreprocessSpec, post transform.PostprocessSpec, maxBatch int) (*Batcher, error) {
	if m == nil {
		return nil, fmt.Errorf("nil model")
	}
	if maxBatch <= 0 {
		return nil, fmt.Errorf("max batch must be positive, got %d", maxBatch)
	}
	b := &Batcher{
		model:    m,
		pre:      pre,
		post:     post,
		maxBatch: maxBatch,
		rows:     make([][]float64, maxBatch),
		padded:   make([][]float64, maxBatch),
		zeroRow:  make([]float64, pre.FeatureSize),
		mask:     make([]bool, maxBatch),
		actions:  make([]ActionAssignment, 0, maxBatch),
		faults:   make([]Fault, 0, maxBatch),
	}
	for i := range b.rows {
		b.rows[i] = make([]float64, 0, pre.FeatureSize)
	}
	return b, nil
}

// Infer preprocesses the batch, runs one padded forward pass, and decodes
// per-entry actions. The returned error is fatal (model failure); faults
// are per-entry and leave the rest of the batch intact. Both returned
// slices alias internal arenas and are valid until the next call.
func (b *Batcher) Infer(batch *Batch) ([]ActionAssignment, []Fault, error) {
	b.actions = b.actions[:0]
	b.faults = b.faults[:0]

	n := batch.Len()
	if n > b.maxBatch {
		return nil, nil, fmt.Errorf("batch of %d exceeds max %d", n, b.maxBatch)
	}

	entries := batch.Entries()
	for i := 0; i < b.maxBatch; i++ {
		b.mask[i] = false
		b.padded[i] = b.zeroRow
	}
	for i := range entries {
		row, err := b.pre.Func(entries[i].Payload(), b.rows[i][:0])
		if err != nil {
			b.faults = append(b.faults, Fault{ID: entries[i].ID, Err: fmt.Errorf("preprocess frame %d: %w", entries[i].Frame, err)})
			continue
		}
		if len(row) != b.pre.FeatureSize {
			b.faults = append(b.faults, Fault{ID: entries[i].ID, Err: fmt.Errorf("preprocess produced %d features, want %d", len(row), b.pre.FeatureSize)})
			continue
		}
		b.rows[i] = row
		b.padded[i] = row
		b.mask[i] = true
	}

	if n == 0 {
		return b.actions, b.faults, nil
	}

	out, err := b.model.Forward(b.padded)
	if err != nil {
		return nil, nil, fmt.Errorf("model forward: %w", err)
	}
	if len(out) < n {
		return nil, nil, fmt.Errorf("model returned %d rows for batch of %d", len(out), n)
	}

	for i := range entries {
		if !b.mask[i] {
			continue
		}
		action, err := b.post.Func(out[i], entries[i].Frame)
		if err != nil {
			b.faults = append(b.faults, Fault{ID: entries[i].ID, Err: fmt.Errorf("postprocess frame %d: %w", entries[i].Frame, err)})
			continue
		}
		b.actions = append(b.actions, ActionAssignment{ID: entries[i].ID, Action: action})
	}
	return b.actions, b.faults, nil
}
