package policy

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"

	deep "github.com/patrikeh/go-deep"
)

// DeepModel runs a go-deep feed-forward network. Neural objects are not
// goroutine-safe so instances come from a pool keyed to one dump.
type DeepModel struct {
	dump  *deep.Dump
	ppool sync.Pool
}

// LoadDeepModel reads a serialized network dump from disk.
func LoadDeepModel(path string) (*DeepModel, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model dump: %w", err)
	}
	dump := new(deep.Dump)
	if err := json.Unmarshal(blob, dump); err != nil {
		return nil, fmt.Errorf("decode model dump: %w", err)
	}
	return NewDeepModelFromDump(dump), nil
}

// NewDeepModelFromDump builds a model around an in-memory dump.
func NewDeepModelFromDump(dump *deep.Dump) *DeepModel {
	m := &DeepModel{dump: dump}
	m.ppool.New = func() interface{} {
		return deep.FromDump(dump)
	}
	return m
}

// NewDeepModel builds a freshly initialized network with seeded weights,
// used to bootstrap an evaluation run before a trained dump exists.
func NewDeepModel(inputs int, layout []int, seed int64) *DeepModel {
	rng := rand.New(rand.NewSource(seed))
	nn := deep.NewNeural(&deep.Config{
		Inputs:     inputs,
		Layout:     layout,
		Activation: deep.ActivationSigmoid,
		Mode:       deep.ModeRegression,
		Weight:     func() float64 { return rng.NormFloat64() },
		Bias:       true,
	})
	return NewDeepModelFromDump(nn.Dump())
}

// Save writes the network dump for later runs.
func (m *DeepModel) Save(path string) error {
	blob, err := json.Marshal(m.dump)
	if err != nil {
		return fmt.Errorf("encode model dump: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write model dump: %w", err)
	}
	return nil
}

// Forward runs one row at a time through a pooled network. Predict is
// pure, so identical batches produce identical outputs.
func (m *DeepModel) Forward(features [][]float64) ([][]float64, error) {
	nn := m.ppool.Get().(*deep.Neural)
	defer m.ppool.Put(nn)

	out := make([][]float64, len(features))
	for i, row := range features {
		prediction := nn.Predict(row)
		copied := make([]float64, len(prediction))
		copy(copied, prediction)
		out[i] = copied
	}
	return out, nil
}
