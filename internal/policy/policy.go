// Package policy wraps the trained network behind the batched forward-pass
// contract the harness consumes. The harness treats the model as opaque:
// deterministic outputs for identical inputs under a fixed seed.
package policy

// Model is one batched forward pass. The inference batcher owns the only
// reference during an evaluation run; implementations may assume calls are
// serialized.
type Model interface {
	Forward(features [][]float64) ([][]float64, error)
}

// ModelFunc adapts a plain function to the Model interface.
type ModelFunc func(features [][]float64) ([][]float64, error)

func (f ModelFunc) Forward(features [][]float64) ([][]float64, error) {
	return f(features)
}
