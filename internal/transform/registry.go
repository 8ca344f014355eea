package transform

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"ringside/internal/model"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrTransformExists   = errors.New("transform already registered")
	ErrTransformNotFound = errors.New("transform not found")
	ErrTransformVersion  = errors.New("transform version mismatch")
)

// PreprocessFunc turns a raw observation payload into a feature vector. It
// appends to dst and returns the extended slice, must be pure, and must be
// safe to call per instance per tick.
type PreprocessFunc func(payload []byte, dst []float64) ([]float64, error)

// PostprocessFunc decodes one row of model output into the discrete action
// for the given frame. Same purity requirements as PreprocessFunc.
type PostprocessFunc func(output []float64, frame uint64) (model.Action, error)

type PreprocessSpec struct {
	Name          string
	FeatureSize   int
	Func          PreprocessFunc
	SchemaVersion int
	CodecVersion  int
}

type PostprocessSpec struct {
	Name          string
	OutputSize    int
	Func          PostprocessFunc
	SchemaVersion int
	CodecVersion  int
}

type registry[T any] struct {
	mu sync.RWMutex
	m  map[string]T
}

var preprocessRegistry = &registry[PreprocessSpec]{m: make(map[string]PreprocessSpec)}
var postprocessRegistry = &registry[PostprocessSpec]{m: make(map[string]PostprocessSpec)}

func init() {
	initializeBuiltInTransforms()
}

func RegisterPreprocess(spec PreprocessSpec) error {
	if spec.Name == "" {
		return errors.New("preprocess name is required")
	}
	if spec.Func == nil {
		return errors.New("preprocess function is required")
	}
	if spec.FeatureSize <= 0 {
		return errors.New("preprocess feature size must be positive")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrTransformVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	preprocessRegistry.mu.Lock()
	defer preprocessRegistry.mu.Unlock()

	if _, exists := preprocessRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTransformExists, spec.Name)
	}
	preprocessRegistry.m[spec.Name] = spec
	return nil
}

func MustRegisterPreprocess(spec PreprocessSpec) {
	if err := RegisterPreprocess(spec); err != nil {
		panic(err)
	}
}

func GetPreprocess(name string) (PreprocessSpec, error) {
	preprocessRegistry.mu.RLock()
	spec, ok := preprocessRegistry.m[name]
	preprocessRegistry.mu.RUnlock()
	if !ok {
		return PreprocessSpec{}, fmt.Errorf("%w: %s", ErrTransformNotFound, name)
	}
	return spec, nil
}

func RegisterPostprocess(spec PostprocessSpec) error {
	if spec.Name == "" {
		return errors.New("postprocess name is required")
	}
	if spec.Func == nil {
		return errors.New("postprocess function is required")
	}
	if spec.OutputSize <= 0 {
		return errors.New("postprocess output size must be positive")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrTransformVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	postprocessRegistry.mu.Lock()
	defer postprocessRegistry.mu.Unlock()

	if _, exists := postprocessRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTransformExists, spec.Name)
	}
	postprocessRegistry.m[spec.Name] = spec
	return nil
}

func MustRegisterPostprocess(spec PostprocessSpec) {
	if err := RegisterPostprocess(spec); err != nil {
		panic(err)
	}
}

func GetPostprocess(name string) (PostprocessSpec, error) {
	postprocessRegistry.mu.RLock()
	spec, ok := postprocessRegistry.m[name]
	postprocessRegistry.mu.RUnlock()
	if !ok {
		return PostprocessSpec{}, fmt.Errorf("%w: %s", ErrTransformNotFound, name)
	}
	return spec, nil
}

func ListPreprocess() []string {
	preprocessRegistry.mu.RLock()
	defer preprocessRegistry.mu.RUnlock()

	names := make([]string, 0, len(preprocessRegistry.m))
	for name := range preprocessRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ListPostprocess() []string {
	postprocessRegistry.mu.RLock()
	defer postprocessRegistry.mu.RUnlock()

	names := make([]string, 0, len(postprocessRegistry.m))
	for name := range postprocessRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistriesForTests() {
	preprocessRegistry.mu.Lock()
	preprocessRegistry.m = make(map[string]PreprocessSpec)
	preprocessRegistry.mu.Unlock()

	postprocessRegistry.mu.Lock()
	postprocessRegistry.m = make(map[string]PostprocessSpec)
	postprocessRegistry.mu.Unlock()

	initializeBuiltInTransforms()
}
