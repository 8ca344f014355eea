package policy

import (
	"path/filepath"
	"testing"
)

func TestDeepModelDeterministicForward(t *testing.T) {
	m := NewDeepModel(4, []int{5, 3, 2}, 1234)

	batch := [][]float64{
		{0.1, 0.2, 0.3, 0.4},
		{-0.5, 0.5, 0.0, 1.0},
		{1.0, 1.0, 1.0, 1.0},
	}

	first, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	second, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("forward again: %v", err)
	}

	if len(first) != len(batch) {
		t.Fatalf("expected %d rows, got %d", len(batch), len(first))
	}
	for i := range first {
		if len(first[i]) != 2 {
			t.Fatalf("row %d has %d outputs", i, len(first[i]))
		}
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatalf("output (%d,%d) differs across identical batches", i, j)
			}
		}
	}
}

func TestDeepModelSeedControlsWeights(t *testing.T) {
	a := NewDeepModel(4, []int{3, 2}, 7)
	b := NewDeepModel(4, []int{3, 2}, 7)
	c := NewDeepModel(4, []int{3, 2}, 8)

	input := [][]float64{{0.25, -0.25, 0.5, -0.5}}
	outA, err := a.Forward(input)
	if err != nil {
		t.Fatalf("forward a: %v", err)
	}
	outB, err := b.Forward(input)
	if err != nil {
		t.Fatalf("forward b: %v", err)
	}
	outC, err := c.Forward(input)
	if err != nil {
		t.Fatalf("forward c: %v", err)
	}

	for j := range outA[0] {
		if outA[0][j] != outB[0][j] {
			t.Fatal("same seed produced different networks")
		}
	}
	same := true
	for j := range outA[0] {
		if outA[0][j] != outC[0][j] {
			same = false
		}
	}
	if same {
		t.Fatal("different seeds produced identical networks")
	}
}

func TestDeepModelSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	m := NewDeepModel(3, []int{4, 2}, 99)
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadDeepModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	input := [][]float64{{0.1, 0.9, -0.3}}
	want, err := m.Forward(input)
	if err != nil {
		t.Fatalf("forward original: %v", err)
	}
	got, err := loaded.Forward(input)
	if err != nil {
		t.Fatalf("forward loaded: %v", err)
	}
	for j := range want[0] {
		if want[0][j] != got[0][j] {
			t.Fatal("loaded model diverges from saved model")
		}
	}

	if _, err := LoadDeepModel(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing dump")
	}
}
