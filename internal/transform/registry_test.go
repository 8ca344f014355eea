package transform

import (
	"errors"
	"testing"

	"ringside/internal/model"
)

func TestBuiltInTransformsRegistered(t *testing.T) {
	pre := ListPreprocess()
	if len(pre) == 0 || pre[0] != FoxPreprocessName {
		t.Fatalf("expected fox-v0 preprocess registered, got %v", pre)
	}
	post := ListPostprocess()
	if len(post) == 0 || post[0] != FoxPostprocessName {
		t.Fatalf("expected fox-v0 postprocess registered, got %v", post)
	}

	spec, err := GetPreprocess(FoxPreprocessName)
	if err != nil {
		t.Fatalf("get preprocess: %v", err)
	}
	if spec.FeatureSize != FoxFeatureSize {
		t.Fatalf("unexpected feature size %d", spec.FeatureSize)
	}
}

func TestRegisterRejectsDuplicatesAndBadSpecs(t *testing.T) {
	defer resetRegistriesForTests()

	err := RegisterPreprocess(PreprocessSpec{
		Name:          FoxPreprocessName,
		FeatureSize:   1,
		Func:          foxPreprocess,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
	if !errors.Is(err, ErrTransformExists) {
		t.Fatalf("expected ErrTransformExists, got %v", err)
	}

	err = RegisterPostprocess(PostprocessSpec{
		Name:          "bad-version",
		OutputSize:    1,
		Func:          foxPostprocess,
		SchemaVersion: SupportedSchemaVersion + 1,
		CodecVersion:  SupportedCodecVersion,
	})
	if !errors.Is(err, ErrTransformVersion) {
		t.Fatalf("expected ErrTransformVersion, got %v", err)
	}

	if _, err := GetPostprocess("missing"); !errors.Is(err, ErrTransformNotFound) {
		t.Fatalf("expected ErrTransformNotFound, got %v", err)
	}
}

func TestFoxPreprocessFeatureVector(t *testing.T) {
	fr := GameFrame{
		Index: 12,
		P1:    PlayerState{X: 50, Y: 25, Percent: 42, Stock: 4, Facing: 1},
		P2:    PlayerState{X: -50, Y: 0, Percent: 100, Stock: 2, Facing: -1},
	}
	buf := make([]byte, FramePayloadSize)
	payload, err := EncodeGameFrame(fr, buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	features, err := foxPreprocess(payload, nil)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if len(features) != FoxFeatureSize {
		t.Fatalf("expected %d features, got %d", FoxFeatureSize, len(features))
	}
	if features[0] != 0.5 {
		t.Fatalf("p1 x feature: %f", features[0])
	}
	if features[4] != -1.0 {
		t.Fatalf("distance feature: %f", features[4])
	}
	if features[9] != 0.5 {
		t.Fatalf("p2 stock feature: %f", features[9])
	}

	// Purity: same payload, same features.
	again, err := foxPreprocess(payload, nil)
	if err != nil {
		t.Fatalf("preprocess again: %v", err)
	}
	for i := range features {
		if features[i] != again[i] {
			t.Fatalf("feature %d differs across calls", i)
		}
	}
}

func TestFoxPostprocessArgmaxDecoding(t *testing.T) {
	output := make([]float64, FoxOutputSize)
	output[4] = 1.0                 // stick x bucket 4 -> 255
	output[foxStickBuckets+2] = 0.9 // stick y bucket 2 -> 128
	output[2*foxStickBuckets+1] = 2 // button class 1 -> A

	action, err := foxPostprocess(output, 77)
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if action.Frame != 77 {
		t.Fatalf("frame: %d", action.Frame)
	}
	if action.MainX != 255 || action.MainY != 128 {
		t.Fatalf("stick decode: x=%d y=%d", action.MainX, action.MainY)
	}
	if action.Buttons != model.ButtonA {
		t.Fatalf("button decode: %#x", action.Buttons)
	}
}

func TestFoxPostprocessTieBreaksDeterministically(t *testing.T) {
	output := make([]float64, FoxOutputSize)
	// All-zero output ties everywhere; first bucket must win every cluster.
	action, err := foxPostprocess(output, 1)
	if err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if action.MainX != 0 || action.MainY != 0 || action.Buttons != 0 {
		t.Fatalf("tie break not first-index: %+v", action)
	}
}

func TestGameFrameCodecRejectsTruncatedPayload(t *testing.T) {
	if _, err := DecodeGameFrame(make([]byte, FramePayloadSize-1)); err == nil {
		t.Fatal("expected truncation error")
	}
	if _, err := EncodeGameFrame(GameFrame{}, make([]byte, 4)); err == nil {
		t.Fatal("expected short buffer error")
	}
}
