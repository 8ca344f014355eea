package transform

import (
	"fmt"

	"ringside/internal/model"
)

// fox-v0 is the reference transform pair for the two-player layout in
// codec.go: a normalized feature vector on the way in, and clustered
// argmax controller decoding on the way out.
const (
	FoxPreprocessName  = "fox-v0"
	FoxPostprocessName = "fox-v0"

	FoxFeatureSize = 12

	foxStickBuckets  = 5
	foxButtonClasses = 6

	// FoxOutputSize is main-stick x buckets, y buckets, then button classes.
	FoxOutputSize = 2*foxStickBuckets + foxButtonClasses
)

var foxStickLevels = [foxStickBuckets]uint8{0, 64, 128, 192, 255}

var foxButtonBits = [foxButtonClasses]uint16{
	0,
	model.ButtonA,
	model.ButtonB,
	model.ButtonX,
	model.ButtonZ,
	model.ButtonL,
}

func initializeBuiltInTransforms() {
	MustRegisterPreprocess(PreprocessSpec{
		Name:          FoxPreprocessName,
		FeatureSize:   FoxFeatureSize,
		Func:          foxPreprocess,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
	MustRegisterPostprocess(PostprocessSpec{
		Name:          FoxPostprocessName,
		OutputSize:    FoxOutputSize,
		Func:          foxPostprocess,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func foxPreprocess(payload []byte, dst []float64) ([]float64, error) {
	fr, err := DecodeGameFrame(payload)
	if err != nil {
		return nil, err
	}
	dst = append(dst,
		float64(fr.P1.X)/100,
		float64(fr.P1.Y)/50,
		float64(fr.P2.X)/100,
		float64(fr.P2.Y)/50,
		float64(fr.P2.X-fr.P1.X)/100,
		float64(fr.P2.Y-fr.P1.Y)/50,
		float64(fr.P1.Percent)/100,
		float64(fr.P2.Percent)/100,
		float64(fr.P1.Stock)/4,
		float64(fr.P2.Stock)/4,
		float64(fr.P1.Facing),
		float64(fr.P2.Facing),
	)
	return dst, nil
}

// argmax returns the index of the first maximum, which keeps decoding
// deterministic when outputs tie.
func argmax(values []float64) int {
	best := 0
	for i, v := range values[1:] {
		if v > values[best] {
			best = i + 1
		}
	}
	return best
}

func foxPostprocess(output []float64, frame uint64) (model.Action, error) {
	if len(output) != FoxOutputSize {
		return model.Action{}, fmt.Errorf("fox-v0 expects %d outputs, got %d", FoxOutputSize, len(output))
	}
	xBucket := argmax(output[:foxStickBuckets])
	yBucket := argmax(output[foxStickBuckets : 2*foxStickBuckets])
	button := argmax(output[2*foxStickBuckets:])
	return model.Action{
		Frame:   frame,
		MainX:   foxStickLevels[xBucket],
		MainY:   foxStickLevels[yBucket],
		CStickX: 128,
		CStickY: 128,
		Buttons: foxButtonBits[button],
	}, nil
}
