package domain

import "math"

// NumMFCC is the number of MFCC coefficients the pipeline computes and the
// classifier was trained on.
const NumMFCC = 13

// FeatureDim is the full width of the model input vector:
// NumMFCC coefficients plus RMS plus ZCR.
const FeatureDim = NumMFCC + 2

// FeatureVector is the fixed-shape numeric summary of an audio clip.
// It is computed once per clip and never mutated afterward.
type FeatureVector struct {
	MFCCMean [NumMFCC]float64
	RMS      float64
	ZCR      float64
}

// Values flattens the vector into model input order:
// mfcc_0..mfcc_12, rms, zcr.
func (v FeatureVector) Values() []float64 {
	out := make([]float64, 0, FeatureDim)
	out = append(out, v.MFCCMean[:]...)
	return append(out, v.RMS, v.ZCR)
}

// Finite reports whether every component of the vector is a finite number.
func (v FeatureVector) Finite() bool {
	for _, x := range v.Values() {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Payload converts the vector into the associative wire/storage form kept
// alongside the reading for later re-analysis.
func (v FeatureVector) Payload() FeaturePayload {
	mfcc := make([]float64, NumMFCC)
	copy(mfcc, v.MFCCMean[:])
	return FeaturePayload{MFCCMean: mfcc, RMS: v.RMS, ZCR: v.ZCR}
}

// FeaturePayload is the JSON shape features travel in, both on the classify
// endpoint and inside a reading's features blob. Unlike FeatureVector it is
// not shape-checked at construction; the classifier adapter verifies width
// against the loaded artifact.
type FeaturePayload struct {
	MFCCMean []float64 `json:"mfcc_mean"`
	RMS      float64   `json:"rms"`
	ZCR      float64   `json:"zcr"`
}

// Values flattens the payload into model input order. The result's length
// is len(MFCCMean)+2, which may legitimately disagree with the model's
// expected width; callers rely on the adapter's shape check.
func (p FeaturePayload) Values() []float64 {
	out := make([]float64, 0, len(p.MFCCMean)+2)
	out = append(out, p.MFCCMean...)
	return append(out, p.RMS, p.ZCR)
}

// Map renders the payload as the opaque associative blob persisted with a
// reading.
func (p FeaturePayload) Map() map[string]any {
	return map[string]any{
		"mfcc_mean": p.MFCCMean,
		"rms":       p.RMS,
		"zcr":       p.ZCR,
	}
}
