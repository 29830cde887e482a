// Package domain models geotagged ambient-noise readings.
//
// # Data Source
//
// Readings are reported by field sensors (or the mobile capture app) as JSON
// payloads carrying the measurement time, a WGS-84 coordinate pair, and a
// sound-pressure level in decibels. A reading may optionally carry an audio
// feature payload, a pre-assigned source label, or a pointer to the raw
// audio clip in external storage.
//
// # Feature Vector Conventions
//
// The classifier consumes a fixed 15-value vector assembled in training
// order:
//
//	mfcc_0 .. mfcc_12, rms, zcr
//
// The wire form is a FeaturePayload:
//
//	{"mfcc_mean": [13 values], "rms": 0.031, "zcr": 0.12}
//
// Order matters: the model artifact was trained on exactly this layout, so
// the adapter rejects any vector whose width differs from the artifact's
// declared input width before touching the model.
//
// # Labels
//
// "unknown" is an explicit, first-class label: it is what the classifier
// returns when no model artifact is loaded, when the model genuinely cannot
// place a sample, or when classification fails and ingestion degrades
// gracefully. It is distinct from an absent label (nil), which means no
// labelling attempt has been recorded for the row.
//
// # Coordinates
//
// Latitude must lie in [-90, 90] and longitude in [-180, 180]. Every
// persisted reading derives an indexed spatial point from its coordinates;
// a reading whose location cannot become a point is rejected outright.
// Heatmap cells key on coordinates rounded to 4 decimal places (~11 m at
// the equator). Antimeridian and pole wraparound are intentionally not
// special-cased.
package domain
