package domain

import "fmt"

// ValidationError reports malformed or out-of-range input. A reading that
// fails validation is never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidAudioError reports audio input the feature extractor cannot use:
// empty samples, a non-positive sample rate, or a decode failure.
// Classification is skipped and ingestion continues with the "unknown" label.
type InvalidAudioError struct {
	Reason string
}

func (e *InvalidAudioError) Error() string {
	return "invalid audio: " + e.Reason
}

// FeatureShapeError reports a feature vector whose width does not match the
// loaded model's expected input width. It is raised before the model is
// invoked so a mismatch never surfaces as an opaque downstream failure.
type FeatureShapeError struct {
	Want int
	Got  int
}

func (e *FeatureShapeError) Error() string {
	return fmt.Sprintf("feature vector has %d values, model expects %d", e.Got, e.Want)
}

// StorageError wraps a storage I/O or connection failure. Storage failures
// are always surfaced to the caller as retryable; they are never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
