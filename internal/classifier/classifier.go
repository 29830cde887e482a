// Package classifier wraps the trained source-label model artifact.
//
// The artifact is a versioned JSON file of labelled prototype vectors
// exported by the offline training job. It is loaded once at process start
// and treated as read-only for the process lifetime; classification is a
// k-nearest-neighbour vote over the prototypes and is safe for unbounded
// concurrent calls without synchronization.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/quietmap/noisemap/internal/domain"
)

// NoModelDetail is the explanatory note returned when no artifact is loaded.
// It distinguishes "no model" from a model that returned an actual unknown
// class.
const NoModelDetail = "no model available on server"

// Result is the outcome of a classification request.
type Result struct {
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// Prototype is one labelled exemplar vector from the training set.
type Prototype struct {
	Label    string    `json:"label"`
	Features []float64 `json:"features"`
}

// Artifact is the serialized model: immutable after load.
type Artifact struct {
	Version    string      `json:"version"`
	InputDim   int         `json:"input_dim"`
	Neighbors  int         `json:"neighbors"`
	Labels     []string    `json:"labels"`
	Prototypes []Prototype `json:"prototypes"`
}

// Classifier maps feature vectors to source labels. A nil artifact is a
// supported state: every call then yields the "unknown" sentinel with
// NoModelDetail rather than an error.
type Classifier struct {
	artifact *Artifact
	logger   *slog.Logger
}

// New creates a classifier around an already-loaded artifact. Pass nil when
// no model is available.
func New(artifact *Artifact, logger *slog.Logger) *Classifier {
	return &Classifier{artifact: artifact, logger: logger}
}

// LoadArtifact reads and validates a model artifact file. A missing file is
// not an error: it returns (nil, nil) so the service starts in the
// "no model" state.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if a.InputDim <= 0 {
		return nil, fmt.Errorf("model artifact %q declares no input width", path)
	}
	if len(a.Prototypes) == 0 {
		return nil, fmt.Errorf("model artifact %q contains no prototypes", path)
	}
	for i, p := range a.Prototypes {
		if len(p.Features) != a.InputDim {
			return nil, fmt.Errorf("model artifact %q: prototype %d has %d features, want %d",
				path, i, len(p.Features), a.InputDim)
		}
	}
	if a.Neighbors <= 0 {
		a.Neighbors = 5
	}
	return &a, nil
}

// Loaded reports whether a model artifact is available.
func (c *Classifier) Loaded() bool {
	return c.artifact != nil
}

// Version returns the loaded artifact version, or "" when no model is loaded.
func (c *Classifier) Version() string {
	if c.artifact == nil {
		return ""
	}
	return c.artifact.Version
}

// Classify maps a flattened feature vector to a source label.
// The vector width is checked against the artifact before any distance math
// so a mismatch surfaces as a FeatureShapeError, never as an opaque model
// failure.
func (c *Classifier) Classify(values []float64) (Result, error) {
	if c.artifact == nil {
		return Result{Label: domain.LabelUnknown, Detail: NoModelDetail}, nil
	}
	if len(values) != c.artifact.InputDim {
		return Result{}, &domain.FeatureShapeError{Want: c.artifact.InputDim, Got: len(values)}
	}

	type scored struct {
		label    string
		distance float64
	}
	scores := make([]scored, len(c.artifact.Prototypes))
	for i, p := range c.artifact.Prototypes {
		scores[i] = scored{label: p.Label, distance: euclidean(values, p.Features)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].distance < scores[j].distance })

	k := min(c.artifact.Neighbors, len(scores))
	votes := make(map[string]int, k)
	for _, s := range scores[:k] {
		votes[s.label]++
	}

	best := domain.LabelUnknown
	bestVotes := 0
	for _, s := range scores[:k] {
		// Iterate in distance order so vote ties resolve to the nearer label.
		if votes[s.label] > bestVotes {
			best = s.label
			bestVotes = votes[s.label]
		}
	}
	return Result{Label: best}, nil
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
