// Command featurize computes the feature payload for a clip of PCM samples,
// producing the same JSON shape devices attach to readings. Useful for
// building classifier training sets and for debugging field recordings.
//
// Input is a JSON file: {"samples": [...], "sample_rate": 22050}.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/quietmap/noisemap/internal/audio"
)

type clip struct {
	Samples    []float64 `json:"samples"`
	SampleRate int       `json:"sample_rate"`
}

func main() {
	inPath := flag.String("in", "", "path to a clip JSON file (default: stdin)")
	flag.Parse()

	if err := run(*inPath); err != nil {
		fmt.Fprintln(os.Stderr, "featurize:", err)
		os.Exit(1)
	}
}

func run(inPath string) error {
	in := os.Stdin
	if inPath != "" {
		f, err := os.Open(inPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var c clip
	if err := json.NewDecoder(in).Decode(&c); err != nil {
		return fmt.Errorf("parse clip: %w", err)
	}

	vector, err := audio.NewExtractor().Extract(c.Samples, c.SampleRate)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(vector.Payload())
}
