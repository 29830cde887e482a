// Package audio derives fixed-shape feature vectors from raw PCM samples.
//
// The extractor mirrors the offline feature pipeline the classifier was
// trained against: per-frame RMS energy, per-frame normalized zero-crossing
// rate, and 13 MFCC coefficients, each averaged across frames. Framing uses
// a 2048-sample window with a 512-sample hop.
package audio

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/stat"

	"github.com/quietmap/noisemap/internal/domain"
)

const (
	defaultFrameSize  = 2048
	defaultHopSize    = 512
	defaultMelFilters = 26

	// logFloor keeps log-mel energies finite for silent frames.
	logFloor = 1e-10
)

// Extractor computes feature vectors from audio samples. The zero value is
// not usable; construct with NewExtractor. Extractors are stateless across
// calls and safe for concurrent use once built for a given sample rate.
type Extractor struct {
	frameSize  int
	hopSize    int
	melFilters int
}

// NewExtractor creates an extractor with the pipeline's standard framing.
func NewExtractor() *Extractor {
	return &Extractor{
		frameSize:  defaultFrameSize,
		hopSize:    defaultHopSize,
		melFilters: defaultMelFilters,
	}
}

// Extract computes the 15-dimensional feature vector for a clip.
// It is deterministic: identical samples and sample rate always produce the
// identical vector. Silence legitimately yields near-zero RMS and ZCR.
func (e *Extractor) Extract(samples []float64, sampleRate int) (domain.FeatureVector, error) {
	var v domain.FeatureVector

	if len(samples) == 0 {
		return v, &domain.InvalidAudioError{Reason: "no samples"}
	}
	if sampleRate <= 0 {
		return v, &domain.InvalidAudioError{Reason: fmt.Sprintf("non-positive sample rate %d", sampleRate)}
	}
	for i, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return v, &domain.InvalidAudioError{Reason: fmt.Sprintf("non-finite sample at index %d", i)}
		}
	}

	frames := e.frames(samples)

	rmsPerFrame := make([]float64, len(frames))
	zcrPerFrame := make([]float64, len(frames))
	mfccSums := make([]float64, domain.NumMFCC)

	filterBank := melFilterBank(e.melFilters, e.frameSize, sampleRate)
	dct := dctMatrix(domain.NumMFCC, e.melFilters)
	window := hannWindow(e.frameSize)

	for i, frame := range frames {
		rmsPerFrame[i] = frameRMS(frame)
		zcrPerFrame[i] = frameZCR(frame)

		coeffs := e.frameMFCC(frame, window, filterBank, dct)
		for k, c := range coeffs {
			mfccSums[k] += c
		}
	}

	v.RMS = stat.Mean(rmsPerFrame, nil)
	v.ZCR = stat.Mean(zcrPerFrame, nil)
	for k := range v.MFCCMean {
		v.MFCCMean[k] = mfccSums[k] / float64(len(frames))
	}

	if !v.Finite() {
		return domain.FeatureVector{}, &domain.InvalidAudioError{Reason: "feature extraction produced non-finite values"}
	}
	return v, nil
}

// frames splits the signal into full-length frames. Clips shorter than one
// frame are analyzed as a single frame of the whole signal.
func (e *Extractor) frames(samples []float64) [][]float64 {
	if len(samples) < e.frameSize {
		return [][]float64{samples}
	}
	numFrames := (len(samples)-e.frameSize)/e.hopSize + 1
	frames := make([][]float64, 0, numFrames)
	for start := 0; start+e.frameSize <= len(samples); start += e.hopSize {
		frames = append(frames, samples[start:start+e.frameSize])
	}
	return frames
}

// frameRMS computes root-mean-square energy for one frame.
func frameRMS(frame []float64) float64 {
	sum := 0.0
	for _, s := range frame {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// frameZCR computes the normalized zero-crossing fraction for one frame:
// crossings divided by the maximum possible crossings, in [0, 1].
func frameZCR(frame []float64) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0 && frame[i] < 0) || (frame[i-1] < 0 && frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}

// frameMFCC computes MFCC coefficients for one frame: window, FFT, power
// spectrum, mel filter bank, log, DCT-II.
func (e *Extractor) frameMFCC(frame, window []float64, filterBank [][]float64, dct [][]float64) []float64 {
	windowed := make([]float64, len(frame))
	for i, s := range frame {
		if i < len(window) {
			windowed[i] = s * window[i]
		} else {
			windowed[i] = s
		}
	}

	spectrum := fft.FFTReal(windowed)
	numBins := len(windowed)/2 + 1
	power := make([]float64, numBins)
	for i := 0; i < numBins && i < len(spectrum); i++ {
		re := real(spectrum[i])
		im := imag(spectrum[i])
		power[i] = re*re + im*im
	}

	melEnergies := make([]float64, len(filterBank))
	for m, filter := range filterBank {
		sum := 0.0
		for k, w := range filter {
			if k < len(power) {
				sum += w * power[k]
			}
		}
		if sum < logFloor {
			sum = logFloor
		}
		melEnergies[m] = math.Log(sum)
	}

	coeffs := make([]float64, len(dct))
	for k, row := range dct {
		sum := 0.0
		for m, w := range row {
			sum += w * melEnergies[m]
		}
		coeffs[k] = sum
	}
	return coeffs
}

// hannWindow builds a Hann window of the given size.
func hannWindow(size int) []float64 {
	w := make([]float64, size)
	if size == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melFilterBank builds triangular mel-spaced filters spanning 0..sampleRate/2.
func melFilterBank(numFilters, fftSize, sampleRate int) [][]float64 {
	lowMel := hzToMel(0)
	highMel := hzToMel(float64(sampleRate) / 2.0)

	melPoints := make([]float64, numFilters+2)
	melStep := (highMel - lowMel) / float64(numFilters+1)
	for i := range melPoints {
		melPoints[i] = lowMel + float64(i)*melStep
	}

	binPoints := make([]int, len(melPoints))
	for i, mel := range melPoints {
		bin := int(math.Floor((float64(fftSize)+1.0)*melToHz(mel)/float64(sampleRate) + 0.5))
		binPoints[i] = min(bin, fftSize/2)
	}

	numBins := fftSize/2 + 1
	filterBank := make([][]float64, numFilters)
	for m := 1; m <= numFilters; m++ {
		filter := make([]float64, numBins)
		left, center, right := binPoints[m-1], binPoints[m], binPoints[m+1]

		for k := left; k < center && k < numBins; k++ {
			if center != left {
				filter[k] = float64(k-left) / float64(center-left)
			}
		}
		for k := center; k < right && k < numBins; k++ {
			if right != center {
				filter[k] = float64(right-k) / float64(right-center)
			}
		}
		filterBank[m-1] = filter
	}
	return filterBank
}

// dctMatrix builds an orthonormal DCT-II matrix mapping numFilters log-mel
// energies onto numCoeffs cepstral coefficients.
func dctMatrix(numCoeffs, numFilters int) [][]float64 {
	m := make([][]float64, numCoeffs)
	scale := math.Sqrt(2.0 / float64(numFilters))
	for k := range m {
		row := make([]float64, numFilters)
		for n := range row {
			row[n] = scale * math.Cos(math.Pi*float64(k)*(float64(n)+0.5)/float64(numFilters))
		}
		if k == 0 {
			for n := range row {
				row[n] /= math.Sqrt2
			}
		}
		m[k] = row
	}
	return m
}
