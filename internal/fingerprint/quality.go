package fingerprint

import (
	"image"
	"math"
)

// Quality holds per-image quality metrics and their composite score.
type Quality struct {
	Sharpness  float64 `json:"sharpness"`  // Laplacian variance, >= 0
	Brightness float64 `json:"brightness"` // mean luminance, 0-255
	Contrast   float64 `json:"contrast"`   // luminance standard deviation, >= 0
	Score      float64 `json:"score"`      // weighted composite, 0-100
}

// Weights controls how the three metrics combine into the composite score.
// They should sum to 1; Score clamps the result to [0,100] regardless.
type Weights struct {
	Sharpness  float64 `yaml:"sharpness"`
	Contrast   float64 `yaml:"contrast"`
	Brightness float64 `yaml:"brightness"`
}

// DefaultWeights is the composite weighting used across a batch. Declared
// once so scores stay comparable between photos.
var DefaultWeights = Weights{Sharpness: 0.5, Contrast: 0.25, Brightness: 0.25}

const (
	// qualityGridSize is the fixed edge length metrics are computed on.
	// Normalizing the resolution keeps sharpness comparable across photos
	// of different sizes.
	qualityGridSize = 64

	// sharpnessHalfPoint is the Laplacian variance at which the sharpness
	// term contributes half its weight.
	sharpnessHalfPoint = 500.0

	// contrastFullRange is the luminance stddev treated as maximal contrast.
	contrastFullRange = 64.0
)

// Score computes quality metrics for a decoded image using DefaultWeights.
func Score(img image.Image) (Quality, error) {
	return ScoreWith(img, DefaultWeights)
}

// ScoreWith computes quality metrics using the given composite weights.
func ScoreWith(img image.Image, w Weights) (Quality, error) {
	if img == nil || img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return Quality{}, ErrEmptyImage
	}

	resized := resizeImage(img, qualityGridSize, qualityGridSize)
	gray := toGrayscale(resized)

	brightness := meanLuminance(gray)
	contrast := luminanceStddev(gray, brightness)
	sharpness := laplacianVariance(gray)

	// Normalize each metric to [0,100] before weighting.
	sharpnessNorm := 100 * sharpness / (sharpness + sharpnessHalfPoint)
	contrastNorm := math.Min(100, 100*contrast/contrastFullRange)
	// Mid-gray exposure scores highest; crushed or blown images score low.
	brightnessNorm := 100 * (1 - math.Abs(brightness-128)/128)

	score := w.Sharpness*sharpnessNorm + w.Contrast*contrastNorm + w.Brightness*brightnessNorm
	score = math.Max(0, math.Min(100, score))

	return Quality{
		Sharpness:  sharpness,
		Brightness: brightness,
		Contrast:   contrast,
		Score:      score,
	}, nil
}

func meanLuminance(gray [][]float64) float64 {
	var sum float64
	n := 0
	for x := range gray {
		for y := range gray[x] {
			sum += gray[x][y]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func luminanceStddev(gray [][]float64, mean float64) float64 {
	var sum float64
	n := 0
	for x := range gray {
		for y := range gray[x] {
			d := gray[x][y] - mean
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// laplacianVariance estimates edge energy: the variance of the 3x3
// Laplacian response over the luminance grid. Blurry images have little
// high-frequency content, so their response variance collapses.
func laplacianVariance(gray [][]float64) float64 {
	width := len(gray)
	if width < 3 {
		return 0
	}
	height := len(gray[0])
	if height < 3 {
		return 0
	}

	responses := make([]float64, 0, (width-2)*(height-2))
	for x := 1; x < width-1; x++ {
		for y := 1; y < height-1; y++ {
			lap := 4*gray[x][y] - gray[x-1][y] - gray[x+1][y] - gray[x][y-1] - gray[x][y+1]
			responses = append(responses, lap)
		}
	}

	var mean float64
	for _, r := range responses {
		mean += r
	}
	mean /= float64(len(responses))

	var variance float64
	for _, r := range responses {
		d := r - mean
		variance += d * d
	}
	return variance / float64(len(responses))
}
