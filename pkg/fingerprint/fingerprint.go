// Package fingerprint computes content hashes and capture-quality scores for
// uploaded documents. The hash identifies an artifact within its tenant; the
// quality score gates admission of photographed documents.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"math"

	_ "image/jpeg"
	_ "image/png"
)

// Weights controls how the three sub-scores combine into the overall score.
type Weights struct {
	Blur     float64 `yaml:"blur" json:"blur"`
	Glare    float64 `yaml:"glare" json:"glare"`
	Contrast float64 `yaml:"contrast" json:"contrast"`
}

// Thresholds holds the saturation points of the sub-score curves.
type Thresholds struct {
	BlurVarHigh    float64 `yaml:"blur_var_high" json:"blur_var_high"`       // variance at which blur score saturates to 100
	BlurVarLow     float64 `yaml:"blur_var_low" json:"blur_var_low"`         // variance at or below which blur score is 0
	GlareFracHigh  float64 `yaml:"glare_frac_high" json:"glare_frac_high"`   // bright fraction at or above which glare score is 0
	GlareFracLow   float64 `yaml:"glare_frac_low" json:"glare_frac_low"`     // bright fraction at or below which glare score is 100
	ContrastHigh   float64 `yaml:"contrast_high" json:"contrast_high"`       // stddev at which contrast score saturates to 100
	ContrastLow    float64 `yaml:"contrast_low" json:"contrast_low"`         // stddev at or below which contrast score is 0
	GlareLuminance float64 `yaml:"glare_luminance" json:"glare_luminance"`   // luminance considered "blown out"
	DownsampleEdge int     `yaml:"downsample_edge" json:"downsample_edge"`   // max edge of the working luminance image
}

// Config bundles the tunables.
type Config struct {
	Weights    Weights    `yaml:"weights" json:"weights"`
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{Blur: 0.4, Glare: 0.3, Contrast: 0.3},
		Thresholds: Thresholds{
			BlurVarHigh:    500,
			BlurVarLow:     20,
			GlareFracHigh:  0.05,
			GlareFracLow:   0.005,
			ContrastHigh:   60,
			ContrastLow:    10,
			GlareLuminance: 245,
			DownsampleEdge: 512,
		},
	}
}

// Fingerprint is the result of hashing and scoring an upload.
type Fingerprint struct {
	ContentHash  string  // lowercase hex SHA-256 of the raw byte stream
	QualityScore float64 // 0..100; 100 for non-image payloads
	Blur         float64
	Glare        float64
	Contrast     float64
	Width        int // 0 when dimensions could not be determined
	Height       int
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compute hashes data and, when it decodes as a supported image, scores its
// capture quality. PDFs and undecodable formats get a neutral quality of 100
// so the hash path never blocks on decoders we do not carry.
func Compute(data []byte, cfg Config) (Fingerprint, error) {
	fp := Fingerprint{
		ContentHash:  HashBytes(data),
		QualityScore: 100,
		Blur:         100,
		Glare:        100,
		Contrast:     100,
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fp, nil //nolint:nilerr // non-image payloads keep the neutral score
	}

	bounds := img.Bounds()
	fp.Width = bounds.Dx()
	fp.Height = bounds.Dy()

	lum := luminancePlane(img, cfg.Thresholds.DownsampleEdge)
	if len(lum.pix) == 0 {
		return fp, fmt.Errorf("fingerprint: empty luminance plane")
	}

	fp.Blur = blurScore(lum, cfg.Thresholds)
	fp.Glare = glareScore(lum, cfg.Thresholds)
	fp.Contrast = contrastScore(lum, cfg.Thresholds)

	w := cfg.Weights
	fp.QualityScore = clamp(w.Blur*fp.Blur+w.Glare*fp.Glare+w.Contrast*fp.Contrast, 0, 100)
	return fp, nil
}

// DecodeDims probes the image header only, without a full decode.
func DecodeDims(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("fingerprint: decode config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// plane is a downsampled grayscale working image.
type plane struct {
	pix  []float64
	w, h int
}

func (p plane) at(x, y int) float64 { return p.pix[y*p.w+x] }

// luminancePlane converts img to BT.601 luminance, downsampling so the longer
// edge does not exceed maxEdge. Nearest-neighbour is sufficient for the
// statistics computed here.
func luminancePlane(img image.Image, maxEdge int) plane {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return plane{}
	}
	if maxEdge <= 0 {
		maxEdge = 512
	}

	step := 1
	if longest := max(w, h); longest > maxEdge {
		step = (longest + maxEdge - 1) / maxEdge
	}
	outW := (w + step - 1) / step
	outH := (h + step - 1) / step

	p := plane{pix: make([]float64, outW*outH), w: outW, h: outH}
	for oy := 0; oy < outH; oy++ {
		sy := bounds.Min.Y + oy*step
		for ox := 0; ox < outW; ox++ {
			sx := bounds.Min.X + ox*step
			r, g, b, _ := img.At(sx, sy).RGBA()
			// 16-bit channels scaled to 0..255.
			lum := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			p.pix[oy*outW+ox] = lum
		}
	}
	return p
}

// blurScore maps the normalised variance of a 3x3 Laplacian through a
// saturating linear curve.
func blurScore(p plane, th Thresholds) float64 {
	if p.w < 3 || p.h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			lap := 4*p.at(x, y) - p.at(x-1, y) - p.at(x+1, y) - p.at(x, y-1) - p.at(x, y+1)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	return rescale(variance, th.BlurVarLow, th.BlurVarHigh)
}

// glareScore penalises the fraction of blown-out pixels. More glare means a
// lower score, so the curve is inverted.
func glareScore(p plane, th Thresholds) float64 {
	bright := 0
	for _, v := range p.pix {
		if v >= th.GlareLuminance {
			bright++
		}
	}
	frac := float64(bright) / float64(len(p.pix))
	return 100 - rescale(frac, th.GlareFracLow, th.GlareFracHigh)
}

// contrastScore maps the luminance standard deviation.
func contrastScore(p plane, th Thresholds) float64 {
	var sum, sumSq float64
	for _, v := range p.pix {
		sum += v
		sumSq += v * v
	}
	n := float64(len(p.pix))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return rescale(math.Sqrt(variance), th.ContrastLow, th.ContrastHigh)
}

// rescale maps v linearly onto 0..100 between lo and hi, saturating outside.
func rescale(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp((v-lo)/(hi-lo)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
