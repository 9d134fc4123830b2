package compute

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"time"
)

// Preview is a lightweight stand-in for a diffusion pipeline. It starts from
// seeded noise and blends towards a prompt-derived gradient over Steps
// iterations, reporting a PNG after each one. Output is fully determined by
// (input, seed, Steps, Size).
type Preview struct {
	Steps     int
	Size      int
	StepDelay time.Duration
}

// NewPreview creates a Preview backend, filling zero values with defaults.
func NewPreview(steps, size int, stepDelay time.Duration) *Preview {
	if steps <= 0 {
		steps = defaultSteps
	}
	if size <= 0 {
		size = defaultImageSize
	}
	return &Preview{Steps: steps, Size: size, StepDelay: stepDelay}
}

// Run renders the denoising sequence.
func (p *Preview) Run(ctx context.Context, input string, seed int64, onProgress ProgressFunc) ([]byte, error) {
	noise := seededNoise(seed, p.Size)
	target := promptGradient(input, p.Size)

	for step := 1; step <= p.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.StepDelay):
			}
		}

		frame, err := encodePNG(blend(noise, target, float64(step)/float64(p.Steps)))
		if err != nil {
			return nil, fmt.Errorf("encode step %d: %w", step, err)
		}
		if onProgress != nil {
			onProgress(step, frame)
		}
	}

	final, err := encodePNG(target)
	if err != nil {
		return nil, fmt.Errorf("encode final image: %w", err)
	}
	return final, nil
}

func seededNoise(seed int64, size int) *image.RGBA {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5d5eed))
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.IntN(256))
		img.Pix[i+1] = uint8(rng.IntN(256))
		img.Pix[i+2] = uint8(rng.IntN(256))
		img.Pix[i+3] = 0xff
	}
	return img
}

// promptGradient maps the prompt to two colours and draws a diagonal
// gradient between them.
func promptGradient(input string, size int) *image.RGBA {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	sum := h.Sum64()

	from := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}
	to := color.RGBA{R: uint8(sum >> 24), G: uint8(sum >> 32), B: uint8(sum >> 40), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	span := float64(2*size - 2)
	if span <= 0 {
		span = 1
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			t := float64(x+y) / span
			img.SetRGBA(x, y, color.RGBA{
				R: lerp(from.R, to.R, t),
				G: lerp(from.G, to.G, t),
				B: lerp(from.B, to.B, t),
				A: 0xff,
			})
		}
	}
	return img
}

func blend(noise, target *image.RGBA, t float64) *image.RGBA {
	out := image.NewRGBA(noise.Rect)
	for i := range out.Pix {
		out.Pix[i] = lerp(noise.Pix[i], target.Pix[i], t)
	}
	return out
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a)*(1-t) + float64(b)*t + 0.5)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
