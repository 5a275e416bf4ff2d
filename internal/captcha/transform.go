package captcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"runtime"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

const (
	CanonicalWidth  = 300
	CanonicalHeight = 90

	binarizeLevel  = 150
	edgeLevel      = 200
	contrastAmount = 0.3
)

var laplacian = [9]float64{-1, -1, -1, -1, 8, -1, -1, -1, -1}

type transformFunc func(src *image.NRGBA) *image.NRGBA

type namedTransform struct {
	name string
	fn   transformFunc
}

var derivedTransforms = []namedTransform{
	{VariantWhiteBackground, whiteBackground},
	{VariantBlackBackground, blackBackground},
	{VariantHighContrast, highContrast},
	{VariantEdgeDetection, edgeDetection},
}

// Pipeline turns one challenge image into the fixed variant set. It holds no
// state between calls and is safe for concurrent use.
type Pipeline struct {
	workers int
}

// NewPipeline returns a pipeline that builds variants with up to one
// goroutine per CPU.
func NewPipeline() *Pipeline {
	return &Pipeline{workers: renderWorkerCount(len(derivedTransforms))}
}

func renderWorkerCount(n int) int {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Transform returns the variants that could be produced, in VariantOrder. A
// failed transform is left out and reported in the joined error; the original
// variant is always present.
func (p *Pipeline) Transform(ctx context.Context, img ChallengeImage) ([]Variant, error) {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	original := Variant{
		Name:     VariantOriginal,
		MIMEType: mime,
		Data:     append([]byte(nil), img.Data...),
	}

	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return []Variant{original}, failAllDerived(fmt.Errorf("decode source: %w", err))
	}
	if decoded.Bounds().Empty() {
		return []Variant{original}, failAllDerived(errors.New("source image is empty"))
	}
	source := replaceBlack(toNRGBA(decoded))

	workers := p.workers
	if workers < 1 {
		workers = 1
	}
	results := make([]Variant, len(derivedTransforms))
	failures := make([]error, len(derivedTransforms))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, t := range derivedTransforms {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failures[i] = fmt.Errorf("%s: %w", t.name, err)
				return nil
			}
			data, err := runTransform(t.fn, source)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %w", t.name, err)
				return nil
			}
			results[i] = Variant{Name: t.name, MIMEType: "image/png", Data: data}
			return nil
		})
	}
	_ = g.Wait()

	variants := []Variant{original}
	for i := range results {
		if failures[i] == nil {
			variants = append(variants, results[i])
		}
	}
	return variants, errors.Join(failures...)
}

func failAllDerived(cause error) error {
	errs := make([]error, 0, len(derivedTransforms))
	for _, t := range derivedTransforms {
		errs = append(errs, fmt.Errorf("%s: %w", t.name, cause))
	}
	return errors.Join(errs...)
}

// runTransform isolates one transform so a panic inside it only fails that
// variant.
func runTransform(fn transformFunc, src *image.NRGBA) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	out := fn(src)
	if out == nil {
		return nil, errors.New("transform produced no image")
	}
	return encodePNG(out)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func whiteBackground(src *image.NRGBA) *image.NRGBA {
	img := threshold(cloneNRGBA(src), binarizeLevel)
	img = resize(img, CanonicalWidth, CanonicalHeight)
	img = contrast(img, contrastAmount)
	img = greyscale(img)
	return normalize(img)
}

func blackBackground(src *image.NRGBA) *image.NRGBA {
	return invert(whiteBackground(src))
}

func highContrast(src *image.NRGBA) *image.NRGBA {
	img := resize(src, CanonicalWidth, CanonicalHeight)
	img = normalize(img)
	return threshold(img, binarizeLevel)
}

func edgeDetection(src *image.NRGBA) *image.NRGBA {
	img := resize(src, CanonicalWidth, CanonicalHeight)
	img = convolve(img, laplacian)
	img = invert(img)
	return threshold(img, edgeLevel)
}

func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
	return dst
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// replaceBlack turns exact pure black pixels white. The source site paints
// obfuscation fill in #000000 while glyphs are never fully black.
func replaceBlack(src *image.NRGBA) *image.NRGBA {
	img := cloneNRGBA(src)
	eachPixel(img, func(px []uint8) {
		if px[0] == 0 && px[1] == 0 && px[2] == 0 {
			px[0], px[1], px[2] = 255, 255, 255
		}
	})
	return img
}

func resize(src *image.NRGBA, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// threshold maps pixels darker than level (mean of RGB) to black and the rest
// to white. It mutates img.
func threshold(img *image.NRGBA, level int) *image.NRGBA {
	eachPixel(img, func(px []uint8) {
		brightness := (int(px[0]) + int(px[1]) + int(px[2])) / 3
		var v uint8 = 255
		if brightness < level {
			v = 0
		}
		px[0], px[1], px[2] = v, v, v
	})
	return img
}

func contrast(img *image.NRGBA, amount float64) *image.NRGBA {
	factor := (amount + 1) / (1 - amount)
	adjust := func(v uint8) uint8 {
		return clamp(int(math.Floor(factor*(float64(v)-127) + 127)))
	}
	eachPixel(img, func(px []uint8) {
		px[0], px[1], px[2] = adjust(px[0]), adjust(px[1]), adjust(px[2])
	})
	return img
}

func greyscale(img *image.NRGBA) *image.NRGBA {
	eachPixel(img, func(px []uint8) {
		g := uint8(0.2126*float64(px[0]) + 0.7152*float64(px[1]) + 0.0722*float64(px[2]))
		px[0], px[1], px[2] = g, g, g
	})
	return img
}

// normalize stretches each RGB channel to the full 0..255 range. Channels
// with a single value are left untouched.
func normalize(img *image.NRGBA) *image.NRGBA {
	var lo, hi [3]uint8
	lo = [3]uint8{255, 255, 255}
	eachPixel(img, func(px []uint8) {
		for c := 0; c < 3; c++ {
			if px[c] < lo[c] {
				lo[c] = px[c]
			}
			if px[c] > hi[c] {
				hi[c] = px[c]
			}
		}
	})
	eachPixel(img, func(px []uint8) {
		for c := 0; c < 3; c++ {
			if hi[c] <= lo[c] {
				continue
			}
			px[c] = uint8(int(px[c]-lo[c]) * 255 / int(hi[c]-lo[c]))
		}
	})
	return img
}

func invert(img *image.NRGBA) *image.NRGBA {
	eachPixel(img, func(px []uint8) {
		px[0], px[1], px[2] = 255-px[0], 255-px[1], 255-px[2]
	})
	return img
}

// convolve applies a 3x3 kernel to the RGB channels with edge pixels
// clamped. Alpha is copied through.
func convolve(src *image.NRGBA, kernel [9]float64) *image.NRGBA {
	b := src.Rect
	dst := image.NewNRGBA(b)
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [3]float64
			k := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sx := clampIndex(x+dx, w)
					sy := clampIndex(y+dy, h)
					off := src.PixOffset(b.Min.X+sx, b.Min.Y+sy)
					for c := 0; c < 3; c++ {
						sum[c] += kernel[k] * float64(src.Pix[off+c])
					}
					k++
				}
			}
			off := dst.PixOffset(b.Min.X+x, b.Min.Y+y)
			for c := 0; c < 3; c++ {
				dst.Pix[off+c] = clamp(int(sum[c]))
			}
			dst.Pix[off+3] = src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)+3]
		}
	}
	return dst
}

func eachPixel(img *image.NRGBA, fn func(px []uint8)) {
	b := img.Rect
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y) : img.PixOffset(b.Max.X-1, y)+4]
		for i := 0; i+3 < len(row); i += 4 {
			fn(row[i : i+4 : i+4])
		}
	}
}

func clamp(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
