package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// maskFunc 以函数生成掩码的分割器
type maskFunc func(x, y int, c color.NRGBA) uint8

func (f maskFunc) NewSession(ctx context.Context) (Session, error) {
	return NewModelSession("test"), nil
}

func (f maskFunc) RemoveBackground(ctx context.Context, img image.Image, session Session) (*image.NRGBA, error) {
	src := toNRGBA(img)
	out := image.NewNRGBA(src.Rect)
	for y := 0; y < src.Rect.Dy(); y++ {
		for x := 0; x < src.Rect.Dx(); x++ {
			c := src.NRGBAAt(x, y)
			c.A = f(x, y, c)
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

var fullMask = maskFunc(func(int, int, color.NRGBA) uint8 { return 255 })

type failingSegmenter struct {
	sessionErr error
	removeErr  error
	result     *image.NRGBA
}

func (s failingSegmenter) NewSession(ctx context.Context) (Session, error) {
	return NewModelSession("test"), s.sessionErr
}

func (s failingSegmenter) RemoveBackground(ctx context.Context, img image.Image, session Session) (*image.NRGBA, error) {
	return s.result, s.removeErr
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPreprocessor_SolidColorScenario(t *testing.T) {
	red := color.NRGBA{R: 200, G: 30, B: 90, A: 255}
	path := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, solidImage(512, 512, red)), 0o600))

	p := NewPreprocessor(fullMask, 512, DefaultForegroundRatio)
	out, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 512, 512), out.Bounds())

	// 前景 512 像素补到 602，再缩回 512，前景约占 [38, 474)
	for _, pt := range []image.Point{{256, 256}, {60, 60}, {450, 450}, {60, 450}} {
		assert.Equal(t, color.RGBA{R: 200, G: 30, B: 90, A: 255}, out.RGBAAt(pt.X, pt.Y), "point %v", pt)
	}
	for _, pt := range []image.Point{{0, 0}, {10, 256}, {256, 505}, {511, 511}} {
		assert.Equal(t, color.RGBA{R: 127, G: 127, B: 127, A: 255}, out.RGBAAt(pt.X, pt.Y), "point %v", pt)
	}
}

func TestPreprocessor_ForegroundIsRecentered(t *testing.T) {
	// 白底上偏左上的黑色方块，掩码只覆盖方块
	img := solidImage(100, 60, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for y := 5; y < 25; y++ {
		for x := 10; x < 30; x++ {
			img.SetNRGBA(x, y, color.NRGBA{A: 255})
		}
	}
	seg := maskFunc(func(x, y int, c color.NRGBA) uint8 {
		if c.R == 0 {
			return 255
		}
		return 0
	})

	p := NewPreprocessor(seg, 64, 0.5)
	out, err := p.Process(context.Background(), img, p.DefaultOptions())
	require.NoError(t, err)

	// 20 像素方块补到 40 后缩放到 64，方块位于 [16, 48)
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(32, 32))
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(20, 44))
	assert.Equal(t, color.RGBA{R: 127, G: 127, B: 127, A: 255}, out.RGBAAt(4, 4))
	assert.Equal(t, color.RGBA{R: 127, G: 127, B: 127, A: 255}, out.RGBAAt(60, 32))
}

func TestPreprocessor_WithoutBackgroundRemoval(t *testing.T) {
	img := solidImage(20, 10, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	p := NewPreprocessor(nil, 16, DefaultForegroundRatio)

	out, err := p.Process(context.Background(), img, PreprocessOptions{})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), out.Bounds())
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, out.RGBAAt(8, 8))
}

func TestPreprocessor_Errors(t *testing.T) {
	img := solidImage(8, 8, color.NRGBA{R: 1, A: 255})

	tests := []struct {
		name      string
		segmenter Segmenter
		contains  string
	}{
		{"no backend", nil, "no segmentation backend"},
		{"session", failingSegmenter{sessionErr: errors.New("model missing")}, "model missing"},
		{"remove", failingSegmenter{removeErr: errors.New("connection refused")}, "connection refused"},
		{"nil mask", failingSegmenter{}, "no mask"},
		{"size mismatch", failingSegmenter{result: image.NewNRGBA(image.Rect(0, 0, 4, 4))}, "does not match"},
		{"empty mask", maskFunc(func(int, int, color.NRGBA) uint8 { return 0 }), "empty foreground"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPreprocessor(tt.segmenter, 16, DefaultForegroundRatio)
			_, err := p.Process(context.Background(), img, p.DefaultOptions())
			require.Error(t, err)
			assert.Equal(t, model.KindPreprocess, model.KindOf(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestDecodeRGB_NotAnImage(t *testing.T) {
	_, err := DecodeRGB(strings.NewReader("this is plain text, not a picture"), 0)
	require.Error(t, err)
	assert.Equal(t, model.KindPreprocess, model.KindOf(err))
	assert.Contains(t, err.Error(), "decode")
}

func TestDecodeRGB_DropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
	src.SetNRGBA(1, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 128})

	rgb, err := DecodeRGB(bytes.NewReader(encodePNG(t, src)), 0)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, rgb.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 40, G: 50, B: 60, A: 255}, rgb.NRGBAAt(1, 0))
}

func TestDecodeRGB_DropsAlpha16(t *testing.T) {
	src := image.NewNRGBA64(image.Rect(0, 0, 2, 1))
	src.SetNRGBA64(0, 0, color.NRGBA64{R: 200 << 8, G: 30 << 8, B: 90 << 8, A: 0})
	src.SetNRGBA64(1, 0, color.NRGBA64{R: 200 << 8, G: 30 << 8, B: 90 << 8, A: 0x0101})

	rgb, err := DecodeRGB(bytes.NewReader(encodePNG(t, src)), 0)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 200, G: 30, B: 90, A: 255}, rgb.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 200, G: 30, B: 90, A: 255}, rgb.NRGBAAt(1, 0))
}

func TestDropAlpha_NYCbCrA(t *testing.T) {
	src := image.NewNYCbCrA(image.Rect(0, 0, 2, 2), image.YCbCrSubsampleRatio444)
	y, cb, cr := color.RGBToYCbCr(200, 30, 90)
	for i := range src.Y {
		src.Y[i], src.Cb[i], src.Cr[i] = y, cb, cr
	}
	// A 全为 0

	rgb := dropAlpha(src)
	r, g, b := color.YCbCrToRGB(y, cb, cr)
	assert.Equal(t, color.NRGBA{R: r, G: g, B: b, A: 255}, rgb.NRGBAAt(1, 1))
	assert.NotEqual(t, uint8(0), rgb.NRGBAAt(1, 1).R)
}

func TestDecodeRGB_PixelLimit(t *testing.T) {
	data := encodePNG(t, image.NewGray(image.Rect(0, 0, 40, 30)))

	_, err := DecodeRGB(bytes.NewReader(data), 40*30-1)
	require.Error(t, err)
	assert.Equal(t, model.KindPreprocess, model.KindOf(err))
	assert.Contains(t, err.Error(), "40x30 pixels exceeds")

	rgb, err := DecodeRGB(bytes.NewReader(data), 40*30)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 30), rgb.Rect)
}

func TestPreprocessor_WithMaxPixels(t *testing.T) {
	p := NewPreprocessor(fullMask, 16, DefaultForegroundRatio)
	assert.Equal(t, DefaultMaxPixels, p.maxPixels)
	assert.Equal(t, 100, p.WithMaxPixels(100).maxPixels)
	assert.Equal(t, 100, p.WithMaxPixels(0).maxPixels)
}

func TestDecodeRGB_Gray(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 3))
	src.SetGray(1, 1, color.Gray{Y: 77})

	rgb, err := DecodeRGB(bytes.NewReader(encodePNG(t, src)), 0)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 77, G: 77, B: 77, A: 255}, rgb.NRGBAAt(1, 1))
}

func TestQuantize(t *testing.T) {
	assert.Equal(t, uint8(0), quantize(-0.2))
	assert.Equal(t, uint8(127), quantize(0.5))
	assert.Equal(t, uint8(200), quantize(200.0/255.0))
	assert.Equal(t, uint8(255), quantize(1.0))
	assert.Equal(t, uint8(255), quantize(1.3))
}

func TestPreprocessor_Properties(t *testing.T) {
	const canvas = 24
	seg := maskFunc(func(x, y int, c color.NRGBA) uint8 {
		if (x == 0 && y == 0) || c.R > 128 {
			return c.G | 1
		}
		return 0
	})

	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 40).Draw(t, "w")
		h := rapid.IntRange(1, 40).Draw(t, "h")
		pix := rapid.SliceOfN(rapid.Byte(), w*h*3, w*h*3).Draw(t, "pix")
		ratio := rapid.Float64Range(0.3, 1.0).Draw(t, "ratio")

		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = pix[i*3], pix[i*3+1], pix[i*3+2], 255
		}

		p := NewPreprocessor(seg, canvas, DefaultForegroundRatio)
		opts := PreprocessOptions{RemoveBackground: true, ForegroundRatio: ratio}

		first, err := p.Process(context.Background(), img, opts)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		second, err := p.Process(context.Background(), img, opts)
		if err != nil {
			t.Fatalf("process again: %v", err)
		}

		if first.Bounds() != image.Rect(0, 0, canvas, canvas) {
			t.Fatalf("unexpected bounds %v", first.Bounds())
		}
		for i := 3; i < len(first.Pix); i += 4 {
			if first.Pix[i] != 255 {
				t.Fatalf("pixel %d not opaque", i/4)
			}
		}
		if !bytes.Equal(first.Pix, second.Pix) {
			t.Fatalf("output is not deterministic")
		}
	})
}
