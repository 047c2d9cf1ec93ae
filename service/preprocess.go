package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultForegroundRatio = 0.85
	DefaultCanvasSize      = 512
	// 4096x4096，解码前按声明尺寸拒绝更大的图片
	DefaultMaxPixels = 4096 * 4096

	// 合成背景的中性灰
	backgroundGray = 0.5
)

// PreprocessOptions 单次预处理参数
type PreprocessOptions struct {
	RemoveBackground bool
	ForegroundRatio  float64
}

// Preprocessor 将任意图片转换为重建模型期望的输入
type Preprocessor struct {
	segmenter  Segmenter
	canvasSize int
	ratio      float64
	maxPixels  int
}

func NewPreprocessor(segmenter Segmenter, canvasSize int, foregroundRatio float64) *Preprocessor {
	if canvasSize <= 0 {
		canvasSize = DefaultCanvasSize
	}
	if foregroundRatio <= 0 || foregroundRatio > 1 {
		foregroundRatio = DefaultForegroundRatio
	}
	return &Preprocessor{
		segmenter:  segmenter,
		canvasSize: canvasSize,
		ratio:      foregroundRatio,
		maxPixels:  DefaultMaxPixels,
	}
}

// WithMaxPixels 设置解码允许的最大像素数，n <= 0 时保持默认值
func (p *Preprocessor) WithMaxPixels(n int) *Preprocessor {
	if n > 0 {
		p.maxPixels = n
	}
	return p
}

// DefaultOptions 接口使用的固定参数
func (p *Preprocessor) DefaultOptions() PreprocessOptions {
	return PreprocessOptions{RemoveBackground: true, ForegroundRatio: p.ratio}
}

// ProcessFile 读取临时文件并预处理
func (p *Preprocessor) ProcessFile(ctx context.Context, path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewError(model.KindPreprocess, "open upload", err)
	}
	defer f.Close()

	img, err := DecodeRGB(f, p.maxPixels)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, img, p.DefaultOptions())
}

// DecodeRGB 解码图片并丢弃 alpha 通道，透明像素保留原有颜色
// maxPixels > 0 时先读取图片头，声明尺寸超出即拒绝，不做完整解码
func DecodeRGB(r io.Reader, maxPixels int) (*image.NRGBA, error) {
	var head bytes.Buffer
	cfg, format, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, model.NewError(model.KindPreprocess, "decode image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, model.Errorf(model.KindPreprocess, "decode image", "%s image has no pixels", format)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > int64(maxPixels) {
		return nil, model.Errorf(model.KindPreprocess, "decode image",
			"%s image of %dx%d pixels exceeds the limit of %d pixels", format, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return nil, model.NewError(model.KindPreprocess, "decode image", err)
	}

	if img.Bounds().Empty() {
		return nil, model.Errorf(model.KindPreprocess, "decode image", "%s image has no pixels", format)
	}
	return dropAlpha(img), nil
}

// dropAlpha 按存储的颜色值转为不透明 RGB，不经过预乘
func dropAlpha(img image.Image) *image.NRGBA {
	b := img.Bounds()
	rgb := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			srcRow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dstRow := rgb.Pix[rgb.PixOffset(0, y):]
			for x := 0; x < b.Dx(); x++ {
				i := x * 4
				dstRow[i], dstRow[i+1], dstRow[i+2], dstRow[i+3] = srcRow[i], srcRow[i+1], srcRow[i+2], 0xff
			}
		}
	case *image.NRGBA64:
		// 16 位非预乘，取高字节
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := src.NRGBA64At(b.Min.X+x, b.Min.Y+y)
				rgb.SetNRGBA(x, y, color.NRGBA{R: uint8(c.R >> 8), G: uint8(c.G >> 8), B: uint8(c.B >> 8), A: 0xff})
			}
		}
	case *image.NYCbCrA:
		// 带 alpha 的 WebP，忽略 A 通道直接转换 YCbCr
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := src.YCbCrAt(b.Min.X+x, b.Min.Y+y)
				r, g, bl := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				rgb.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: 0xff})
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				c.A = 0xff
				rgb.SetNRGBA(x, y, c)
			}
		}
	}
	return rgb
}

// Process 分割、居中缩放前景、合成到灰色背景并量化为 8 位 RGB
func (p *Preprocessor) Process(ctx context.Context, rgb *image.NRGBA, opts PreprocessOptions) (*image.RGBA, error) {
	if !opts.RemoveBackground {
		return p.scaleToCanvas(rgb), nil
	}

	ratio := opts.ForegroundRatio
	if ratio <= 0 || ratio > 1 {
		ratio = p.ratio
	}

	rgba, err := p.applyMask(ctx, rgb)
	if err != nil {
		return nil, err
	}

	fg, ok := foregroundBounds(rgba)
	if !ok {
		return nil, model.Errorf(model.KindPreprocess, "segment foreground", "segmentation produced an empty foreground mask")
	}

	padded := padForeground(rgba, fg, ratio)
	scaled := p.scaleToCanvas(padded)
	out := compositeOverGray(scaled)

	utils.Logger.Debug("image preprocessed",
		zap.Int("src_width", rgb.Rect.Dx()),
		zap.Int("src_height", rgb.Rect.Dy()),
		zap.Stringer("foreground", fg),
		zap.Int("padded", padded.Rect.Dx()),
		zap.Int("canvas", p.canvasSize),
		zap.Stringer("options", opts))

	return out, nil
}

// applyMask 调用分割服务，将返回的 alpha 作为掩码套在原 RGB 上
func (p *Preprocessor) applyMask(ctx context.Context, rgb *image.NRGBA) (*image.NRGBA, error) {
	if p.segmenter == nil {
		return nil, model.Errorf(model.KindPreprocess, "segment foreground", "no segmentation backend configured")
	}

	session, err := p.segmenter.NewSession(ctx)
	if err != nil {
		return nil, model.NewError(model.KindPreprocess, "segmentation session", err)
	}
	cutout, err := p.segmenter.RemoveBackground(ctx, rgb, session)
	if err != nil {
		return nil, model.NewError(model.KindPreprocess, "remove background", err)
	}
	if cutout == nil {
		return nil, model.Errorf(model.KindPreprocess, "remove background", "segmentation returned no mask")
	}
	if cutout.Rect.Dx() != rgb.Rect.Dx() || cutout.Rect.Dy() != rgb.Rect.Dy() {
		return nil, model.Errorf(model.KindPreprocess, "remove background",
			"mask size %dx%d does not match image size %dx%d",
			cutout.Rect.Dx(), cutout.Rect.Dy(), rgb.Rect.Dx(), rgb.Rect.Dy())
	}

	w, h := rgb.Rect.Dx(), rgb.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	copy(out.Pix, rgb.Pix)
	for y := 0; y < h; y++ {
		maskRow := cutout.Pix[cutout.PixOffset(cutout.Rect.Min.X, cutout.Rect.Min.Y+y):]
		outRow := out.Pix[out.PixOffset(0, y):]
		for x := 0; x < w; x++ {
			outRow[x*4+3] = maskRow[x*4+3]
		}
	}
	return out, nil
}

// foregroundBounds alpha > 0 像素的包围盒
func foregroundBounds(img *image.NRGBA) (image.Rectangle, bool) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	minX, minY, maxX, maxY := w, h, -1, -1
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(0, y):]
		for x := 0; x < w; x++ {
			if row[x*4+3] == 0 {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// padForeground 裁出前景，先补成正方形，再按比例补边，两次都居中，背景透明
func padForeground(img *image.NRGBA, fg image.Rectangle, ratio float64) *image.NRGBA {
	size := max(fg.Dx(), fg.Dy())
	newSize := max(int(float64(size)/ratio), size)

	offX := (newSize-size)/2 + (size-fg.Dx())/2
	offY := (newSize-size)/2 + (size-fg.Dy())/2

	dst := image.NewNRGBA(image.Rect(0, 0, newSize, newSize))
	draw.Draw(dst, image.Rect(offX, offY, offX+fg.Dx(), offY+fg.Dy()), img, fg.Min, draw.Src)
	return dst
}

func (p *Preprocessor) scaleToCanvas(src *image.NRGBA) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, p.canvasSize, p.canvasSize))
	if src.Rect.Dx() == p.canvasSize && src.Rect.Dy() == p.canvasSize {
		draw.Draw(dst, dst.Rect, src, src.Rect.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return dst
}

// compositeOverGray out = rgb*alpha + (1-alpha)*0.5
// image.RGBA 已是预乘值，即 rgb*alpha
func compositeOverGray(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	for i := 0; i < len(src.Pix); i += 4 {
		alpha := float64(src.Pix[i+3]) / 255.0
		for c := 0; c < 3; c++ {
			v := float64(src.Pix[i+c])/255.0 + (1-alpha)*backgroundGray
			dst.Pix[i+c] = quantize(v)
		}
		dst.Pix[i+3] = 0xff
	}
	return dst
}

// quantize 截断到 [0,255]，epsilon 抵消 x/255*255 的浮点误差
func quantize(v float64) uint8 {
	v = v*255.0 + 1e-6
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

// String 方便日志输出
func (o PreprocessOptions) String() string {
	return fmt.Sprintf("remove_bg=%t ratio=%.2f", o.RemoveBackground, o.ForegroundRatio)
}
