// Package grabcut 提供不依赖外部模型的前景分割，基于 OpenCV GrabCut
package grabcut

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/aviralgarg05/Image-to-3d/config"
	"github.com/aviralgarg05/Image-to-3d/service"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// GrabCut 掩码取值
const (
	gcBGD   = 0
	gcFGD   = 1
	gcPrBGD = 2
	gcPrFGD = 3
)

// Segmenter 实现 service.Segmenter
type Segmenter struct {
	iterations int
	borderSize int
	maxSide    int
}

func New(cfg *config.GrabCutConfig) *Segmenter {
	s := &Segmenter{
		iterations: cfg.Iterations,
		borderSize: cfg.BorderSize,
		maxSide:    cfg.MaxSide,
	}
	if s.iterations <= 0 {
		s.iterations = 5
	}
	if s.maxSide <= 0 {
		s.maxSide = 1200
	}
	return s
}

func (s *Segmenter) NewSession(ctx context.Context) (service.Session, error) {
	return service.NewModelSession("grabcut"), nil
}

// RemoveBackground 返回与输入同尺寸的 RGBA，前景 alpha 为 255，背景为 0
func (s *Segmenter) RemoveBackground(ctx context.Context, img image.Image, _ service.Session) (*image.NRGBA, error) {
	startTime := time.Now()

	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image to mat: %w", err)
	}
	defer src.Close()
	if src.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	width, height := src.Cols(), src.Rows()

	scaled, scale := resizeToFit(&src, s.maxSide)
	defer scaled.Close()

	fgMask := s.segment(&scaled)
	defer func() { fgMask.Close() }()

	// 还原到原始尺寸
	if scale != 1.0 {
		resized := gocv.NewMat()
		gocv.Resize(fgMask, &resized, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
		gocv.Threshold(resized, &resized, 127, 255, gocv.ThresholdBinary)
		fgMask.Close()
		fgMask = resized
	}

	largest := keepLargest(&fgMask)
	defer largest.Close()

	out, err := withAlpha(img, &largest)
	if err != nil {
		return nil, err
	}

	utils.Named("grabcut").Debug("grabcut segmentation finished",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("scale", scale),
		zap.Int("foreground_pixels", gocv.CountNonZero(largest)),
		zap.Duration("duration", time.Since(startTime)))

	return out, nil
}

// segment 用显著性图初始化 GrabCut，再以掩码模式细化
func (s *Segmenter) segment(img *gocv.Mat) gocv.Mat {
	w, h := img.Cols(), img.Rows()

	saliency := detectSaliency(img)
	defer saliency.Close()

	mask, ok := initMask(&saliency, w, h)
	defer mask.Close()

	bgdModel := gocv.NewMat()
	defer bgdModel.Close()
	fgdModel := gocv.NewMat()
	defer fgdModel.Close()

	if ok {
		gocv.GrabCut(*img, &mask, image.Rectangle{}, &bgdModel, &fgdModel, s.iterations, gocv.GCInitWithMask)
	} else {
		// 显著性为空时退回到去掉边框的矩形
		border := s.borderSize
		if border <= 0 || 2*border >= min(w, h) {
			border = max(1, min(w, h)/20)
		}
		rect := image.Rect(border, border, w-border, h-border)
		gocv.GrabCut(*img, &mask, rect, &bgdModel, &fgdModel, s.iterations, gocv.GCInitWithRect)
	}
	gocv.GrabCut(*img, &mask, image.Rectangle{}, &bgdModel, &fgdModel, 2, gocv.GCInitWithMask)

	fg := foregroundOf(&mask)
	defer fg.Close()

	smoothed := morphologyOptimize(&fg, 5)
	defer smoothed.Close()

	return refineEdges(&smoothed)
}

// resizeToFit 长边超过 maxSide 时等比缩小
func resizeToFit(img *gocv.Mat, maxSide int) (gocv.Mat, float64) {
	width, height := img.Cols(), img.Rows()
	longest := max(width, height)
	if longest <= maxSide {
		return img.Clone(), 1.0
	}

	scale := float64(maxSide) / float64(longest)
	size := image.Point{
		X: max(1, int(math.Round(float64(width)*scale))),
		Y: max(1, int(math.Round(float64(height)*scale))),
	}

	resized := gocv.NewMat()
	gocv.Resize(*img, &resized, size, 0, 0, gocv.InterpolationArea)
	return resized, scale
}

// withAlpha 以原图 RGB 与单通道掩码组装 NRGBA
func withAlpha(img image.Image, mask *gocv.Mat) (*image.NRGBA, error) {
	b := img.Bounds()
	if mask.Cols() != b.Dx() || mask.Rows() != b.Dy() {
		return nil, fmt.Errorf("mask size %dx%d does not match image %dx%d", mask.Cols(), mask.Rows(), b.Dx(), b.Dy())
	}

	alpha := mask.ToBytes()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := out.PixOffset(x, y)
			out.Pix[i] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(bl >> 8)
			out.Pix[i+3] = alpha[y*b.Dx()+x]
		}
	}
	return out, nil
}
