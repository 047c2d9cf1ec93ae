package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/aviralgarg05/Image-to-3d/utils"
	"go.uber.org/zap"
)

// Session 分割模型会话
type Session interface {
	Model() string
}

// Segmenter 前景分割，返回与输入同尺寸的 RGBA 图像，alpha 即前景掩码
type Segmenter interface {
	NewSession(ctx context.Context) (Session, error)
	RemoveBackground(ctx context.Context, img image.Image, session Session) (*image.NRGBA, error)
}

type modelSession string

func (s modelSession) Model() string { return string(s) }

// NewModelSession 以模型名构造会话
func NewModelSession(name string) Session {
	return modelSession(name)
}

// RembgClient 通过 HTTP 调用 rembg 服务 (POST /api/remove)
type RembgClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewRembgClient(baseURL, modelName string, timeout time.Duration) *RembgClient {
	return &RembgClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RembgClient) NewSession(ctx context.Context) (Session, error) {
	return NewModelSession(c.model), nil
}

// RemoveBackground 上传 PNG 并解析返回的带 alpha 的 PNG
func (c *RembgClient) RemoveBackground(ctx context.Context, img image.Image, session Session) (*image.NRGBA, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if session != nil && session.Model() != "" {
		if err := mw.WriteField("model", session.Model()); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, err
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode segmentation input: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/remove", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segmentation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("segmentation service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode segmentation output: %w", err)
	}

	utils.Named("rembg").Debug("background removed",
		zap.String("model", c.model),
		zap.Duration("duration", time.Since(start)))

	return toNRGBA(out), nil
}

// toNRGBA 转为以原点为起点的 NRGBA
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
