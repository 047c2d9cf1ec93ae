package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"go.uber.org/zap"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda:0"
)

// Reconstructor 单图三维重建模型
type Reconstructor interface {
	// Infer 在无梯度模式下为每张图片生成 scene code
	Infer(ctx context.Context, images []image.Image, device string) ([]model.SceneCode, error)
	// ExtractMesh 从 scene code 提取网格，resolution 为每轴体素数
	ExtractMesh(ctx context.Context, codes []model.SceneCode, hasVertexColor bool, resolution int) ([]*model.Mesh, error)
}

// PretrainedModel 预训练模型的位置
type PretrainedModel struct {
	Repo       string `json:"repo"`
	ConfigName string `json:"config_name"`
	WeightName string `json:"weight_name"`
}

// ModelInfo 模型服务加载模型后的返回
type ModelInfo struct {
	ModelID       string `json:"model_id"`
	CUDAAvailable bool   `json:"cuda_available"`
}

// TripoSRClient 通过 HTTP 调用常驻的重建模型服务
type TripoSRClient struct {
	baseURL string
	client  *http.Client

	mu   sync.RWMutex
	info *ModelInfo
}

func NewTripoSRClient(baseURL string, timeout time.Duration) *TripoSRClient {
	return &TripoSRClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// FromPretrained 让模型服务加载权重，进程启动时调用一次
func (c *TripoSRClient) FromPretrained(ctx context.Context, pm PretrainedModel) (*ModelInfo, error) {
	var info ModelInfo
	if err := c.post(ctx, "/v1/models", pm, &info); err != nil {
		return nil, fmt.Errorf("load pretrained model %s: %w", pm.Repo, err)
	}
	if info.ModelID == "" {
		return nil, fmt.Errorf("load pretrained model %s: empty model id", pm.Repo)
	}

	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()

	utils.Named("triposr").Info("reconstruction model loaded",
		zap.String("repo", pm.Repo),
		zap.String("model_id", info.ModelID),
		zap.Bool("cuda_available", info.CUDAAvailable))

	return &info, nil
}

// ResolveDevice auto 时有 CUDA 用 cuda:0，否则用 cpu
func (c *TripoSRClient) ResolveDevice(requested string) string {
	if requested != "" && requested != DeviceAuto {
		return requested
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info != nil && c.info.CUDAAvailable {
		return DeviceCUDA
	}
	return DeviceCPU
}

func (c *TripoSRClient) modelID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return "", fmt.Errorf("reconstruction model not loaded")
	}
	return c.info.ModelID, nil
}

type inferRequest struct {
	ModelID string   `json:"model_id"`
	Device  string   `json:"device"`
	NoGrad  bool     `json:"no_grad"`
	Images  []string `json:"images"` // base64 PNG
}

type inferResponse struct {
	SceneCodes []model.SceneCode `json:"scene_codes"`
}

func (c *TripoSRClient) Infer(ctx context.Context, images []image.Image, device string) ([]model.SceneCode, error) {
	id, err := c.modelID()
	if err != nil {
		return nil, err
	}

	req := inferRequest{ModelID: id, Device: device, NoGrad: true}
	for _, img := range images {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode model input: %w", err)
		}
		req.Images = append(req.Images, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}

	var resp inferResponse
	if err := c.post(ctx, "/v1/infer", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.SceneCodes) != len(images) {
		return nil, fmt.Errorf("model returned %d scene codes for %d images", len(resp.SceneCodes), len(images))
	}
	return resp.SceneCodes, nil
}

type extractRequest struct {
	ModelID        string            `json:"model_id"`
	SceneCodes     []model.SceneCode `json:"scene_codes"`
	HasVertexColor bool              `json:"has_vertex_color"`
	Resolution     int               `json:"resolution"`
}

type extractResponse struct {
	Meshes []*model.Mesh `json:"meshes"`
}

func (c *TripoSRClient) ExtractMesh(ctx context.Context, codes []model.SceneCode, hasVertexColor bool, resolution int) ([]*model.Mesh, error) {
	id, err := c.modelID()
	if err != nil {
		return nil, err
	}

	var resp extractResponse
	req := extractRequest{ModelID: id, SceneCodes: codes, HasVertexColor: hasVertexColor, Resolution: resolution}
	if err := c.post(ctx, "/v1/extract-mesh", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Meshes) != len(codes) {
		return nil, fmt.Errorf("model returned %d meshes for %d scene codes", len(resp.Meshes), len(codes))
	}
	return resp.Meshes, nil
}

type apiError struct {
	Error string `json:"error"`
}

func (c *TripoSRClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("model server request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read model server response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("model server %s returned %d: %s", path, resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("model server %s returned %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode model server response: %w", err)
	}
	return nil
}
