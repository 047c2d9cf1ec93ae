package service

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/aviralgarg05/Image-to-3d/metrics"
	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"go.uber.org/zap"
)

// PipelineConfig 启动时确定的重建参数
type PipelineConfig struct {
	Device         string
	Resolution     int
	HasVertexColor bool
}

// Pipeline 持有进程级共享的模型与设备，启动时构造后注入 handler
type Pipeline struct {
	preprocessor  *Preprocessor
	reconstructor Reconstructor
	guard         *DeviceGuard
	exporter      *ObjExporter
	artifacts     *ArtifactManager
	metrics       *metrics.Collector
	cfg           PipelineConfig
}

func NewPipeline(
	preprocessor *Preprocessor,
	reconstructor Reconstructor,
	guard *DeviceGuard,
	artifacts *ArtifactManager,
	m *metrics.Collector,
	cfg PipelineConfig,
) *Pipeline {
	if guard == nil {
		guard = NewDeviceGuard(0, nil, m)
	}
	return &Pipeline{
		preprocessor:  preprocessor,
		reconstructor: reconstructor,
		guard:         guard,
		exporter:      NewObjExporter(),
		artifacts:     artifacts,
		metrics:       m,
		cfg:           cfg,
	}
}

// Artifacts 请求使用的临时文件管理器
func (p *Pipeline) Artifacts() *ArtifactManager {
	return p.artifacts
}

// Device 当前使用的计算设备
func (p *Pipeline) Device() string {
	return p.cfg.Device
}

// Run 预处理 inputPath，重建并导出到 scope 中新建的 .obj 文件
func (p *Pipeline) Run(ctx context.Context, scope *Scope, inputPath string) (*Artifact, *model.Mesh, error) {
	var img *image.RGBA
	err := p.stage("preprocess", func() (err error) {
		img, err = p.preprocessor.ProcessFile(ctx, inputPath)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	mesh, err := p.Reconstruct(ctx, img)
	if err != nil {
		return nil, nil, err
	}

	out, err := scope.Acquire(".obj")
	if err != nil {
		return nil, nil, err
	}
	err = p.stage("export", func() error {
		if err := p.exporter.Export(mesh, out); err != nil {
			return err
		}
		return p.exporter.Verify(mesh, out)
	})
	if err != nil {
		return nil, nil, err
	}

	p.metrics.RecordMesh(len(mesh.Vertices))
	return out, mesh, nil
}

// Reconstruct 在设备锁内执行推理与网格提取
func (p *Pipeline) Reconstruct(ctx context.Context, img image.Image) (*model.Mesh, error) {
	var mesh *model.Mesh
	err := p.guard.Do(ctx, func(ctx context.Context) error {
		var codes []model.SceneCode
		err := p.stage("infer", func() (err error) {
			codes, err = p.reconstructor.Infer(ctx, []image.Image{img}, p.cfg.Device)
			if err != nil {
				return model.NewError(model.KindInference, "infer scene codes", err)
			}
			if len(codes) != 1 {
				return model.Errorf(model.KindInference, "infer scene codes", "expected 1 scene code, got %d", len(codes))
			}
			return nil
		})
		if err != nil {
			return err
		}

		return p.stage("extract", func() error {
			meshes, err := p.reconstructor.ExtractMesh(ctx, codes, p.cfg.HasVertexColor, p.cfg.Resolution)
			if err != nil {
				return model.NewError(model.KindInference, "extract mesh", err)
			}
			if len(meshes) == 0 || meshes[0] == nil {
				return model.Errorf(model.KindInference, "extract mesh", "model returned no mesh")
			}
			mesh = meshes[0]
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mesh, nil
}

func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	p.metrics.RecordStage(name, d)

	if err != nil {
		return err
	}
	utils.Logger.Debug("stage finished", zap.String("stage", name), zap.Duration("duration", d))
	return nil
}

// String 方便日志输出
func (c PipelineConfig) String() string {
	return fmt.Sprintf("device=%s resolution=%d vertex_color=%t", c.Device, c.Resolution, c.HasVertexColor)
}
