package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aviralgarg05/Image-to-3d/config"
	"github.com/aviralgarg05/Image-to-3d/metrics"
	"github.com/aviralgarg05/Image-to-3d/middleware"
	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/aviralgarg05/Image-to-3d/service"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// DownloadName 返回给调用方的文件名
	DownloadName   = "3d_model.obj"
	objContentType = "model/obj"
)

type GenerateHandler struct {
	cfg      *config.Config
	pipeline *service.Pipeline
	metrics  *metrics.Collector
}

func NewGenerateHandler(cfg *config.Config, pipeline *service.Pipeline, m *metrics.Collector) *GenerateHandler {
	return &GenerateHandler{
		cfg:      cfg,
		pipeline: pipeline,
		metrics:  m,
	}
}

// Generate 上传图片，返回重建得到的 OBJ 文件
func (h *GenerateHandler) Generate(c *gin.Context) {
	logger := utils.Logger.With(zap.String("request_id", middleware.RequestIDFrom(c)))

	file, err := c.FormFile("image")
	if err != nil {
		logger.Debug("image field missing", zap.Error(err))
		h.fail(c, logger, &model.Error{Kind: model.KindMissingInput, Err: errors.New(model.MsgNoImage)})
		return
	}

	if limit := h.cfg.Server.MaxUploadSize; limit > 0 && file.Size > limit {
		h.fail(c, logger, model.Errorf(model.KindPreprocess, "validate upload",
			"image of %d bytes exceeds the %d MB limit", file.Size, limit/(1024*1024)))
		return
	}

	// 所有临时文件在返回前删除，包括出错和 panic 的情况
	scope := h.pipeline.Artifacts().NewScope()
	defer func() {
		if err := scope.Close(); err != nil {
			logger.Warn("failed to clean up temp files", zap.Error(err))
		}
	}()

	input, err := scope.Acquire(uploadSuffix(file.Filename))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if err := c.SaveUploadedFile(file, input.Path); err != nil {
		h.fail(c, logger, model.NewError(model.KindResource, "save upload", err))
		return
	}

	md5, size, err := utils.FileDigest(input.Path)
	if err != nil {
		logger.Warn("failed to calculate md5", zap.Error(err))
	}
	logger.Info("image uploaded",
		zap.String("filename", file.Filename),
		zap.String("md5", md5),
		zap.Int64("size", size))

	// 请求一旦开始就跑完，客户端断开不取消模型调用
	ctx := context.WithoutCancel(c.Request.Context())

	start := time.Now()
	out, mesh, err := h.pipeline.Run(ctx, scope, input.Path)
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	logger.Info("mesh generated",
		zap.String("md5", md5),
		zap.Int("vertices", len(mesh.Vertices)),
		zap.Int("faces", len(mesh.Faces)),
		zap.String("device", h.pipeline.Device()),
		zap.Duration("duration", time.Since(start)))

	// 不走 http.ServeFile，忽略 Range 与条件请求，始终返回完整文件
	f, err := os.Open(out.Path)
	if err != nil {
		h.fail(c, logger, model.NewError(model.KindExport, "open export file", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.fail(c, logger, model.NewError(model.KindExport, "stat export file", err))
		return
	}

	c.DataFromReader(http.StatusOK, info.Size(), objContentType, f, map[string]string{
		"Content-Disposition": `attachment; filename="` + DownloadName + `"`,
	})
}

// fail 唯一把错误转换为 HTTP 响应的地方
func (h *GenerateHandler) fail(c *gin.Context, logger *zap.Logger, err error) {
	status := model.HTTPStatus(err)
	kind := model.KindOf(err)
	h.metrics.RecordFailure(string(kind))

	if status >= http.StatusInternalServerError {
		logger.Error("failed to generate mesh",
			zap.String("kind", string(kind)),
			zap.Error(err))
	} else {
		logger.Warn("rejected request",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	c.JSON(status, model.ErrorResponse{Error: err.Error()})
}

func uploadSuffix(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return ext
	}
	return ".png"
}
