package handler

import (
	"net/http"

	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/gin-gonic/gin"
)

// BuildInfo 通过 -ldflags 注入的构建信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	BuildID   string `json:"build_id"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
}

type HealthHandler struct {
	build  BuildInfo
	device string
}

func NewHealthHandler(build BuildInfo, device string) *HealthHandler {
	return &HealthHandler{build: build, device: device}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, model.HealthResponse{
		Status:  "ok",
		Version: h.build.Version,
		Device:  h.device,
	})
}

func (h *HealthHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, h.build)
}
