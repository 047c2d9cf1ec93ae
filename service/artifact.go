package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"go.uber.org/zap"
)

// Artifact 请求范围内的临时文件
type Artifact struct {
	Path string
}

// ArtifactManager 负责创建和删除临时文件
type ArtifactManager struct {
	dir string
}

func NewArtifactManager(dir string) (*ArtifactManager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.NewError(model.KindResource, "create temp dir", err)
	}
	return &ArtifactManager{dir: dir}, nil
}

// Dir 临时文件所在目录
func (m *ArtifactManager) Dir() string {
	return m.dir
}

// Acquire 创建一个以 suffix 结尾的唯一空文件
func (m *ArtifactManager) Acquire(suffix string) (*Artifact, error) {
	path := filepath.Join(m.dir, "mesh-"+utils.NewID()+suffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, model.NewError(model.KindResource, "acquire temp file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, model.NewError(model.KindResource, "acquire temp file", err)
	}
	return &Artifact{Path: path}, nil
}

// Release 删除临时文件，文件已不存在时不视为错误
func (m *ArtifactManager) Release(a *Artifact) error {
	if a == nil {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.NewError(model.KindResource, "release temp file", err)
	}
	return nil
}

// NewScope 创建一个作用域，Close 时释放其中获取的全部文件
func (m *ArtifactManager) NewScope() *Scope {
	return &Scope{manager: m}
}

// Scope 单个请求持有的临时文件集合
type Scope struct {
	manager   *ArtifactManager
	mu        sync.Mutex
	artifacts []*Artifact
	closed    bool
}

func (s *Scope) Acquire(suffix string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, model.Errorf(model.KindResource, "acquire temp file", "scope already closed")
	}
	a, err := s.manager.Acquire(suffix)
	if err != nil {
		return nil, err
	}
	s.artifacts = append(s.artifacts, a)
	return a, nil
}

// Close 释放全部文件，可重复调用
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, a := range s.artifacts {
		if err := s.manager.Release(a); err != nil {
			utils.Logger.Warn("failed to delete temp file",
				zap.String("file", a.Path),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		utils.Logger.Debug("temp file deleted", zap.String("file", a.Path))
	}
	s.artifacts = nil

	if len(errs) > 0 {
		return model.NewError(model.KindResource, "release scope", fmt.Errorf("%d temp files not removed: %w", len(errs), errors.Join(errs...)))
	}
	return nil
}
