package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactManager_AcquireRelease(t *testing.T) {
	m, err := NewArtifactManager(t.TempDir())
	require.NoError(t, err)

	a, err := m.Acquire(".png")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(a.Path, ".png"))
	assert.Equal(t, m.Dir(), filepath.Dir(a.Path))
	assert.FileExists(t, a.Path)

	b, err := m.Acquire(".png")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)

	require.NoError(t, m.Release(a))
	assert.NoFileExists(t, a.Path)

	// 重复释放不报错
	require.NoError(t, m.Release(a))
	require.NoError(t, m.Release(nil))
}

func TestArtifactManager_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "tmp")
	m, err := NewArtifactManager(dir)
	require.NoError(t, err)
	assert.DirExists(t, m.Dir())
}

func TestArtifactManager_AcquireFailure(t *testing.T) {
	dir := t.TempDir()
	m, err := NewArtifactManager(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, err = m.Acquire(".obj")
	require.Error(t, err)
	assert.Equal(t, model.KindResource, model.KindOf(err))
}

func TestScope_CloseReleasesAll(t *testing.T) {
	dir := t.TempDir()
	m, err := NewArtifactManager(dir)
	require.NoError(t, err)

	scope := m.NewScope()
	in, err := scope.Acquire(".png")
	require.NoError(t, err)
	out, err := scope.Acquire(".obj")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(out.Path, []byte("v 0 0 0\n"), 0o600))

	require.NoError(t, scope.Close())
	assert.NoFileExists(t, in.Path)
	assert.NoFileExists(t, out.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, scope.Close())
	_, err = scope.Acquire(".png")
	assert.Equal(t, model.KindResource, model.KindOf(err))
}

func TestScope_ReleasesOnPanic(t *testing.T) {
	dir := t.TempDir()
	m, err := NewArtifactManager(dir)
	require.NoError(t, err)

	var path string
	func() {
		defer func() { _ = recover() }()
		scope := m.NewScope()
		defer scope.Close()
		a, err := scope.Acquire(".png")
		require.NoError(t, err)
		path = a.Path
		panic("boom")
	}()

	assert.NoFileExists(t, path)
}
