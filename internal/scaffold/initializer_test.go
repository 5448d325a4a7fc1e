package scaffold

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/store"
)

func TestInitialize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, false))

	for _, f := range Files {
		info, err := os.Stat(filepath.Join(dir, f.Path))
		require.NoError(t, err, f.Path)
		assert.Equal(t, f.Permissions, info.Mode().Perm(), f.Path)
	}

	cfg, err := config.Load(filepath.Join(dir, config.DefaultPath))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Experiment)

	// The scaffolded fragment is picked up by the store.
	s, err := store.Load(cfg.SearchPath()...)
	require.NoError(t, err)
	frag, ok := s.Get("trainer", "gpu")
	require.True(t, ok)
	v, _ := frag.Body.Get("accelerator")
	assert.Equal(t, "gpu", v)

	// And the example protocol resolves.
	p, err := protocol.NewDatabase(cfg.Resolve(cfg.Database)).Get("Example.SpeakerDiarization.Debug")
	require.NoError(t, err)
	assert.Contains(t, p.Subsets, "train")
	assert.Contains(t, p.Subsets, "development")
	assert.Equal(t, filepath.Join(dir, "lists/train.txt"), p.Subsets["train"].URI)
}

func TestInitialize_RefusesExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lodge.yml"), []byte("old"), 0644))

	err := Initialize(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project already initialized")
	assert.Contains(t, err.Error(), "lodge.yml")

	content, err := os.ReadFile(filepath.Join(dir, "lodge.yml"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
}

func TestInitialize_Force(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lodge.yml"), []byte("old"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("keep\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf", "model"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conf", "model", "mine.yaml"), []byte("x: 1\n"), 0644))

	require.NoError(t, Initialize(dir, true))

	_, err := config.Load(filepath.Join(dir, "lodge.yml"))
	require.NoError(t, err)

	gitignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "keep\n", string(gitignore))

	_, err = os.Stat(filepath.Join(dir, "conf", "model", "mine.yaml"))
	assert.NoError(t, err)
}

func TestPrintSuccess(t *testing.T) {
	var buf bytes.Buffer
	PrintSuccess(&buf)
	assert.Contains(t, buf.String(), "lodge.yml")
	assert.Contains(t, buf.String(), "conf/trainer/gpu.yaml")
}
