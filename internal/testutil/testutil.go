// Package testutil holds helpers shared by tests that need a run store,
// a project on disk or a shell.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/lodge/pkg/runstore"
)

// NewRunStore returns a run store client backed by an in-process miniredis.
// Both are closed when the test ends.
func NewRunStore(t *testing.T, namespace string) (*runstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := runstore.NewClient(&redis.Options{Addr: mr.Addr()}, namespace)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// WriteFiles creates files under dir, keyed by slash-separated relative
// path, creating parent directories as needed.
func WriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// RequireShell skips the test when sh is not on PATH.
func RequireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}
