package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteFile writes content to path, creating parent directories, and fails
// the test on error. Intended for building config and manifest fixtures in
// temp dirs.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	dir := filepath.Dir(filepath.Clean(path))
	require.NoError(t, os.MkdirAll(dir, 0o755), "creating directory %s", dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "writing %s", path)
}
