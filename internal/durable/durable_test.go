package durable

import (
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.json")
	require.NoError(t, WriteFile(path, []byte(`{"loss":[1]}`)))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"loss":[1]}`, string(contents))

	// Overwrite.
	require.NoError(t, WriteFile(path, []byte("{}")))
	contents, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "{}", string(contents))

	require.Error(t, WriteFile(filepath.Join(dir, "missing", "x.json"), nil))
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, SyncDir(dir))
	require.Error(t, SyncDir(filepath.Join(dir, "missing")))
}
