package acquire

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	id := uuid.MustParse("0123abcd-0000-4000-8000-000000000000")
	at := time.Date(2024, 12, 24, 18, 30, 5, 42, time.UTC)

	assert.Equal(t, "SCREENSHOT_20241224-183005.000000042_0123abcd.png", FileName(id, at, "PNG"))
	assert.Equal(t, "SCREENSHOT_20241224-183005.000000042_0123abcd.bmp", FileName(id, at, ".bmp"))
	assert.Equal(t, "SCREENSHOT_20241224-183005.000000042_0123abcd.bin", FileName(id, at, ""))
}

func TestStore_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	store := NewStore(dir)

	id := uuid.New()
	at := time.Now()

	path, err := store.Save([]byte("payload"), id, at, "png")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = store.Save([]byte("other"), id, at, "png")
	assert.Error(t, err, "existing artifact must not be overwritten")

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	files, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
