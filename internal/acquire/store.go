package acquire

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const artifactPrefix = "SCREENSHOT"

// Artifact is one saved screenshot. It is never modified after Save.
type Artifact struct {
	ID         uuid.UUID `json:"id"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	FileType   string    `json:"file_type"`
	TypeTag    string    `json:"type_tag"`
	ResourceID string    `json:"resource_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// Store writes artifacts into one directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// FileName is SCREENSHOT_<date-time.nanos>_<first 8 hex of id>.<ext>.
func FileName(id uuid.UUID, at time.Time, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s_%s_%s.%s",
		artifactPrefix,
		at.Format("20060102-150405.000000000"),
		strings.ReplaceAll(id.String(), "-", "")[:8],
		ext)
}

// Save writes data to a temporary file and renames it into place, so a
// failed capture never leaves a partial artifact behind.
func (s *Store) Save(data []byte, id uuid.UUID, at time.Time, ext string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	final := filepath.Join(s.dir, FileName(id, at, ext))
	if _, err := os.Lstat(final); err == nil {
		return "", fmt.Errorf("artifact %s already exists", final)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".capture-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}

	return final, nil
}

// List returns the artifact files in the store directory, oldest first.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, artifactPrefix+"_*"))
	if err != nil {
		return nil, err
	}
	// the timestamp in the name sorts lexically; Glob already returns sorted
	return matches, nil
}
