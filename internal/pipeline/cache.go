package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cache holds per-video intermediate artifacts on disk so that re-entered
// jobs (partial failure, restart, scheduled retry) skip work already done.
type Cache struct {
	dir string
}

// NewCache creates the cache directories under dir.
func NewCache(dir string) (*Cache, error) {
	for _, sub := range []string{"transcripts", "notes", "assessments"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(kind, videoID string) string {
	return filepath.Join(c.dir, kind, videoID+".txt")
}

// Load returns the cached artifact of the given kind, or ok=false.
func (c *Cache) Load(kind, videoID string) (string, bool) {
	data, err := os.ReadFile(c.path(kind, videoID))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// Store writes the artifact; a failed write is not fatal to the job, the
// stage simply loses its re-entry shortcut.
func (c *Cache) Store(kind, videoID, content string) error {
	return os.WriteFile(c.path(kind, videoID), []byte(content), 0o644)
}
