package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archive keeps raw imported calendar feeds on disk so a committed import
// can be audited against the bytes the teacher actually uploaded.
type Archive struct {
	baseDir string
}

// NewArchive ensures the base directory exists and returns a handle.
func NewArchive(baseDir string) (*Archive, error) {
	if baseDir == "" {
		baseDir = "./feed-archive"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Archive{baseDir: baseDir}, nil
}

// Save stores one feed under the preview token that referenced it.
func (a *Archive) Save(previewID string, feed []byte) (string, error) {
	name := a.fileName(previewID)
	if err := os.WriteFile(filepath.Join(a.baseDir, name), feed, 0o644); err != nil {
		return "", fmt.Errorf("write archived feed: %w", err)
	}
	return name, nil
}

// Read returns the archived feed bytes for a preview token.
func (a *Archive) Read(previewID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(a.baseDir, a.fileName(previewID)))
	if err != nil {
		return nil, fmt.Errorf("read archived feed: %w", err)
	}
	return data, nil
}

// Remove deletes an archived feed if present.
func (a *Archive) Remove(previewID string) error {
	err := os.Remove(filepath.Join(a.baseDir, a.fileName(previewID)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete archived feed: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes feeds past their retention and returns the
// removed file names.
func (a *Archive) CleanupOlderThan(retention time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-retention)
	removed := make([]string, 0)
	err := filepath.WalkDir(a.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed = append(removed, d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup archived feeds: %w", err)
	}
	return removed, nil
}

func (a *Archive) fileName(previewID string) string {
	return previewID + ".ics"
}
