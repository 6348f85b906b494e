package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Uploader publishes a finished artifact, such as a campaign report, and
// returns where it can be fetched.
type Uploader interface {
	UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
}

type localUploader struct {
	rootDir string
}

func NewLocalUploader(rootDir string) Uploader {
	return &localUploader{rootDir: rootDir}
}

func (u *localUploader) UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	dst := filepath.Join(u.rootDir, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create publish dir: %w", err)
	}
	// a published file is always complete: write aside, then rename
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", dst, err)
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, nil
}
