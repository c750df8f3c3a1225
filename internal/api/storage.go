package api

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeUploadedFile stores content under cfg.WorkDir/key/filename and
// returns the path an InputFileSpec.LocalFile should reference. key and
// filename are both sanitized against directory traversal -- an
// uploader does not get to escape its own working directory.
func (f *Facade) writeUploadedFile(key, filename string, content []byte) (string, error) {
	safeKey, err := sanitizeSegment(key)
	if err != nil {
		return "", fmt.Errorf("access key: %w", err)
	}
	safeName, err := sanitizeSegment(filename)
	if err != nil {
		return "", fmt.Errorf("filename: %w", err)
	}

	dir := filepath.Join(f.cfg.WorkDir, safeKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, safeName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeSegment(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty")
	}
	clean := filepath.Clean(s)
	if clean == "." || clean == ".." || strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid path segment %q", s)
	}
	return clean, nil
}
