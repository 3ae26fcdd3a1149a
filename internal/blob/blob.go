// Package blob provides opaque-reference object storage for capture payloads.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store persists opaque payloads and returns references; the core only ever
// stores the reference, never the payload.
type Store interface {
	Put(ctx context.Context, sessionID string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FileStore implements Store on the local filesystem under a base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a filesystem-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put writes the payload and returns its reference.
func (s *FileStore) Put(_ context.Context, sessionID string, data []byte) (string, error) {
	ref := filepath.Join(sessionID, uuid.New().String())
	path := filepath.Join(s.baseDir, ref)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create session blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return ref, nil
}

// Get reads a payload back by reference.
func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	// References are store-issued; reject anything trying to escape the root.
	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid blob reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, clean))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}
