package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore persists annotated frames.
type ArtifactStore interface {
	// Save stores data under name and returns the name it was stored as.
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// DirStore writes artifacts as files in one directory.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Save implements ArtifactStore. The file is written to a temporary name and
// renamed so readers never see a partial image.
func (s *DirStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return name, nil
}

// Discard drops artifacts.
type Discard struct{}

// Save implements ArtifactStore and stores nothing.
func (Discard) Save(context.Context, string, []byte) (string, error) { return "", nil }
