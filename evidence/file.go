package evidence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/dues-engine/generic"
)

// FileStore keeps documents under a local directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(_ context.Context, key string, u Upload) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return &generic.StoreError{Op: "evidence mkdir", Err: err}
	}
	if err := os.WriteFile(p, u.Data, 0o644); err != nil {
		return &generic.StoreError{Op: "evidence write", Err: err}
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (Object, error) {
	p, err := s.path(key)
	if err != nil {
		return Object{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, &generic.NotFoundError{Entity: "evidence", ID: key}
	}
	if err != nil {
		return Object{}, &generic.StoreError{Op: "evidence read", Err: err}
	}
	return Object{Key: key, ContentType: ContentTypeFor(key), Data: data}, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &generic.StoreError{Op: "evidence delete", Err: err}
	}
	return nil
}

// path resolves key under root, rejecting anything that would escape it.
func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", &generic.ValidationError{Field: "evidence", Message: fmt.Sprintf("invalid key %q", key)}
	}
	return filepath.Join(s.root, clean), nil
}
