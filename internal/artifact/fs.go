package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Compile-time interface assertion.
var _ Store = (*FS)(nil)

// FSOption configures an [FS] store.
type FSOption func(*FS)

// WithFSClock replaces the clock used for artifact names.
func WithFSClock(now func() time.Time) FSOption {
	return func(s *FS) {
		s.namer.now = now
	}
}

// WithFSSuffix replaces the random suffix generator. Intended for tests.
func WithFSSuffix(suffix func() string) FSOption {
	return func(s *FS) {
		s.namer.suffix = suffix
	}
}

// FS stores artifacts below a root directory. References are file paths
// that include the root.
type FS struct {
	root  string
	namer namer
}

// NewFS creates an FS store rooted at root, creating the directory if needed.
func NewFS(root string, opts ...FSOption) (*FS, error) {
	if root == "" {
		return nil, errors.New("artifact: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	s := &FS{root: filepath.Clean(root), namer: defaultNamer()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Save implements [Store].
func (s *FS) Save(ctx context.Context, userID, name, ext string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, userID)

	for attempt := 0; ; attempt++ {
		file, err := s.namer.fileName(userID, name, ext)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("artifact: create user dir: %w", err)
		}
		path := filepath.Join(dir, file)
		err = writeExclusive(path, data)
		if errors.Is(err, fs.ErrExist) && attempt < maxCollisionRetries {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("artifact: save %s: %w", file, err)
		}
		return path, nil
	}
}

// writeExclusive creates path and fails with fs.ErrExist if it exists.
func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// Open implements [Store].
func (s *FS) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: open: %w", err)
	}
	return f, nil
}

// Owner implements [Store].
func (s *FS) Owner(ref string) (string, error) {
	key, err := s.key(ref)
	if err != nil {
		return "", err
	}
	return ownerOf(key)
}

// Check implements [Store] by creating and removing a probe file.
func (s *FS) Check(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("artifact: root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// key converts a reference into a "<user>/<file>" key relative to the root.
func (s *FS) key(ref string) (string, error) {
	rel, err := filepath.Rel(s.root, filepath.Clean(ref))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: reference %q outside store", ErrInvalidName, ref)
	}
	key := filepath.ToSlash(rel)
	if _, err := ownerOf(key); err != nil {
		return "", err
	}
	return key, nil
}
