// Package blob stores and retrieves document bytes by key.
package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when no blob exists for a key.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes document bytes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Local is a filesystem Store rooted at a directory.
type Local struct {
	root string
}

// NewLocal creates a Local store, creating root if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: resolve root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", abs)
	}
	return &Local{root: abs}, nil
}

// path maps key to a file under root, rejecting keys that escape it.
func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if key == "" || clean == string(filepath.Separator) {
		return "", eris.Errorf("blob: invalid key %q", key)
	}
	p := filepath.Join(l.root, clean)
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", eris.Errorf("blob: key %q escapes root", key)
	}
	return p, nil
}

// Get returns the bytes stored under key.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "blob: get %s", key)
	}
	return data, eris.Wrapf(err, "blob: get %s", key)
}

// Put writes data under key, replacing any previous content.
func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "blob: write %s", key)
	}
	return eris.Wrapf(os.Rename(tmp, p), "blob: commit %s", key)
}
