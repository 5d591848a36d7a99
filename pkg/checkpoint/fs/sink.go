// Package fs stores namespace images in a local directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tmpSuffix = ".tmp"

// Config contains configuration for the filesystem sink.
type Config struct {
	// Path is the directory images are written to (created if missing)
	Path string `mapstructure:"path" validate:"required"`

	// Fsync flushes every image to disk before it becomes visible
	Fsync bool `mapstructure:"fsync"`
}

// Sink implements checkpoint.Sink on a local directory.
//
// Images are written to a temporary file and renamed into place, so a
// crash never leaves a truncated image under a final name.
type Sink struct {
	dir   string
	fsync bool
}

// New creates the directory if needed and returns a sink over it.
func New(config Config) (*Sink, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("filesystem sink: path is required")
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("filesystem sink: create %s: %w", config.Path, err)
	}
	return &Sink{dir: config.Path, fsync: config.Fsync}, nil
}

func (s *Sink) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("filesystem sink: invalid name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Put implements checkpoint.Sink.
func (s *Sink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	final, err := s.path(name)
	if err != nil {
		return err
	}

	tmp := final + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// Get implements checkpoint.Sink.
func (s *Sink) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// List implements checkpoint.Sink. Temporary files are skipped.
func (s *Sink) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Delete implements checkpoint.Sink.
func (s *Sink) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
