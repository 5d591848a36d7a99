package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store"
)

var (
	// ErrNoImage is returned when a sink holds no image.
	ErrNoImage = errors.New("checkpoint: no image found")

	// ErrNotEmpty is returned by Restore when the store already holds a
	// namespace.
	ErrNotEmpty = errors.New("checkpoint: store already holds a namespace")
)

// NamePrefix starts the name of every image.
const NamePrefix = "fsimage_"

// Sink stores encoded images by name.
//
// Thread Safety: implementations must be safe for concurrent use.
type Sink interface {
	// Put stores data under name, replacing any previous value
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the data stored under name
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns every stored name, in any order
	List(ctx context.Context) ([]string, error)

	// Delete removes name. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
}

// Name returns the image name for a creation time in unix millis.
func Name(createdAt int64) string {
	return fmt.Sprintf("%s%019d", NamePrefix, createdAt)
}

// Save encodes img and stores it in sink. Returns the image name.
func Save(ctx context.Context, sink Sink, img *Image) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		return "", err
	}
	name := Name(img.Header.CreatedAt)
	if err := sink.Put(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("checkpoint: store %s: %w", name, err)
	}
	logger.Info("Saved namespace image %s: %d records, %d bytes, generation stamp %d",
		name, len(img.Records), buf.Len(), img.Header.GenerationStamp)
	return name, nil
}

// Images returns the image names held by sink, oldest first.
func Images(ctx context.Context, sink Sink) ([]string, error) {
	names, err := sink.List(ctx)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasPrefix(n, NamePrefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the name of the newest image, or ErrNoImage.
func Latest(ctx context.Context, sink Sink) (string, error) {
	names, err := Images(ctx, sink)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoImage
	}
	return names[len(names)-1], nil
}

// Load reads and decodes the image name.
func Load(ctx context.Context, sink Sink, name string) (*Image, error) {
	data, err := sink.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}
	return Decode(bytes.NewReader(data))
}

// Prune deletes all but the retain newest images. Returns the number of
// images deleted.
func Prune(ctx context.Context, sink Sink, retain int) (int, error) {
	if retain <= 0 {
		return 0, nil
	}
	names, err := Images(ctx, sink)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for len(names) > retain {
		if err := sink.Delete(ctx, names[0]); err != nil {
			return deleted, err
		}
		logger.Debug("Pruned namespace image %s", names[0])
		names = names[1:]
		deleted++
	}
	return deleted, nil
}

// Restore imports the newest image of sink into the empty store s. Call it
// before opening the namespace on s.
//
// Returns ErrNotEmpty when s already holds a namespace and ErrNoImage when
// the sink is empty.
func Restore(ctx context.Context, s store.Store, sink Sink) (*Header, error) {
	runner := tx.NewRunner(s, lock.NewGlobalManager(), tx.RunnerConfig{})

	var empty bool
	err := runner.RunLocked(ctx, "restore", false, func(tc *tx.Context) error {
		root, err := tc.INode(namespace.RootID)
		empty = root == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, ErrNotEmpty
	}

	name, err := Latest(ctx, sink)
	if err != nil {
		return nil, err
	}
	img, err := Load(ctx, sink, name)
	if err != nil {
		return nil, err
	}

	err = runner.RunLocked(ctx, "restore", true, func(tc *tx.Context) error {
		return Import(tc, img)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Restored namespace %s from image %s (%d records)", img.Header.NamespaceID, name, len(img.Records))
	return &img.Header, nil
}
