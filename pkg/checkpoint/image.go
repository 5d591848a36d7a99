// Package checkpoint saves and restores images of the namespace.
//
// An image is a consistent copy of every record family of the namespace
// store, taken inside one read transaction, preceded by a small header. It
// is XDR-encoded and written to a Sink (local directory or S3 bucket) under
// a name that sorts by creation time:
//
//	fsimage_0000001718000000000
//
// Restoring imports the newest image into an empty store before the
// namespace is opened. Lease, replica and pending-deletion records travel
// with the image, so open files and queued deletions survive a restore.
package checkpoint

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittons/pkg/namenode/blocks"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

const (
	// Magic identifies an image
	Magic = "DITTONS-FSIMAGE"

	// Version is the current image format version
	Version uint32 = 1
)

// Header describes an image.
type Header struct {
	Magic           string
	Version         uint32
	NamespaceID     string
	GenerationStamp int64

	// CreatedAt is the unix millis at which the image was taken
	CreatedAt int64

	// Records is the number of records that follow
	Records uint32
}

// Record is one raw key/value of the namespace store.
type Record struct {
	Key   []byte
	Value []byte
}

// Image is a complete namespace snapshot.
type Image struct {
	Header  Header
	Records []Record
}

// Counts returns the number of records per record family prefix.
func (img *Image) Counts() map[string]int {
	out := make(map[string]int, len(tx.Prefixes))
	for _, r := range img.Records {
		for _, p := range tx.Prefixes {
			if strings.HasPrefix(string(r.Key), p) {
				out[p]++
				break
			}
		}
	}
	return out
}

// Export copies every record visible to tc into an image.
func Export(tc *tx.Context, createdAt time.Time) (*Image, error) {
	id, err := tc.Meta(tx.MetaNamespaceID)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("checkpoint: namespace is not formatted")
	}
	stamp, err := tc.MetaInt64(blocks.MetaGenerationStamp)
	if err != nil {
		return nil, err
	}

	img := &Image{Header: Header{
		Magic:           Magic,
		Version:         Version,
		NamespaceID:     string(id),
		GenerationStamp: stamp,
		CreatedAt:       createdAt.UnixMilli(),
	}}
	for _, prefix := range tx.Prefixes {
		err := tc.ForEachRaw(prefix, func(key, value []byte) error {
			img.Records = append(img.Records, Record{
				Key:   bytes.Clone(key),
				Value: bytes.Clone(value),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: export %q records: %w", prefix, err)
		}
	}
	img.Header.Records = uint32(len(img.Records))
	return img, nil
}

// Import writes every record of img through tc. The store must be empty:
// an existing root is an error.
func Import(tc *tx.Context, img *Image) error {
	if err := img.Header.validate(); err != nil {
		return err
	}
	root, err := tc.INode(namespace.RootID)
	if err != nil {
		return err
	}
	if root != nil {
		return fmt.Errorf("checkpoint: refusing to import into a non-empty namespace")
	}
	for _, r := range img.Records {
		if err := tc.PutRaw(r.Key, r.Value); err != nil {
			return fmt.Errorf("checkpoint: import: %w", err)
		}
	}
	return nil
}

func (h *Header) validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("checkpoint: not an image (magic %q)", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("checkpoint: unsupported image version %d (want %d)", h.Version, Version)
	}
	return nil
}

// Encode writes img to w in XDR.
func Encode(w io.Writer, img *Image) error {
	if _, err := xdr.Marshal(w, img); err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return nil
}

// Decode reads an XDR image from r.
func Decode(r io.Reader) (*Image, error) {
	img := &Image{}
	if _, err := xdr.Unmarshal(r, img); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := img.Header.validate(); err != nil {
		return nil, err
	}
	if int(img.Header.Records) != len(img.Records) {
		return nil, fmt.Errorf("checkpoint: header announces %d records, image has %d", img.Header.Records, len(img.Records))
	}
	return img, nil
}
