package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/kilnproject/kilnd/internal/paths"
)

// A stored layer blob.
type Layer struct {
	Digest digest.Digest // Content digest of the layer tar.
	Size   int64         // Size of the layer tar in bytes.
}

// Content-addressed layer store.
//
// Blobs are stored under blobs/<algorithm>/<encoded> and are immutable once
// written. Cache keys link a (parent layer, step) identity to the layer blob
// it produced; links live under keys/<encoded>. Lookups are safe for
// concurrent use, and computation is deduplicated so that concurrent builds
// reaching the same key run the step once.
type Store struct {
	root  string
	group singleflight.Group

	mu   sync.RWMutex
	keys map[digest.Digest]Layer
}

// Opens a layer store rooted at the given directory, creating it if needed.
//
// Existing key links are loaded lazily on lookup, so opening a large store
// is cheap.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(root, "blobs", digest.Canonical.String()),
		filepath.Join(root, "keys"),
		filepath.Join(root, "tmp"),
	} {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
	}

	return &Store{
		root: root,
		keys: make(map[digest.Digest]Layer),
	}, nil
}

// Returns the layer linked to a cache key, if one exists.
func (s *Store) Lookup(key digest.Digest) (Layer, bool) {
	s.mu.RLock()
	layer, ok := s.keys[key]
	s.mu.RUnlock()
	if ok {
		return layer, true
	}

	layer, err := s.readKeyLink(key)
	if err != nil {
		return Layer{}, false
	}

	s.mu.Lock()
	s.keys[key] = layer
	s.mu.Unlock()

	return layer, true
}

// Returns the layer for a cache key, computing it at most once.
//
// If the key is already linked, the stored layer is returned and fn is not
// called. Otherwise fn is invoked to produce the layer tar stream, which is
// written to the blob store and linked to the key. Concurrent calls for the
// same key are coalesced: the step runs once and all waiters observe the
// same resulting layer.
func (s *Store) Compute(ctx context.Context, key digest.Digest, fn func(context.Context) (io.ReadCloser, error)) (Layer, error) {
	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		if layer, ok := s.Lookup(key); ok {
			return layer, nil
		}

		if err := ctx.Err(); err != nil {
			return Layer{}, err
		}

		rc, err := fn(ctx)
		if err != nil {
			return Layer{}, err
		}
		defer rc.Close()

		layer, err := s.writeBlob(rc)
		if err != nil {
			return Layer{}, err
		}

		if err := s.writeKeyLink(key, layer); err != nil {
			return Layer{}, err
		}

		s.mu.Lock()
		s.keys[key] = layer
		s.mu.Unlock()

		return layer, nil
	})
	if err != nil {
		return Layer{}, err
	}

	return v.(Layer), nil
}

// Opens the blob with the given digest for reading.
func (s *Store) Blob(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return f, nil
}

// Streams a blob into the store, returning its layer descriptor.
//
// The blob is written to a temporary file while its digest is computed, then
// renamed into place. A blob that already exists is left untouched; content
// addressing makes the write idempotent.
func (s *Store) writeBlob(r io.Reader) (Layer, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-*")
	if err != nil {
		return Layer{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	size, err := io.Copy(tmp, io.TeeReader(r, digester.Hash()))
	if err != nil {
		tmp.Close()
		return Layer{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := tmp.Close(); err != nil {
		return Layer{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	layer := Layer{Digest: digester.Digest(), Size: size}

	if err := os.Rename(tmp.Name(), s.blobPath(layer.Digest)); err != nil {
		return Layer{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	return layer, nil
}

// Writes a key link atomically via a temporary file and rename.
func (s *Store) writeKeyLink(key digest.Digest, layer Layer) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "key-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.Remove(tmp.Name())

	line := fmt.Sprintf("%s %d\n", layer.Digest, layer.Size)
	if _, err := tmp.WriteString(line); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	if err := os.Rename(tmp.Name(), s.keyPath(key)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	return nil
}

// Reads a key link from disk.
func (s *Store) readKeyLink(key digest.Digest) (Layer, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		return Layer{}, err
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Layer{}, fmt.Errorf("%w: malformed key link for %s", ErrStore, key)
	}

	d, err := digest.Parse(fields[0])
	if err != nil {
		return Layer{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Layer{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	return Layer{Digest: d, Size: size}, nil
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}

func (s *Store) keyPath(key digest.Digest) string {
	return filepath.Join(s.root, "keys", key.Encoded())
}
