package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/diff"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Computes the container's filesystem delta since creation as a tar stream.
//
// The diff between the container's snapshot and its parent is written to
// containerd's content store as an uncompressed layer, then streamed back
// to the caller. The caller owns the returned reader and must close it.
func (c *Container) Diff(ctx context.Context) (io.ReadCloser, error) {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	desc, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
		diff.WithMediaType(ocispec.MediaTypeImageLayer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ra, err := c.client.ContentStore().ReaderAt(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	return &blobReader{Reader: content.NewReader(ra), ra: ra}, nil
}

// Adapts a content-store ReaderAt into an io.ReadCloser.
type blobReader struct {
	io.Reader
	ra content.ReaderAt
}

func (r *blobReader) Close() error {
	return r.ra.Close()
}
