package image

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Parsed metadata of an OCI archive: the index, the single manifest it
// references, and the image config.
type archiveMeta struct {
	index    ocispec.Index
	manifest ocispec.Manifest
	config   ocispec.Image

	manifestDesc ocispec.Descriptor
}

// Reads the index, manifest, and config from an OCI archive.
//
// The archive must contain exactly one image. The metadata blobs are small;
// layer blobs are never read into memory here.
func readArchiveMeta(path string) (*archiveMeta, error) {
	index, err := readIndex(path)
	if err != nil {
		return nil, err
	}

	if len(index.Manifests) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArchive, path)
	}
	if len(index.Manifests) > 1 {
		return nil, fmt.Errorf("%w: %s", ErrMultipleImages, path)
	}

	meta := &archiveMeta{index: index, manifestDesc: index.Manifests[0]}

	if err := readArchiveBlob(path, meta.manifestDesc.Digest, &meta.manifest); err != nil {
		return nil, err
	}
	if err := readArchiveBlob(path, meta.manifest.Config.Digest, &meta.config); err != nil {
		return nil, err
	}

	return meta, nil
}

// Reads and decodes index.json from an OCI archive.
func readIndex(path string) (ocispec.Index, error) {
	var index ocispec.Index
	err := scanArchive(path, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if hdr.Name != ocispec.ImageIndexFile {
			return false, nil
		}
		if err := json.NewDecoder(r).Decode(&index); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return ocispec.Index{}, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
	}
	return index, nil
}

// Reads and decodes a JSON blob from an OCI archive by digest.
func readArchiveBlob(path string, d digest.Digest, v any) error {
	want := blobName(d)
	found := false

	err := scanArchive(path, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if hdr.Name != want {
			return false, nil
		}
		found = true
		return true, json.NewDecoder(r).Decode(v)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedArchive, err)
	}
	if !found {
		return fmt.Errorf("%w: missing blob %s", ErrMalformedArchive, d)
	}
	return nil
}

// Walks the entries of a tar archive, calling fn for each until fn reports
// it is done or the archive is exhausted.
func scanArchive(path string, fn func(*tar.Header, io.Reader) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		done, err := fn(hdr, tr)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Returns the archive entry name for a blob digest.
func blobName(d digest.Digest) string {
	return fmt.Sprintf("%s/%s/%s", ocispec.ImageBlobsDir, d.Algorithm(), d.Encoded())
}

// Reports whether an archive entry is a blob.
func isBlobEntry(name string) bool {
	return strings.HasPrefix(name, ocispec.ImageBlobsDir+"/")
}
