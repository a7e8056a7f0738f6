package image

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnproject/kilnd/internal/store"
)

// Filename of the OCI archive produced by Export.
const exportFilename = "image.tar"

// Writes an image as an OCI archive to output/image.tar.
//
// The base archive's manifest and config are read, the built layers are
// appended, and the runtime contract is recorded on the config. Base layer
// blobs are streamed through unchanged; built layer blobs are read from the
// layer store. The export is deterministic: the same base, layers, and
// contract always produce a byte-identical archive.
func Export(cache *store.Store, img *Image, basePath, output string) (string, error) {
	meta, err := readArchiveMeta(basePath)
	if err != nil {
		return "", err
	}

	oldManifest := meta.manifestDesc.Digest
	oldConfig := meta.manifest.Config.Digest

	for _, layer := range img.Layers {
		meta.manifest.Layers = append(meta.manifest.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayer,
			Digest:    layer.Digest,
			Size:      layer.Size,
		})
		// Built layers are stored uncompressed, so the diff ID is the
		// blob digest itself.
		meta.config.RootFS.DiffIDs = append(meta.config.RootFS.DiffIDs, layer.Digest)
	}

	img.Contract.apply(&meta.config)

	configDesc, configBytes, err := marshalBlob(ocispec.MediaTypeImageConfig, meta.config)
	if err != nil {
		return "", err
	}
	meta.manifest.Config = configDesc

	manifestDesc, manifestBytes, err := marshalBlob(ocispec.MediaTypeImageManifest, meta.manifest)
	if err != nil {
		return "", err
	}
	manifestDesc.Annotations = meta.manifestDesc.Annotations

	meta.index.Manifests = []ocispec.Descriptor{manifestDesc}

	indexBytes, err := json.Marshal(meta.index)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExport, err)
	}

	if err := os.MkdirAll(output, 0755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExport, err)
	}

	exportPath := filepath.Join(output, exportFilename)
	if err := writeArchive(exportPath, basePath, cache, img, archiveContent{
		index:       indexBytes,
		manifest:    manifestBytes,
		manifestRef: manifestDesc.Digest,
		config:      configBytes,
		configRef:   configDesc.Digest,
		skip: map[string]bool{
			blobName(oldManifest): true,
			blobName(oldConfig):   true,
		},
	}); err != nil {
		os.Remove(exportPath)
		return "", err
	}

	slog.Info("image exported", "path", exportPath, "layers", len(img.Layers))
	return exportPath, nil
}

// Reads the runtime contract recorded in an exported OCI archive.
//
// This is the metadata surface consulted by the launcher and by external
// orchestrators before launch.
func Inspect(path string) (Contract, error) {
	meta, err := readArchiveMeta(path)
	if err != nil {
		return Contract{}, err
	}
	return contractFromConfig(meta.config), nil
}

// Blobs and metadata written into an export archive on top of the base.
type archiveContent struct {
	index       []byte
	manifest    []byte
	manifestRef digest.Digest
	config      []byte
	configRef   digest.Digest
	skip        map[string]bool // Base archive entries replaced by new blobs.
}

// Assembles the output OCI archive.
//
// Entry order is fixed so that identical inputs produce identical bytes:
// layout file, index, base blobs in base-archive order, built layers in
// application order, then the new config and manifest blobs.
func writeArchive(path, basePath string, cache *store.Store, img *Image, content archiveContent) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	written := map[string]bool{}

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err := writeTarFile(tw, ocispec.ImageLayoutFile, layout, written); err != nil {
		return err
	}
	if err := writeTarFile(tw, ocispec.ImageIndexFile, content.index, written); err != nil {
		return err
	}

	if err := copyBaseBlobs(tw, basePath, content.skip, written); err != nil {
		return err
	}

	for _, layer := range img.Layers {
		if err := writeLayerBlob(tw, cache, layer, written); err != nil {
			return err
		}
	}

	if err := writeTarFile(tw, blobName(content.configRef), content.config, written); err != nil {
		return err
	}
	if err := writeTarFile(tw, blobName(content.manifestRef), content.manifest, written); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	return f.Close()
}

// Streams blob entries from the base archive into the output, skipping the
// replaced manifest and config blobs.
func copyBaseBlobs(tw *tar.Writer, basePath string, skip, written map[string]bool) error {
	err := scanArchive(basePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if !isBlobEntry(hdr.Name) || skip[hdr.Name] || written[hdr.Name] {
			return false, nil
		}

		out := &tar.Header{
			Name: hdr.Name,
			Mode: 0644,
			Size: hdr.Size,
		}
		if err := tw.WriteHeader(out); err != nil {
			return false, err
		}
		if _, err := io.Copy(tw, r); err != nil {
			return false, err
		}

		written[hdr.Name] = true
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	return nil
}

// Writes a built layer blob from the layer store into the archive.
func writeLayerBlob(tw *tar.Writer, cache *store.Store, layer store.Layer, written map[string]bool) error {
	name := blobName(layer.Digest)
	if written[name] {
		return nil
	}

	rc, err := cache.Blob(layer.Digest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer rc.Close()

	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: layer.Size,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	if _, err := io.Copy(tw, rc); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}

	written[name] = true
	return nil
}

// Writes an in-memory file into the archive, deduplicating by name.
func writeTarFile(tw *tar.Writer, name string, data []byte, written map[string]bool) error {
	if written[name] {
		return nil
	}

	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}

	written[name] = true
	return nil
}

// Serializes a value and returns its descriptor and bytes.
func marshalBlob(mediaType string, v any) (ocispec.Descriptor, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}, b, nil
}
