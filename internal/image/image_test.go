package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnproject/kilnd/internal/store"
)

// Writes a minimal single-image OCI archive with one layer and returns its
// path.
func writeBaseArchive(t *testing.T, dir string) string {
	t.Helper()

	layerData := []byte("base layer bytes")
	layerDigest := digest.FromBytes(layerData)

	config := ocispec.Image{
		Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
		Config: ocispec.ImageConfig{
			Cmd: []string{"/bin/sh"},
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{layerDigest},
		},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configDigest := digest.FromBytes(configBytes)

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
		Layers: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageLayer,
			Digest:    layerDigest,
			Size:      int64(len(layerData)),
		}},
	}
	manifest.SchemaVersion = 2
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	manifestDigest := digest.FromBytes(manifestBytes)

	index := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType:   ocispec.MediaTypeImageManifest,
			Digest:      manifestDigest,
			Size:        int64(len(manifestBytes)),
			Annotations: map[string]string{ocispec.AnnotationRefName: "base:latest"},
		}},
	}
	index.SchemaVersion = 2
	indexBytes, err := json.Marshal(index)
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}

	path := filepath.Join(dir, "base.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	entries := []struct {
		name string
		data []byte
	}{
		{ocispec.ImageLayoutFile, []byte(`{"imageLayoutVersion":"1.0.0"}`)},
		{ocispec.ImageIndexFile, indexBytes},
		{blobName(layerDigest), layerData},
		{blobName(configDigest), configBytes},
		{blobName(manifestDigest), manifestBytes},
	}
	for _, e := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.data))}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(e.data); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	return path
}

func storeWithLayers(t *testing.T, contents ...string) (*store.Store, []store.Layer) {
	t.Helper()

	cache, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	var layers []store.Layer
	for i, content := range contents {
		layer, err := cache.Compute(context.Background(), digest.FromString(content), func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(content))), nil
		})
		if err != nil {
			t.Fatalf("compute layer %d: %v", i, err)
		}
		layers = append(layers, layer)
	}

	return cache, layers
}

func TestExportAndInspect(t *testing.T) {
	dir := t.TempDir()
	base := writeBaseArchive(t, dir)
	cache, layers := storeWithLayers(t, "layer one", "layer two")

	img := &Image{
		Layers: layers,
		Contract: Contract{
			Port:       8000,
			Entrypoint: []string{"python", "main.py"},
			Workdir:    "/app",
		},
	}

	path, err := Export(cache, img, base, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	contract, err := Inspect(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}

	if contract.Port != 8000 {
		t.Errorf("port = %d, want 8000", contract.Port)
	}
	if len(contract.Entrypoint) != 2 || contract.Entrypoint[0] != "python" {
		t.Errorf("entrypoint = %v", contract.Entrypoint)
	}
	if contract.Workdir != "/app" {
		t.Errorf("workdir = %q, want /app", contract.Workdir)
	}
}

func TestExportAppendsLayersInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeBaseArchive(t, dir)
	cache, layers := storeWithLayers(t, "first", "second")

	img := &Image{Layers: layers, Contract: Contract{Entrypoint: []string{"run-app"}}}

	path, err := Export(cache, img, base, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	meta, err := readArchiveMeta(path)
	if err != nil {
		t.Fatalf("read exported meta: %v", err)
	}

	// One base layer plus the two built layers, in application order.
	if len(meta.manifest.Layers) != 3 {
		t.Fatalf("len(layers) = %d, want 3", len(meta.manifest.Layers))
	}
	if meta.manifest.Layers[1].Digest != layers[0].Digest {
		t.Errorf("layers[1] = %s, want %s", meta.manifest.Layers[1].Digest, layers[0].Digest)
	}
	if meta.manifest.Layers[2].Digest != layers[1].Digest {
		t.Errorf("layers[2] = %s, want %s", meta.manifest.Layers[2].Digest, layers[1].Digest)
	}

	if len(meta.config.RootFS.DiffIDs) != 3 {
		t.Fatalf("len(diffIDs) = %d, want 3", len(meta.config.RootFS.DiffIDs))
	}

	// Every referenced blob must be present in the archive.
	for _, desc := range meta.manifest.Layers {
		var found bool
		err := scanArchive(path, func(hdr *tar.Header, _ io.Reader) (bool, error) {
			if hdr.Name == blobName(desc.Digest) {
				found = true
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !found {
			t.Errorf("blob %s missing from archive", desc.Digest)
		}
	}
}

func TestExportDeterministic(t *testing.T) {
	dir := t.TempDir()
	base := writeBaseArchive(t, dir)
	cache, layers := storeWithLayers(t, "stable layer")

	img := &Image{Layers: layers, Contract: Contract{Port: 8000, Entrypoint: []string{"run-app"}}}

	first, err := Export(cache, img, base, filepath.Join(dir, "out1"))
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	second, err := Export(cache, img, base, filepath.Join(dir, "out2"))
	if err != nil {
		t.Fatalf("second export: %v", err)
	}

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("exports of the same image are not byte-identical")
	}
}

func TestInspectBaseArchive(t *testing.T) {
	dir := t.TempDir()
	base := writeBaseArchive(t, dir)

	contract, err := Inspect(base)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if contract.Port != 0 {
		t.Errorf("port = %d, want 0", contract.Port)
	}
	if len(contract.Entrypoint) != 0 {
		t.Errorf("entrypoint = %v, want empty", contract.Entrypoint)
	}
}

func TestInspectMissingFile(t *testing.T) {
	_, err := Inspect(filepath.Join(t.TempDir(), "nope.tar"))
	if err == nil {
		t.Fatal("expected error for missing archive")
	}
}
