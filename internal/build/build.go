package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/kilnproject/kilnd/internal/image"
	"github.com/kilnproject/kilnd/internal/manifest"
	"github.com/kilnproject/kilnd/internal/store"
)

// Options for a build run.
type Options struct {
	Manifest *manifest.Manifest
	Resource string // Build context directory; copy sources and the base archive resolve against it.
	Output   string // Directory the exported archive is written to.
	Platform string // Target OCI platform; defaults to linux/<host arch>.
}

// The outcome of a successful build.
type Result struct {
	Image  *image.Image // The built image.
	Output string       // Path to the exported OCI archive.
	Cached int          // Number of steps served from the layer cache.
}

// A planned operation: an operation step with its effective state and
// cache key resolved.
type op struct {
	index int    // 1-based position in the manifest step list.
	step  manifest.Step
	state *stepState
	key   digest.Digest
}

// Runs a build: executes the manifest's steps on top of the base archive
// and exports the result as an OCI archive.
//
// Steps execute strictly in manifest order. The longest prefix of steps
// whose cache keys are already linked in the store is skipped entirely; no
// container is started for cached steps. Each remaining step runs in a
// fresh container seeded with the base image and all prior layers, and its
// filesystem delta becomes a new cached layer. The first failing step
// aborts the build with a [StepError] carrying its manifest position;
// later steps do not run and no image is produced.
func Run(ctx context.Context, exec Executor, cache *store.Store, opts Options) (*Result, error) {
	m := opts.Manifest
	start := time.Now()

	platform := opts.Platform
	if platform == "" {
		platform = "linux/" + goruntime.GOARCH
	}

	basePath := m.Base
	if !filepath.IsAbs(basePath) {
		basePath = filepath.Join(opts.Resource, basePath)
	}

	baseDigest, err := digestFile(basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}

	ops, err := plan(m, opts.Resource, baseDigest)
	if err != nil {
		return nil, err
	}

	// Skip the longest prefix of steps already present in the cache. A
	// miss invalidates everything after it because each key chains on the
	// previous layer's key.
	layers := make([]store.Layer, 0, len(ops))
	cached := 0
	for _, o := range ops {
		layer, ok := cache.Lookup(o.key)
		if !ok {
			break
		}
		layers = append(layers, layer)
		cached++
	}

	if cached > 0 {
		slog.Info("cache hit", "steps", cached, "total", len(ops))
	}

	buildID := uuid.NewString()[:8]

	for _, o := range ops[cached:] {
		layer, err := runStep(ctx, exec, cache, o, basePath, buildID, platform, opts.Resource, layers)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	img := &image.Image{
		Base:   baseDigest,
		Layers: layers,
		Contract: image.Contract{
			Port:       m.Port,
			Entrypoint: m.Entrypoint,
			Workdir:    m.Workdir,
		},
	}

	exportPath, err := image.Export(cache, img, basePath, opts.Output)
	if err != nil {
		return nil, err
	}

	slog.Info("build finished",
		"steps", len(ops),
		"cached", cached,
		"output", exportPath,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Result{Image: img, Output: exportPath, Cached: cached}, nil
}

// Resolves the manifest's steps into planned operations with cache keys.
//
// Modifier-only steps fold into the persistent state and produce no
// operation. Each operation's key chains on the previous key (the base
// digest for the first), the effective state, and the operation payload;
// copy payloads include a content digest of the source so that edited
// files invalidate the step.
func plan(m *manifest.Manifest, buildCtx string, base digest.Digest) ([]op, error) {
	state := newStepState(m.Workdir)
	parent := base

	var ops []op
	for i, step := range m.Steps {
		index := i + 1

		if !step.IsOperation() {
			state.apply(step)
			continue
		}

		resolved := state.resolve(step)

		payload, err := opPayload(step, resolved, buildCtx)
		if err != nil {
			return nil, stepFailed(index, describeStep(step), 0, err)
		}

		key := digest.FromString(strings.Join([]string{
			parent.String(),
			resolved.encode(),
			payload,
		}, "\n"))

		ops = append(ops, op{index: index, step: step, state: resolved, key: key})
		parent = key
	}

	return ops, nil
}

// Returns the cache-key payload for an operation step.
func opPayload(step manifest.Step, state *stepState, buildCtx string) (string, error) {
	if step.Copy != "" {
		src, dest, err := parseCopy(step.Copy, state.workdir)
		if err != nil {
			return "", err
		}
		content, err := hashCopySource(buildCtx, src)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("copy %s %s %s", src, dest, content), nil
	}
	return "run " + step.Run, nil
}

// Executes one step in a fresh container and caches its layer.
//
// The container starts from the base image; all previously built layers
// are applied in order before the step runs, so the captured diff contains
// exactly this step's changes.
func runStep(ctx context.Context, exec Executor, cache *store.Store, o op, basePath, buildID, platform, buildCtx string, prior []store.Layer) (store.Layer, error) {
	desc := describeStep(o.step)
	slog.Info("executing step", "index", o.index, "step", desc)

	ctrID := fmt.Sprintf("kiln-%s-step-%d", buildID, o.index)

	ctr, err := exec.StartContainer(ctx, basePath, ctrID, platform)
	if err != nil {
		return store.Layer{}, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}
	defer ctr.Destroy(context.WithoutCancel(ctx))

	for _, layer := range prior {
		rc, err := cache.Blob(layer.Digest)
		if err != nil {
			return store.Layer{}, fmt.Errorf("%w: %w", ErrBuild, err)
		}
		err = ctr.ApplyLayer(ctx, rc)
		rc.Close()
		if err != nil {
			return store.Layer{}, fmt.Errorf("%w: %w", ErrBuild, err)
		}
	}

	if err := executeStep(ctx, ctr, o, buildCtx); err != nil {
		return store.Layer{}, err
	}

	layer, err := cache.Compute(ctx, o.key, ctr.Diff)
	if err != nil {
		return store.Layer{}, stepFailed(o.index, desc, 0, err)
	}

	return layer, nil
}

// Dispatches a planned operation to the container.
func executeStep(ctx context.Context, ctr Container, o op, buildCtx string) error {
	desc := describeStep(o.step)

	if o.step.Copy != "" {
		if err := executeCopy(ctx, ctr, o.step.Copy, o.state.workdir, buildCtx); err != nil {
			return stepFailed(o.index, desc, 0, err)
		}
		return nil
	}

	if o.state.workdir != "" {
		if err := ctr.MkdirAll(ctx, o.state.workdir); err != nil {
			return stepFailed(o.index, desc, 0, fmt.Errorf("%w: %w", ErrFileSystemOperation, err))
		}
	}

	result, err := ctr.Exec(ctx, o.state.shell, o.step.Run, o.state.environ(), o.state.workdir)
	if err != nil {
		return stepFailed(o.index, desc, 0, err)
	}
	if result.ExitCode != 0 {
		if result.Stderr != "" {
			slog.Debug("step stderr", "index", o.index, "stderr", result.Stderr)
		}
		return stepFailed(o.index, desc, result.ExitCode,
			fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(result.Stderr)))
	}

	return nil
}

// Returns a short human-readable description of a step for errors and logs.
func describeStep(step manifest.Step) string {
	if step.Copy != "" {
		return fmt.Sprintf("copy %q", step.Copy)
	}
	return fmt.Sprintf("run %q", step.Run)
}

// Computes the content digest of a file.
func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.FromReader(f)
}
