package build

import (
	"context"
	"io"

	"github.com/kilnproject/kilnd/internal/runtime"
)

// Container operations the builder needs from a build container.
//
// Implemented by [runtime.Container]; faked in tests.
type Container interface {
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	MkdirAll(ctx context.Context, path string) error
	ApplyLayer(ctx context.Context, r io.Reader) error
	Diff(ctx context.Context) (io.ReadCloser, error)
	Destroy(ctx context.Context)
}

// Starts build containers from a base image archive.
type Executor interface {
	StartContainer(ctx context.Context, path, id, platform string) (Container, error)
}

// Adapts a [runtime.Runtime] to the [Executor] interface.
func NewExecutor(rt *runtime.Runtime) Executor {
	return &runtimeExecutor{rt: rt}
}

type runtimeExecutor struct {
	rt *runtime.Runtime
}

func (e *runtimeExecutor) StartContainer(ctx context.Context, path, id, platform string) (Container, error) {
	ctr, err := e.rt.StartContainer(ctx, path, id, platform)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}
