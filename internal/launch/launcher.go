package launch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilnproject/kilnd/internal/runtime"
)

// Grace period granted between SIGTERM and SIGKILL when none is configured.
const defaultGracePeriod = 10 * time.Second

// Container operations the launcher needs from a running container.
//
// Implemented by [runtime.Container]; faked in tests.
type Container interface {
	ID() string
	Signal(ctx context.Context, sig syscall.Signal) error
	Kill(ctx context.Context) error
	Destroy(ctx context.Context)
}

// Starts containers from exported image archives.
type Runtime interface {
	LaunchContainer(ctx context.Context, path, id string) (Container, <-chan runtime.Exit, error)
}

// Adapts a [runtime.Runtime] to the [Runtime] interface.
func NewRuntime(rt *runtime.Runtime) Runtime {
	return &containerdRuntime{rt: rt}
}

type containerdRuntime struct {
	rt *runtime.Runtime
}

func (r *containerdRuntime) LaunchContainer(ctx context.Context, path, id string) (Container, <-chan runtime.Exit, error) {
	ctr, exited, err := r.rt.LaunchContainer(ctx, path, id)
	if err != nil {
		return nil, nil, err
	}
	return ctr, exited, nil
}

// Runs containers from built images and tracks their lifecycle.
//
// Each launched container gets a [Handle] that observes the entrypoint
// process until it reaches a terminal state. The launcher owns the
// termination protocol: a graceful signal, a bounded grace period, then a
// forced kill.
type Launcher struct {
	rt    Runtime
	clock clockwork.Clock
	grace time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// Creates a launcher with the given grace period for termination.
//
// A non-positive grace period selects the default.
func New(rt Runtime, grace time.Duration) *Launcher {
	return NewWithClock(rt, grace, clockwork.NewRealClock())
}

// Creates a launcher with an injected clock for tests.
func NewWithClock(rt Runtime, grace time.Duration, clock clockwork.Clock) *Launcher {
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Launcher{
		rt:      rt,
		clock:   clock,
		grace:   grace,
		handles: make(map[string]*Handle),
	}
}

// Launches a container from an exported image archive.
//
// The container runs the entrypoint recorded on the image as its sole
// foreground process. The returned handle starts in the running state and
// transitions exactly once to a terminal state when the process exits. A
// startup failure leaves the handle in the failed state; it stays
// registered so its outcome can still be queried.
func (l *Launcher) Launch(ctx context.Context, path string) (*Handle, error) {
	h := newHandle()

	l.mu.Lock()
	l.handles[h.id] = h
	l.mu.Unlock()

	ctr, exited, err := l.rt.LaunchContainer(ctx, path, h.id)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrLaunch, err)
		h.fail(wrapped)
		return h, wrapped
	}

	h.run(ctr)
	go h.watch(exited)

	slog.Info("container launched", "id", h.id, "archive", path)
	return h, nil
}

// Returns the handle for a launched container.
func (l *Launcher) Get(id string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[id]
	return h, ok
}

// Returns handles for all tracked containers.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	handles := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	return handles
}

// Stops a running container.
//
// The entrypoint process first receives SIGTERM and is given the grace
// period to exit on its own. If it is still running when the grace period
// elapses, it is killed. Either way the handle ends in the terminated
// state. Terminating a container that is not running is an error.
func (l *Launcher) Terminate(ctx context.Context, id string) error {
	h, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}

	ctr, ok := h.beginTermination()
	if !ok {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, h.State())
	}

	slog.Info("terminating container", "id", id, "grace", l.grace)

	if err := ctr.Signal(ctx, syscall.SIGTERM); err != nil {
		// The process may have exited between the state check and the
		// signal; fall through to the wait below either way.
		slog.Warn("failed to signal container", "id", id, "error", err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(l.grace):
	}

	slog.Info("grace period elapsed, killing container", "id", id)

	if err := ctr.Kill(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminate, err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Removes a container that has reached a terminal state.
//
// The container's resources are released and its handle is dropped from
// the launcher. Removing a running container is an error; terminate it
// first.
func (l *Launcher) Remove(ctx context.Context, id string) error {
	h, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}

	state := h.State()
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrStillRunning, id, state)
	}

	if ctr := h.Container(); ctr != nil {
		ctr.Destroy(ctx)
	}

	l.mu.Lock()
	delete(l.handles, id)
	l.mu.Unlock()

	return nil
}

// Terminates every running container.
//
// Used on daemon shutdown. Errors are logged, not returned; shutdown
// proceeds regardless.
func (l *Launcher) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range l.Handles() {
		if h.State() != StateRunning {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := l.Terminate(ctx, id); err != nil {
				slog.Warn("failed to terminate container during shutdown", "id", id, "error", err)
			}
		}(h.ID())
	}
	wg.Wait()
}
