package launch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kilnproject/kilnd/internal/runtime"
)

// Lifecycle state of a launched container.
type State string

const (
	StateCreated    State = "created"    // Container created, entrypoint not yet running.
	StateRunning    State = "running"    // Entrypoint process is running.
	StateExited     State = "exited"     // Entrypoint exited on its own.
	StateFailed     State = "failed"     // Startup failed or the exit status was lost.
	StateTerminated State = "terminated" // Stopped through the termination protocol.
)

// Returns true for states a container never leaves.
func (s State) Terminal() bool {
	switch s {
	case StateExited, StateFailed, StateTerminated:
		return true
	}
	return false
}

// Tracks one launched container from start to terminal state.
//
// A handle transitions created → running → exactly one of exited, failed,
// or terminated. Transitions are one-way; a terminal handle never changes
// again. All methods are safe for concurrent use.
type Handle struct {
	id string

	mu          sync.Mutex
	state       State
	exitCode    int
	failure     error
	terminating bool
	container   Container

	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{
		id:    uuid.NewString(),
		state: StateCreated,
		done:  make(chan struct{}),
	}
}

// Returns the container's identifier.
func (h *Handle) ID() string {
	return h.id
}

// Returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Returns the entrypoint's exit code.
//
// Valid only once the handle is exited or terminated; ok is false
// otherwise.
func (h *Handle) ExitCode() (code int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.state == StateExited || h.state == StateTerminated
}

// Returns the failure cause for a failed handle, nil otherwise.
func (h *Handle) Failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failure
}

// Returns the underlying container, nil until the handle is running.
func (h *Handle) Container() Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.container
}

// Blocks until the handle reaches a terminal state or the context ends.
func (h *Handle) Wait(ctx context.Context) (State, error) {
	select {
	case <-h.done:
		return h.State(), nil
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}

// Marks the handle running.
func (h *Handle) run(ctr Container) {
	h.mu.Lock()
	h.state = StateRunning
	h.container = ctr
	h.mu.Unlock()
}

// Marks the handle failed with the given cause.
func (h *Handle) fail(cause error) {
	h.mu.Lock()
	h.state = StateFailed
	h.failure = cause
	h.mu.Unlock()
	close(h.done)
}

// Records the intent to terminate and returns the container to signal.
//
// Only a running handle can enter termination; ok is false otherwise.
// Once set, the watcher resolves the eventual exit as terminated rather
// than exited.
func (h *Handle) beginTermination() (Container, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRunning {
		return nil, false
	}
	h.terminating = true
	return h.container, true
}

// Consumes the container's exit notification and resolves the terminal
// state.
//
// Runs in its own goroutine for the lifetime of the container. An exit
// during termination resolves to terminated regardless of the exit code;
// a lost exit status resolves to failed.
func (h *Handle) watch(exited <-chan runtime.Exit) {
	exit := <-exited

	h.mu.Lock()
	switch {
	case h.terminating:
		h.state = StateTerminated
		h.exitCode = exit.Code
	case exit.Err != nil:
		h.state = StateFailed
		h.failure = exit.Err
	default:
		h.state = StateExited
		h.exitCode = exit.Code
	}
	state := h.state
	h.mu.Unlock()

	close(h.done)
	slog.Info("container reached terminal state", "id", h.id, "state", state, "code", exit.Code)
}
