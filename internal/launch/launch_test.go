package launch

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilnproject/kilnd/internal/runtime"
)

type fakeRuntime struct {
	launchErr error

	mu   sync.Mutex
	ctrs []*fakeContainer
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{}
}

func (r *fakeRuntime) LaunchContainer(ctx context.Context, path, id string) (Container, <-chan runtime.Exit, error) {
	if r.launchErr != nil {
		return nil, nil, r.launchErr
	}

	c := &fakeContainer{id: id, exited: make(chan runtime.Exit, 1)}

	r.mu.Lock()
	r.ctrs = append(r.ctrs, c)
	r.mu.Unlock()

	return c, c.exited, nil
}

// Delivers an exit for the most recently launched container.
func (r *fakeRuntime) exit(e runtime.Exit) {
	r.mu.Lock()
	c := r.ctrs[len(r.ctrs)-1]
	r.mu.Unlock()
	c.exited <- e
}

type fakeContainer struct {
	id     string
	exited chan runtime.Exit

	mu        sync.Mutex
	signals   []syscall.Signal
	killed    bool
	destroyed bool
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Signal(ctx context.Context, sig syscall.Signal) error {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
	return nil
}

func (c *fakeContainer) Kill(ctx context.Context) error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.exited <- runtime.Exit{Code: 137}
	return nil
}

func (c *fakeContainer) Destroy(ctx context.Context) {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
}

func (c *fakeContainer) wasKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

func (c *fakeContainer) receivedSignals() []syscall.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]syscall.Signal(nil), c.signals...)
}

func TestLaunchRuns(t *testing.T) {
	rt := newFakeRuntime()
	l := New(rt, time.Second)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if h.State() != StateRunning {
		t.Errorf("state = %s, want running", h.State())
	}
	if h.ID() == "" {
		t.Error("handle has no ID")
	}

	got, ok := l.Get(h.ID())
	if !ok || got != h {
		t.Error("launched handle not registered")
	}
}

func TestLaunchFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.launchErr = errors.New("no such archive")
	l := New(rt, time.Second)

	h, err := l.Launch(context.Background(), "/images/missing.tar")
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("error = %v, want ErrLaunch", err)
	}

	if h.State() != StateFailed {
		t.Errorf("state = %s, want failed", h.State())
	}
	if h.Failure() == nil {
		t.Error("failed handle has no cause")
	}

	// The failed handle stays queryable.
	if _, ok := l.Get(h.ID()); !ok {
		t.Error("failed handle not registered")
	}
}

// Every launch from the same archive gets its own container and its own
// lifecycle; one container exiting must not disturb the other.
func TestLaunchIsolation(t *testing.T) {
	rt := newFakeRuntime()
	l := New(rt, time.Second)

	first, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	second, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("second launch: %v", err)
	}

	if first.ID() == second.ID() {
		t.Fatalf("both launches share handle ID %s", first.ID())
	}
	if len(rt.ctrs) != 2 {
		t.Fatalf("containers launched = %d, want 2", len(rt.ctrs))
	}
	if rt.ctrs[0].id == rt.ctrs[1].id {
		t.Fatalf("both containers share ID %s", rt.ctrs[0].id)
	}

	rt.ctrs[0].exited <- runtime.Exit{Code: 7}

	state, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != StateExited {
		t.Errorf("first state = %s, want exited", state)
	}
	if code, _ := first.ExitCode(); code != 7 {
		t.Errorf("first exit code = %d, want 7", code)
	}

	if second.State() != StateRunning {
		t.Errorf("second state = %s, want running", second.State())
	}
}

func TestExitRecordsCode(t *testing.T) {
	rt := newFakeRuntime()
	l := New(rt, time.Second)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	rt.exit(runtime.Exit{Code: 3})

	state, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != StateExited {
		t.Errorf("state = %s, want exited", state)
	}

	code, ok := h.ExitCode()
	if !ok || code != 3 {
		t.Errorf("exit code = %d (ok=%v), want 3", code, ok)
	}
}

func TestExitStatusLostFails(t *testing.T) {
	rt := newFakeRuntime()
	l := New(rt, time.Second)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	rt.exit(runtime.Exit{Err: errors.New("status lost")})

	state, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != StateFailed {
		t.Errorf("state = %s, want failed", state)
	}
	if _, ok := h.ExitCode(); ok {
		t.Error("failed handle reports an exit code")
	}
}

func TestTerminateGraceful(t *testing.T) {
	rt := newFakeRuntime()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(rt, 10*time.Second, clock)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	ctr := rt.ctrs[0]

	done := make(chan error, 1)
	go func() { done <- l.Terminate(context.Background(), h.ID()) }()

	// Wait until Terminate is parked on the grace timer, then simulate a
	// cooperative exit in response to SIGTERM.
	clock.BlockUntil(1)
	rt.exit(runtime.Exit{Code: 0})

	if err := <-done; err != nil {
		t.Fatalf("terminate: %v", err)
	}

	if h.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", h.State())
	}

	sigs := ctr.receivedSignals()
	if len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want [SIGTERM]", sigs)
	}
	if ctr.wasKilled() {
		t.Error("cooperative exit still got killed")
	}
}

func TestTerminateKillsAfterGracePeriod(t *testing.T) {
	rt := newFakeRuntime()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(rt, 10*time.Second, clock)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	ctr := rt.ctrs[0]

	done := make(chan error, 1)
	go func() { done <- l.Terminate(context.Background(), h.ID()) }()

	// The process ignores SIGTERM; advancing past the grace period must
	// trigger the forced kill.
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("terminate: %v", err)
	}

	if !ctr.wasKilled() {
		t.Error("container was not killed after the grace period")
	}
	if h.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", h.State())
	}
}

func TestTerminateUnknown(t *testing.T) {
	l := New(newFakeRuntime(), time.Second)

	err := l.Terminate(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownContainer) {
		t.Fatalf("error = %v, want ErrUnknownContainer", err)
	}
}

func TestTerminateExited(t *testing.T) {
	rt := newFakeRuntime()
	l := New(rt, time.Second)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	rt.exit(runtime.Exit{Code: 0})
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := l.Terminate(context.Background(), h.ID()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("error = %v, want ErrNotRunning", err)
	}
}

func TestRemove(t *testing.T) {
	rt := newFakeRuntime()
	l := New(rt, time.Second)

	h, err := l.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	ctr := rt.ctrs[0]

	// A running container cannot be removed.
	if err := l.Remove(context.Background(), h.ID()); !errors.Is(err, ErrStillRunning) {
		t.Fatalf("error = %v, want ErrStillRunning", err)
	}

	rt.exit(runtime.Exit{Code: 0})
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := l.Remove(context.Background(), h.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ctr.mu.Lock()
	destroyed := ctr.destroyed
	ctr.mu.Unlock()
	if !destroyed {
		t.Error("container resources not destroyed")
	}
	if _, ok := l.Get(h.ID()); ok {
		t.Error("removed handle still registered")
	}
}

func TestStateTerminal(t *testing.T) {
	for state, terminal := range map[State]bool{
		StateCreated:    false,
		StateRunning:    false,
		StateExited:     true,
		StateFailed:     true,
		StateTerminated: true,
	} {
		if state.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", state, state.Terminal(), terminal)
		}
	}
}
