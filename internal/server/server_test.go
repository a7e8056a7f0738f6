package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kilnproject/kilnd/internal/launch"
	"github.com/kilnproject/kilnd/internal/protocol"
	"github.com/kilnproject/kilnd/internal/runtime"
)

// Launch runtime stub whose containers exit as soon as they are signalled.
type stubLaunchRuntime struct {
	mu   sync.Mutex
	ctrs []*stubContainer
}

func (r *stubLaunchRuntime) LaunchContainer(ctx context.Context, path, id string) (launch.Container, <-chan runtime.Exit, error) {
	c := &stubContainer{id: id, exited: make(chan runtime.Exit, 1)}

	r.mu.Lock()
	r.ctrs = append(r.ctrs, c)
	r.mu.Unlock()

	return c, c.exited, nil
}

type stubContainer struct {
	id     string
	exited chan runtime.Exit
}

func (c *stubContainer) ID() string { return c.id }

func (c *stubContainer) Signal(ctx context.Context, sig syscall.Signal) error {
	c.exited <- runtime.Exit{Code: 0}
	return nil
}

func (c *stubContainer) Kill(ctx context.Context) error {
	c.exited <- runtime.Exit{Code: 137}
	return nil
}

func (c *stubContainer) Destroy(ctx context.Context) {}

// Builds a server without a containerd connection, enough for socket-level
// and lifecycle tests.
func testServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		socketPath: filepath.Join(t.TempDir(), "kilnd.sock"),
		launcher:   launch.New(&stubLaunchRuntime{}, time.Second),
		done:       make(chan struct{}),
	}
}

// Sends one command to the server over an in-memory connection and returns
// the response envelope.
func exchange(t *testing.T, s *Server, cmd protocol.Command, payload any) protocol.Envelope {
	t.Helper()

	client, srv := net.Pipe()
	defer client.Close()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	data = append(data, '\n')

	go s.handle(srv)

	if _, err := client.Write(data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	line, err := bufio.NewReader(client).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	env, _, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env
}

// Stop is reachable from both the signal handler and the shutdown command;
// a second call must be a no-op, not a panic.
func TestStopIdempotent(t *testing.T) {
	s := testServer(t)

	if err := s.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopUnblocksWait(t *testing.T) {
	s := testServer(t)

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestHandleTerminate(t *testing.T) {
	s := testServer(t)

	h, err := s.launcher.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	env := exchange(t, s, protocol.CmdTerminate, &protocol.ContainerRequest{ID: h.ID()})
	if env.Command != protocol.CmdOK {
		t.Fatalf("response = %s, want ok", env.Command)
	}

	status, err := protocol.DecodePayload[protocol.ContainerStatusResult](env.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if status.State != string(launch.StateTerminated) {
		t.Errorf("state = %s, want terminated", status.State)
	}
	if status.ID != h.ID() {
		t.Errorf("id = %s, want %s", status.ID, h.ID())
	}
}

// A terminate for a container that was already removed must produce an
// error response, never a crash.
func TestHandleTerminateRemoved(t *testing.T) {
	s := testServer(t)

	h, err := s.launcher.Launch(context.Background(), "/images/app.tar")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := s.launcher.Terminate(context.Background(), h.ID()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := s.launcher.Remove(context.Background(), h.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	env := exchange(t, s, protocol.CmdTerminate, &protocol.ContainerRequest{ID: h.ID()})
	if env.Command != protocol.CmdError {
		t.Fatalf("response = %s, want error", env.Command)
	}
}

func TestContextWithDisconnect(t *testing.T) {
	pr, pw := io.Pipe()

	ctx, cancel := contextWithDisconnect(context.Background(), pr)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before disconnect")
	case <-time.After(10 * time.Millisecond):
	}

	pw.Close()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after disconnect")
	}
}
