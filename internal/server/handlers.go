package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kilnproject/kilnd/internal"
	"github.com/kilnproject/kilnd/internal/build"
	"github.com/kilnproject/kilnd/internal/image"
	"github.com/kilnproject/kilnd/internal/launch"
	"github.com/kilnproject/kilnd/internal/manifest"
	"github.com/kilnproject/kilnd/internal/protocol"
)

// Handles a build command.
//
// Loads the manifest, runs the build against the container runtime, and
// reports where the archive was exported.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	m, err := manifest.Load(req.Manifest)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	result, err := build.Run(ctx, build.NewExecutor(s.runtime), s.cache, build.Options{
		Manifest: m,
		Resource: req.Resource,
		Output:   req.Output,
		Platform: req.Platform,
	})
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		Output: result.Output,
		Cached: result.Cached,
		Steps:  len(result.Image.Layers),
	})
}

// Handles an image-inspect command: reports the runtime contract recorded
// in an exported archive.
func (s *Server) handleImageInspect(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	contract, err := image.Inspect(req.Path)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.InspectResult{
		Port:       contract.Port,
		Entrypoint: contract.Entrypoint,
		Workdir:    contract.Workdir,
	})
}

// Handles an image-destroy command: removes an imported image and its
// containers from containerd.
func (s *Server) handleImageDestroy(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	if err := s.runtime.DestroyImage(ctx, req.Path); err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a launch command.
func (s *Server) handleLaunch(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.LaunchRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	h, err := s.launcher.Launch(ctx, req.Path)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.LaunchResult{ID: h.ID()})
}

// Handles a container-status command.
func (s *Server) handleContainerStatus(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	h, ok := s.launcher.Get(req.ID)
	if !ok {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: "unknown container: " + req.ID})
		return
	}

	s.respond(conn, protocol.CmdOK, containerStatus(h))
}

// Builds the status payload for a container handle.
func containerStatus(h *launch.Handle) *protocol.ContainerStatusResult {
	result := &protocol.ContainerStatusResult{
		ID:    h.ID(),
		State: string(h.State()),
	}
	if code, ok := h.ExitCode(); ok {
		result.ExitCode = code
	}
	if failure := h.Failure(); failure != nil {
		result.Failure = failure.Error()
	}
	return result
}

// Handles a terminate command.
//
// Blocks until the container reaches the terminated state, which may take
// up to the configured grace period.
func (s *Server) handleTerminate(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	// Capture the handle before terminating. Once terminal it may be
	// removed by another connection, after which Get no longer finds it.
	h, ok := s.launcher.Get(req.ID)
	if !ok {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: "unknown container: " + req.ID})
		return
	}

	if err := s.launcher.Terminate(ctx, req.ID); err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.respond(conn, protocol.CmdOK, containerStatus(h))
}

// Handles a remove command: drops a terminal container and its resources.
func (s *Server) handleRemove(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	if err := s.launcher.Remove(ctx, req.ID); err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a status command.
func (s *Server) handleStatus(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running:    true,
		Version:    internal.VersionString(),
		Pid:        os.Getpid(),
		Uptime:     uptime.String(),
		Builds:     builds,
		Containers: len(s.launcher.Handles()),
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(ctx context.Context, conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
