package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilnproject/kilnd/internal/server"
)

// Represents the 'kilnd start' command.
type StartCmd struct {
	Containerd string        `help:"Containerd socket address." placeholder:"PATH"`
	Namespace  string        `help:"Containerd namespace for images and containers." placeholder:"NAME"`
	Store      string        `help:"Override the default layer store directory." placeholder:"PATH"`
	Grace      time.Duration `help:"Grace period between SIGTERM and SIGKILL when terminating containers." default:"10s"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until it stops,
// either through a signal (SIGINT, SIGTERM) or a shutdown command
// received on the socket.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:          RootCmd.Socket,
		ContainerdAddress:   c.Containerd,
		ContainerdNamespace: c.Namespace,
		StorePath:           c.Store,
		GracePeriod:         c.Grace,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("kilnd is running")

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		srv.Stop()
	}()

	srv.Wait()
	return nil
}
