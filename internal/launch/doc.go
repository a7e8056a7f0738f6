// Package launch runs containers from exported image archives and tracks
// their lifecycle.
//
// A launched container runs the image's entrypoint as its sole foreground
// process. Its [Handle] moves through a one-way state machine: created,
// then running, then exactly one of exited, failed, or terminated.
// Termination is a bounded protocol: SIGTERM, a grace period, then a
// forced kill if the process is still alive.
//
// The launcher never restarts containers. An exited or failed container
// stays in its terminal state until removed; restart policy belongs to
// whatever supervises the daemon.
package launch
