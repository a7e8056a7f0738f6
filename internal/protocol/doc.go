// Package protocol defines the wire format spoken on the daemon socket.
//
// Messages are newline-delimited JSON envelopes carrying a command name
// and an optional payload. Each connection performs one exchange: the
// client sends a request envelope, the daemon replies with an ok or error
// envelope.
package protocol
