package protocol

import (
	"encoding/json"
	"fmt"
)

// A command identifier on the daemon socket.
type Command string

// Commands sent by clients and responses returned by the daemon.
const (
	CmdBuild           Command = "build"
	CmdImageInspect    Command = "image-inspect"
	CmdImageDestroy    Command = "image-destroy"
	CmdLaunch          Command = "launch"
	CmdContainerStatus Command = "container-status"
	CmdTerminate       Command = "terminate"
	CmdRemove          Command = "remove"
	CmdStatus          Command = "status"
	CmdShutdown        Command = "shutdown"

	CmdOK    Command = "ok"
	CmdError Command = "error"
)

// A single message on the wire: one command plus its payload, serialized
// as one line of JSON.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Serializes a command and payload into an envelope.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return data, nil
}

// Parses an envelope from a single message line.
func Decode(data []byte) (Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return Envelope{}, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return env, env.Payload, nil
}

// Parses a payload into a concrete request or result type.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return v, nil
}
