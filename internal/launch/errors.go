package launch

import "errors"

var (
	ErrLaunch           = errors.New("launch failed")
	ErrTerminate        = errors.New("terminate failed")
	ErrUnknownContainer = errors.New("unknown container")
	ErrNotRunning       = errors.New("container not running")
	ErrStillRunning     = errors.New("container still running")
)
