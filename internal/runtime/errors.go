package runtime

import "errors"

var (
	ErrRuntime        = errors.New("runtime error")
	ErrLaunch         = errors.New("entrypoint could not be started")
	ErrEmptyArchive   = errors.New("archive contains no image")
	ErrMultipleImages = errors.New("archive contains multiple images")
)
