package build

import (
	"errors"
	"fmt"
)

var (
	ErrBuild               = errors.New("build failed")
	ErrBaseImage           = errors.New("base image unavailable")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCopy                = errors.New("copy failed")
	ErrCommandFailed       = errors.New("command failed")
)

// Identifies the failing step of a build.
//
// Index is the step's 1-based position in the manifest. ExitCode is set
// when a run command exited non-zero, and zero otherwise.
type StepError struct {
	Index    int    // 1-based manifest position of the failing step.
	Step     string // Human-readable step description (e.g. `run "pip install ."`).
	ExitCode int    // Exit code for failed run commands.
	Err      error  // Underlying cause.
}

func (e *StepError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("step %d (%s): exit code %d: %v", e.Index, e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Wraps a step failure so that callers can match both [ErrBuild] and the
// [StepError] detail.
func stepFailed(index int, step string, exitCode int, err error) error {
	return fmt.Errorf("%w: %w", ErrBuild, &StepError{
		Index:    index,
		Step:     step,
		ExitCode: exitCode,
		Err:      err,
	})
}
