package gen

import (
	"errors"
	"fmt"
)

var (
	ErrNoUnits              = errors.New("build plan has no sources")
	ErrDuplicateObject      = errors.New("two sources map to the same object file")
	ErrNoDeviceCompiler     = errors.New("device sources present but no device compiler is set")
	ErrHostCompilerNotFound = errors.New("host compiler not found, it is required to locate the linker")
	ErrBuildFailed          = errors.New("build failed")
)

// BuildFailedError is returned when the build executor exits unsuccessfully.
// Output holds the combined stdout and stderr of the executor, verbatim.
type BuildFailedError struct {
	Target string
	Output string
	Err    error
}

func (e *BuildFailedError) Error() string {
	prefix := "error compiling objects"
	if e.Target != "" {
		prefix += " for extension " + e.Target
	}
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix + ": " + e.Output
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

func (e *BuildFailedError) Is(target error) bool { return target == ErrBuildFailed }
