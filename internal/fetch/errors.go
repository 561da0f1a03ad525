package fetch

import (
	"errors"

	"github.com/samcharles93/tokfetch/internal/hub"
)

// ResolutionError reports an identifier that could not be turned into a
// tokenizer definition: unknown, unreachable, or access denied.
type ResolutionError = hub.ResolutionError

// ErrResolution matches every ResolutionError.
var ErrResolution = hub.ErrResolution

// ErrIO matches every IOError.
var ErrIO = errors.New("tokenizer i/o failed")

// IOError reports a filesystem failure while writing a tokenizer.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

func ioError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
