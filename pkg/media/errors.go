package media

import (
	"github.com/pkg/errors"
)

// error taxonomy shared by every muxer strategy, match with errors.Is
var (
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIO              = errors.New("io error")
	ErrOutOfResources  = errors.New("out of resources")
	ErrAlreadyReleased = errors.New("already released")
)

type ioError struct {
	cause error
}

func (e *ioError) Error() string {
	return "io error: " + e.cause.Error()
}

func (e *ioError) Unwrap() error {
	return e.cause
}

func (e *ioError) Is(target error) bool {
	return target == ErrIO
}

// IOError marks err as a storage failure while keeping the cause reachable
// through errors.Is / errors.As.
func IOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return &ioError{cause: err}
}

// IOErrorf is IOError with extra context.
func IOErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return IOError(errors.Wrapf(err, format, args...))
}
