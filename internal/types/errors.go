package types

import "fmt"

// IOError reports a failed directory or file operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError wraps err as an IOError unless it already is one.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if ioErr, ok := err.(*IOError); ok {
		return ioErr
	}
	return &IOError{Op: op, Path: path, Err: err}
}
