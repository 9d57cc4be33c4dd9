package safety

import (
	"errors"
	"fmt"
)

// ErrUnsafeCommand is the sentinel wrapped by every *UnsafeCommandError.
var ErrUnsafeCommand = errors.New("command rejected by safety policy")

// UnsafeCommandError carries the classifier verdict for a rejected command.
type UnsafeCommandError struct {
	Command        string
	MatchedPattern string
	Reason         string
}

func (e *UnsafeCommandError) Error() string {
	return fmt.Sprintf("unsafe command %q: %s (matched %s)", e.Command, e.Reason, e.MatchedPattern)
}

func (e *UnsafeCommandError) Unwrap() error {
	return ErrUnsafeCommand
}
