package driver

import (
	"errors"
	"fmt"
)

// Error kinds reported by drivers. Match them with errors.Is.
var (
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrListenerConfiguration = errors.New("listener configuration error")
	ErrDuplicateIdentifier   = errors.New("duplicate identifier")
	ErrLastEntry             = errors.New("listener would have no entries left")
	ErrRemote                = errors.New("remote api error")
)

// Error is a failed driver operation. It unwraps to both its Kind and the
// underlying transport or API error.
type Error struct {
	Op   string
	Node string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s on %s: %v", e.Op, e.Node, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error whose cause is formatted from the arguments.
func Errorf(op, node string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Node: node, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsNotFound reports whether err says the remote entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCredentialNotFound)
}
