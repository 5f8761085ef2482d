package proto

import (
	"errors"
	"fmt"
)

// ErrorKind is the error class carried by a failed Response.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindProcessNotRunning   ErrorKind = "process_not_running"
	KindProcessStillRunning ErrorKind = "process_still_running"
	KindSpawnError          ErrorKind = "spawn_error"
	KindBadRequest          ErrorKind = "bad_request"
	KindIOError             ErrorKind = "io_error"
)

// Error is a command-level failure reported by the daemon.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}
