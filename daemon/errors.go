package daemon

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/guseggert/procd/process"
	"github.com/guseggert/procd/proto"
)

// ErrAuth is logged when a connection fails the handshake or the password check.
// Nothing is ever sent back to the peer.
var ErrAuth = errors.New("authentication failed")

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// errorKind classifies a command failure for the wire.
func errorKind(err error) proto.ErrorKind {
	var (
		spawnErr *process.SpawnError
		badReq   *badRequestError
	)
	switch {
	case errors.As(err, &badReq):
		return proto.KindBadRequest
	case errors.As(err, &spawnErr):
		return proto.KindSpawnError
	case errors.Is(err, process.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return proto.KindNotFound
	case errors.Is(err, process.ErrProcessNotRunning), errors.Is(err, process.ErrStdinClosed):
		return proto.KindProcessNotRunning
	case errors.Is(err, process.ErrProcessStillRunning):
		return proto.KindProcessStillRunning
	default:
		return proto.KindIOError
	}
}

func errorResponse(err error) proto.Response {
	return proto.Response{Error: errorKind(err), Message: err.Error()}
}
