package mirror

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/severance/internal/channel"
	"github.com/mattjoyce/severance/internal/protocol"
)

var (
	// ErrInvalidRole is returned when a parent-only operation runs on a
	// child-role mirror, or a child-only operation on a parent-role one.
	ErrInvalidRole = errors.New("mirror: operation not valid for this role")
	// ErrUnknownOperation means the receiving side has no handler for the
	// requested operation: parent and worker disagree about the kind.
	ErrUnknownOperation = errors.New("mirror: unknown operation")
	// ErrChannelClosed means the peer process is gone.
	ErrChannelClosed = errors.New("mirror: channel closed")
	// ErrTerminationTimeout means the worker was still alive when the
	// termination deadline passed.
	ErrTerminationTimeout = errors.New("mirror: termination timed out")
	// ErrInitFailed means the worker could not rebuild its instance from the
	// construction snapshot.
	ErrInitFailed = errors.New("mirror: worker init failed")
	// ErrBadArgument means an operation could not accept its arguments,
	// either absent or not decodable into the expected type.
	ErrBadArgument = errors.New("mirror: bad argument")
	// ErrMissingArgument is returned by Args accessors for absent positions.
	// It also matches ErrBadArgument.
	ErrMissingArgument error = missingArgument{}
	// ErrUnsupported is returned by Spawn where no socketpair is available.
	ErrUnsupported = channel.ErrUnsupported
)

type missingArgument struct{}

func (missingArgument) Error() string { return "mirror: missing argument" }

func (missingArgument) Is(target error) bool { return target == ErrBadArgument }

// RemoteError carries a failure raised inside an operation on the worker.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mirror: remote %s failed (%s): %s", e.Op, e.Code, e.Message)
}

// Is lets errors.Is match protocol-level failures against the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnknownOperation:
		return e.Code == protocol.CodeUnknownOperation
	case ErrInitFailed:
		return e.Code == protocol.CodeInitFailed
	case ErrMissingArgument:
		return e.Code == protocol.CodeMissingArgument
	case ErrBadArgument:
		return e.Code == protocol.CodeMissingArgument || e.Code == protocol.CodeBadRequest
	}
	return false
}

// failureCode picks the result code a worker reports for an operation error.
func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingArgument):
		return protocol.CodeMissingArgument
	case errors.Is(err, ErrBadArgument):
		return protocol.CodeBadRequest
	}
	return protocol.CodeRemoteError
}

func remoteError(op string, r *protocol.Result) error {
	code := r.Code
	if code == "" {
		code = protocol.CodeRemoteError
	}
	return &RemoteError{Op: op, Code: code, Message: r.Error}
}
