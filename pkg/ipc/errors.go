package ipc

import "errors"

// UnknownErrorMessage replaces failures that carry no usable message.
const UnknownErrorMessage = "Unknown error occurred"

var (
	// ErrNotReady is returned for requests that arrive before the
	// registration table is sealed.
	ErrNotReady = errors.New("IPC registration table is not ready")
	// ErrConnectionClosed is returned once a connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownChannel is returned for channels nobody registered.
	ErrUnknownChannel = errors.New("unknown channel")
)

// RemoteError is the only error shape that crosses the trust boundary.
type RemoteError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Sanitize strips err down to its message. Nil stays nil.
func Sanitize(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &RemoteError{Message: remote.Message}
	}
	msg := err.Error()
	if msg == "" {
		msg = UnknownErrorMessage
	}
	return &RemoteError{Message: msg}
}

// Recovered converts a recovered panic value into a RemoteError.
func Recovered(v any) *RemoteError {
	if err, ok := v.(error); ok {
		return Sanitize(err)
	}
	return &RemoteError{Message: UnknownErrorMessage}
}

// NoHandlerError reports a request for a channel nobody registered. It
// matches ErrUnknownChannel.
func NoHandlerError(channel string) error {
	return &noHandlerError{channel: channel}
}

type noHandlerError struct {
	channel string
}

func (e *noHandlerError) Error() string {
	return "No handler registered for channel: " + e.channel
}

func (e *noHandlerError) Is(target error) bool {
	return target == ErrUnknownChannel
}
