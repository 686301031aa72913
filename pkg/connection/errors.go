package connection

// InvalidStateError reports an operation attempted against a connection in
// the wrong state. Its message text is part of the contract other
// implementations of this library must match exactly.
type InvalidStateError struct {
	message string
}

func (e *InvalidStateError) Error() string { return e.message }

// Is reports whether target is any *InvalidStateError, so callers can test
// with errors.Is(err, new(InvalidStateError)) style checks without caring
// about the exact message.
func (e *InvalidStateError) Is(target error) bool {
	_, ok := target.(*InvalidStateError)
	return ok
}

// ErrNotDisconnected is returned by Start when the connection is not in the
// Disconnected state.
var ErrNotDisconnected = &InvalidStateError{message: "Cannot start a connection that is not in the Disconnected state."}

// ErrNotConnected is returned by Send when the connection is not in the
// Connected state.
var ErrNotConnected = &InvalidStateError{message: "Cannot send messages when the connection is not in the Connected state."}
