package broadcast

import (
	"errors"
	"fmt"
)

// ErrChannelDisconnect is wrapped by errors reporting a lost channel
// connection. Subscriptions keep retrying until closed.
var ErrChannelDisconnect = errors.New("messaging channel disconnected")

// MalformedEventError reports a payload that could not be decoded. The
// event is dropped.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed broadcast event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed broadcast event: %s", e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }
