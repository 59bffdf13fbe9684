package relay

import "fmt"

// ConnectionError indicates the upstream model was unreachable or its
// handshake failed. Fatal to the session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AudioProcessingError indicates a transcoder failure or malformed/empty
// audio. Recovered locally; the session continues.
type AudioProcessingError struct {
	MimeType string
	Err      error
}

func (e *AudioProcessingError) Error() string {
	return fmt.Sprintf("audio processing failed for %q: %v", e.MimeType, e.Err)
}

func (e *AudioProcessingError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed or unknown client message.
// Recovered locally; the session continues.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError indicates idle eviction by the registry sweep. Triggers
// the standard teardown path without client notification.
type TimeoutError struct {
	SessionID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s evicted after idle timeout", e.SessionID)
}
