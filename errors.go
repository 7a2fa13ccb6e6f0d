package devtools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mailru/easyjson/jlexer"
	"github.com/tidwall/gjson"
)

// Error is a devtools error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error values.
const (
	// ErrNotRunning is returned by Call when the session is not running.
	ErrNotRunning Error = "session not running"

	// ErrConnectionClosed is the error pending commands fail with when the
	// session stops or its connection goes away.
	ErrConnectionClosed Error = "connection closed"

	// ErrAlreadyStarted is returned by Start on a session that has already
	// been started or stopped.
	ErrAlreadyStarted Error = "session already started"

	// ErrTransportClosed is returned when writing to a closed transport.
	ErrTransportClosed Error = "transport closed"

	// ErrUnknownEvent is returned by Event.Known when the event method has
	// no typed representation.
	ErrUnknownEvent Error = "unknown event"

	// ErrInvalidWebsocketMessage is returned when a non-text message is
	// received.
	ErrInvalidWebsocketMessage Error = "invalid websocket message"

	// ErrMessageTooLarge is returned when a received message exceeds the
	// transport read limit. The message is discarded.
	ErrMessageTooLarge Error = "message exceeds read limit"
)

// ConnectError is returned when the transport could not be established.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StartError is returned by Session.Start when the session could not be
// brought to the running state.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return "could not start session: " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }

// SendError is returned when a frame could not be written to the
// transport. The connection is presumed broken afterwards.
type SendError struct {
	Method string
	Err    error
}

func (e *SendError) Error() string {
	if e.Method == "" {
		return "send: " + e.Err.Error()
	}
	return fmt.Sprintf("send %s: %v", e.Method, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DecodeError is returned for frames that are not valid protocol messages.
type DecodeError struct {
	// Frame is the offending frame, truncated for logging.
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode frame %q: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(frame []byte, err error) *DecodeError {
	const max = 128
	s := string(frame)
	if len(s) > max {
		s = s[:max] + "..."
	}
	if le, ok := err.(*jlexer.LexerError); ok {
		err = fmt.Errorf("%s at offset %d", le.Reason, le.Offset)
	}
	return &DecodeError{Frame: s, Err: err}
}

// EncodeError is returned when command params are not valid JSON.
type EncodeError struct {
	Method string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("could not encode %s: %v", e.Method, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// TimeoutError is returned when a command did not receive its response
// within the per-call timeout.
type TimeoutError struct {
	ID     int64
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d) timed out after %v", e.Method, e.ID, e.After)
}

// Timeout reports true, so TimeoutError satisfies net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ProtocolError is the error payload returned by the browser for a
// command.
type ProtocolError struct {
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	s := e.Message + " (" + strconv.FormatInt(e.Code, 10) + ")"
	if e.Data != "" {
		s += ": " + e.Data
	}
	return s
}

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler.
func (e *ProtocolError) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "code":
			e.Code = in.Int64()
		case "message":
			e.Message = in.String()
		case "data":
			// usually a string, but not always.
			e.Data = gjson.ParseBytes(in.Raw()).String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// TargetNotFoundError is returned when the browser does not know a target
// id.
type TargetNotFoundError struct {
	ID  string
	Err error
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target %s not found", e.ID)
}

func (e *TargetNotFoundError) Unwrap() error { return e.Err }
