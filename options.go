package devtools

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionOption is a Session option.
type SessionOption = func(*Session)

// WithLogger sets the logrus logger used by the session. A nil logger
// discards everything.
func WithLogger(l *logrus.Logger) SessionOption {
	return func(s *Session) {
		s.log.Log = l
	}
}

// WithLogf is a session option to specify a func to receive general logging.
func WithLogf(f func(string, ...interface{})) SessionOption {
	return func(s *Session) {
		s.log.logf = f
	}
}

// WithErrorf is a session option to specify a func to receive error logging.
func WithErrorf(f func(string, ...interface{})) SessionOption {
	return func(s *Session) {
		s.log.errf = f
	}
}

// WithDebugf is a session option to specify a func to receive debug
// logging (ie, protocol information).
func WithDebugf(f func(string, ...interface{})) SessionOption {
	return func(s *Session) {
		s.log.debugf = f
	}
}

// WithCallTimeout sets the timeout applied by Call to every command.
func WithCallTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.callTimeout = d
	}
}

// WithDialer sets the func used to open the session transport.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) {
		s.dial = d
	}
}

// WithDialOptions sets options for the default gobwas/ws transport.
func WithDialOptions(opts ...DialOption) SessionOption {
	return func(s *Session) {
		s.dial = func(ctx context.Context, urlstr string) (Transport, error) {
			return DialContext(ctx, urlstr, opts...)
		}
	}
}

// WithDispatcherOptions sets options for the session event dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) SessionOption {
	return func(s *Session) {
		s.dispatchOpts = append(s.dispatchOpts, opts...)
	}
}
