package devtools

import (
	"context"
	"sync"
	"time"

	"github.com/mailru/easyjson"
)

// PendingCommand is a command sent to the browser that is waiting for its
// response. It is resolved exactly once; any number of goroutines may wait
// on it.
type PendingCommand struct {
	ID        int64
	Method    string
	Params    easyjson.RawMessage
	CreatedAt time.Time

	done   chan struct{}
	result easyjson.RawMessage
	err    error
}

// Done returns a channel closed once the command is resolved.
func (p *PendingCommand) Done() <-chan struct{} {
	return p.done
}

// Result returns the resolution of p. It must only be called after Done is
// closed.
func (p *PendingCommand) Result() (easyjson.RawMessage, error) {
	return p.result, p.err
}

// Correlator matches responses to the commands that produced them.
//
// Ids start at 1 and strictly increase, so they are never reused within a
// Correlator. A Session creates one Correlator per connection.
type Correlator struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]*PendingCommand
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[int64]*PendingCommand),
	}
}

// Submit registers a new command and returns it with its assigned id.
func (c *Correlator) Submit(method string, params easyjson.RawMessage) *PendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	p := &PendingCommand{
		ID:        c.next,
		Method:    method,
		Params:    params,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.pending[p.ID] = p
	return p
}

// Resolve completes the command id with result. It reports false when no
// such command is pending.
func (c *Correlator) Resolve(id int64, result easyjson.RawMessage) bool {
	return c.complete(id, result, nil)
}

// Fail completes the command id with err. It reports false when no such
// command is pending.
func (c *Correlator) Fail(id int64, err error) bool {
	return c.complete(id, nil, err)
}

func (c *Correlator) complete(id int64, result easyjson.RawMessage, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.result, p.err = result, err
	close(p.done)
	return true
}

// Await waits for p to be resolved. A timeout of zero or less waits until
// ctx is done.
//
// On timeout p is failed with a *TimeoutError and removed, so its response
// is dropped if it arrives later. When ctx is done first, p is failed with
// the context error. Either way every other waiter on p sees the same
// error.
func (c *Correlator) Await(ctx context.Context, p *PendingCommand, timeout time.Duration) (easyjson.RawMessage, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-p.done:
	case <-timer:
		c.complete(p.ID, nil, &TimeoutError{ID: p.ID, Method: p.Method, After: timeout})
	case <-ctx.Done():
		c.complete(p.ID, nil, ctx.Err())
	}
	// a response that won the race, or another waiter's failure.
	<-p.done
	return p.Result()
}

// FailAll fails every pending command with err and returns how many were
// failed.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*PendingCommand)
	c.mu.Unlock()

	for _, p := range pending {
		p.err = err
		close(p.done)
	}
	return len(pending)
}

// Len returns the number of pending commands.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
