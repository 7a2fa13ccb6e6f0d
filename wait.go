package devtools

import (
	"context"
	"sync"
)

// Waiter captures the first event matching a predicate. It subscribes when
// created, so it can be set up before the command that triggers the event:
//
//	w := devtools.NewWaiter(s, "Page.loadEventFired", nil)
//	defer w.Cancel()
//	if _, err := s.Call(ctx, "Page.navigate", params); err != nil {
//		return err
//	}
//	ev, err := w.Wait(ctx)
type Waiter struct {
	s    *Session
	sub  Subscription
	ch   chan *Event
	once sync.Once
}

// NewWaiter subscribes to event on s. A nil match accepts every event.
func NewWaiter(s *Session, event string, match func(*Event) bool) *Waiter {
	w := &Waiter{
		s:  s,
		ch: make(chan *Event, 1),
	}
	w.sub = s.On(event, func(ev *Event) {
		if match != nil && !match(ev) {
			return
		}
		select {
		case w.ch <- ev:
		default:
		}
	})
	return w
}

// Wait returns the first matching event. It fails with the ctx error when
// ctx is done first, and with ErrConnectionClosed when the session shuts
// down. Wait removes the subscription before returning.
func (w *Waiter) Wait(ctx context.Context) (*Event, error) {
	defer w.Cancel()
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.s.Done():
		// an event may have been queued right before shutdown.
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		return nil, ErrConnectionClosed
	}
}

// Cancel removes the subscription. It is safe to call more than once.
func (w *Waiter) Cancel() {
	w.once.Do(func() {
		w.s.Off(w.sub)
	})
}

// WaitEvent waits for the next event named event on s.
func WaitEvent(ctx context.Context, s *Session, event string) (*Event, error) {
	return WaitFor(ctx, s, event, nil)
}

// WaitFor waits for the next event named event on s for which match
// returns true.
func WaitFor(ctx context.Context, s *Session, event string, match func(*Event) bool) (*Event, error) {
	return NewWaiter(s, event, match).Wait(ctx)
}
