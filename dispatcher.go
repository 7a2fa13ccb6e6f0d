package devtools

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

const (
	// DefaultHandlerBudget is how long the dispatcher waits on a single
	// handler before moving on to the next one.
	DefaultHandlerBudget = 2 * time.Second

	// DefaultQueueSize is the number of events buffered between the read
	// loop and the delivery worker.
	DefaultQueueSize = 1024
)

// Handler handles an event.
type Handler func(*Event)

// Subscription identifies a registered handler. It is returned by
// Subscribe and accepted by Unsubscribe.
type Subscription struct {
	Event string
	id    uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Dispatcher delivers events to the handlers subscribed to them.
//
// Events are queued by Dispatch and delivered by a single worker started
// with Run, so handlers never run on the goroutine reading the connection.
// For each event, handlers are invoked one at a time in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64

	queue     chan *Event
	closed    chan struct{}
	closeOnce sync.Once

	budget time.Duration
	log    *Logger
}

// DispatcherOption is a Dispatcher option.
type DispatcherOption func(*Dispatcher)

// WithHandlerBudget sets how long the dispatcher waits on a single handler.
// A handler still running after d is logged and left to finish in the
// background. Zero or a negative value waits indefinitely.
func WithHandlerBudget(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.budget = d
	}
}

// WithQueueSize sets the event queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.queue = make(chan *Event, n)
		}
	}
}

// WithDispatchLogger sets the logger used to report failing handlers.
func WithDispatchLogger(l *Logger) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.log = l
	}
}

// NewDispatcher creates a dispatcher with no subscriptions.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		subs:   make(map[string][]subscriber),
		queue:  make(chan *Event, DefaultQueueSize),
		closed: make(chan struct{}),
		budget: DefaultHandlerBudget,
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = NewNullLogger()
	}
	return d
}

// Subscribe registers h for events named event, such as
// "Page.loadEventFired".
func (d *Dispatcher) Subscribe(event string, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs[event] = append(d.subs[event], subscriber{id: d.nextID, fn: h})
	return Subscription{Event: event, id: d.nextID}
}

// Unsubscribe removes sub. It reports false if sub was not registered.
func (d *Dispatcher) Unsubscribe(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[sub.Event]
	i := slices.IndexFunc(subs, func(s subscriber) bool {
		return s.id == sub.id
	})
	if i == -1 {
		return false
	}
	subs = slices.Delete(subs, i, i+1)
	if len(subs) == 0 {
		delete(d.subs, sub.Event)
	} else {
		d.subs[sub.Event] = subs
	}
	return true
}

// Subscribers returns the number of handlers registered for event.
func (d *Dispatcher) Subscribers(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[event])
}

// Dispatch queues ev for delivery. It only blocks when the queue is full,
// until the worker catches up or the dispatcher is closed. It reports
// false if the dispatcher is closed.
func (d *Dispatcher) Dispatch(ev *Event) bool {
	select {
	case <-d.closed:
		return false
	default:
	}
	select {
	case d.queue <- ev:
		return true
	case <-d.closed:
		return false
	}
}

// Run delivers queued events until ctx is done or the dispatcher is
// closed. Events still queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closed:
			return
		case ev := <-d.queue:
			d.Deliver(ev)
		}
	}
}

// Close stops Run and makes subsequent Dispatch calls fail.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
}

// Deliver synchronously invokes the handlers subscribed to ev, in
// subscription order.
func (d *Dispatcher) Deliver(ev *Event) {
	d.mu.RLock()
	subs := slices.Clone(d.subs[ev.Method])
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(ev, s)
	}
}

func (d *Dispatcher) invoke(ev *Event, s subscriber) {
	if d.budget <= 0 {
		d.call(ev, s)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.call(ev, s)
	}()

	timer := time.NewTimer(d.budget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.log.Warnf(catDispatch, "handler for %s still running after %v, continuing", ev.Method, d.budget)
	}
}

func (d *Dispatcher) call(ev *Event, s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf(catDispatch, "handler for %s panicked: %v", ev.Method, r)
		}
	}()
	s.fn(ev)
}
