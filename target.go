package devtools

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/chromedp/devtools/client"
)

// Target describes a browser target, such as a tab.
type Target struct {
	ID       target.ID
	Type     client.TargetType
	Title    string
	URL      string
	Attached bool
}

func newTargetFromInfo(info *target.Info) *Target {
	return &Target{
		ID:       info.TargetID,
		Type:     client.TargetType(info.Type),
		Title:    info.Title,
		URL:      info.URL,
		Attached: info.Attached,
	}
}

// Browser is a browser-level session. *Session implements it.
type Browser interface {
	Call(ctx context.Context, method string, params interface{}) (easyjson.RawMessage, error)
	On(event string, h Handler) Subscription
	Off(sub Subscription) bool
}

// Targets manages the targets of a browser through the Target domain.
//
// Targets keeps a cache of the descriptors it has seen. The cache is only
// updated by Targets calls and, after Watch, by target events, so it may
// be stale.
type Targets struct {
	b   Browser
	log *Logger

	mu    sync.RWMutex
	cache map[target.ID]*Target
}

// NewTargets creates a target registry over b.
func NewTargets(b Browser) *Targets {
	t := &Targets{
		b:     b,
		cache: make(map[target.ID]*Target),
	}
	if s, ok := b.(*Session); ok {
		t.log = s.log
	} else {
		t.log = NewNullLogger()
	}
	return t
}

func (t *Targets) call(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) (easyjson.RawMessage, error) {
	buf, err := t.b.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if res != nil && len(buf) != 0 {
		if err := easyjson.Unmarshal(buf, res); err != nil {
			return nil, &DecodeError{Frame: string(buf), Err: err}
		}
	}
	return buf, nil
}

// NewTarget opens a new tab navigated to urlstr and returns its
// descriptor.
func (t *Targets) NewTarget(ctx context.Context, urlstr string) (*Target, error) {
	var created target.CreateTargetReturns
	if _, err := t.call(ctx, target.CommandCreateTarget, target.CreateTarget(urlstr), &created); err != nil {
		return nil, err
	}

	var res target.GetTargetInfoReturns
	_, err := t.call(ctx, target.CommandGetTargetInfo, target.GetTargetInfo().WithTargetID(created.TargetID), &res)
	var tt *Target
	switch {
	case err == nil && res.TargetInfo != nil:
		tt = newTargetFromInfo(res.TargetInfo)
	case err == nil:
		tt = &Target{ID: created.TargetID, Type: client.Page, URL: urlstr}
	default:
		return nil, err
	}

	t.mu.Lock()
	t.cache[tt.ID] = tt
	t.mu.Unlock()
	t.log.Debugf(catTarget, "created %s %s", tt.ID, urlstr)
	return tt, nil
}

// ListTargets returns the targets of the browser, in the order the browser
// reports them, and replaces the cache with them.
func (t *Targets) ListTargets(ctx context.Context) ([]*Target, error) {
	var res target.GetTargetsReturns
	if _, err := t.call(ctx, target.CommandGetTargets, target.GetTargets(), &res); err != nil {
		return nil, err
	}

	targets := make([]*Target, 0, len(res.TargetInfos))
	cache := make(map[target.ID]*Target, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		tt := newTargetFromInfo(info)
		targets = append(targets, tt)
		cache[tt.ID] = tt
	}

	t.mu.Lock()
	t.cache = cache
	t.mu.Unlock()
	return targets, nil
}

// CloseTarget closes the target id. It fails with *TargetNotFoundError when
// the browser does not know id.
func (t *Targets) CloseTarget(ctx context.Context, id target.ID) error {
	buf, err := t.call(ctx, target.CommandCloseTarget, target.CloseTarget(id), nil)
	if err != nil {
		return t.notFound(id, err)
	}
	// older browsers report failure as {"success":false}.
	if v := gjson.GetBytes(buf, "success"); v.Exists() && !v.Bool() {
		return &TargetNotFoundError{ID: string(id), Err: errors.New("close failed")}
	}

	t.mu.Lock()
	delete(t.cache, id)
	t.mu.Unlock()
	t.log.Debugf(catTarget, "closed %s", id)
	return nil
}

// ActivateTarget brings the target id to the foreground.
func (t *Targets) ActivateTarget(ctx context.Context, id target.ID) error {
	if _, err := t.call(ctx, target.CommandActivateTarget, target.ActivateTarget(id), nil); err != nil {
		return t.notFound(id, err)
	}
	return nil
}

func (t *Targets) notFound(id target.ID, err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return &TargetNotFoundError{ID: string(id), Err: perr}
	}
	return err
}

// Watch enables target discovery and keeps the cache current from
// Target.targetCreated, Target.targetInfoChanged and Target.targetDestroyed
// events. The returned func stops watching.
func (t *Targets) Watch(ctx context.Context) (func(), error) {
	// targetCreated and targetInfoChanged carry the same payload.
	update := func(ev *Event) {
		var info target.EventTargetInfoChanged
		if err := ev.Unmarshal(&info); err != nil {
			t.log.Errorf(catTarget, "could not decode %s: %v", ev.Method, err)
			return
		}
		if info.TargetInfo == nil {
			return
		}
		tt := newTargetFromInfo(info.TargetInfo)
		t.mu.Lock()
		t.cache[tt.ID] = tt
		t.mu.Unlock()
	}
	subs := []Subscription{
		t.b.On(cdproto.EventTargetTargetCreated, update),
		t.b.On(cdproto.EventTargetTargetInfoChanged, update),
		t.b.On(cdproto.EventTargetTargetDestroyed, func(ev *Event) {
			var destroyed target.EventTargetDestroyed
			if err := ev.Unmarshal(&destroyed); err != nil {
				t.log.Errorf(catTarget, "could not decode %s: %v", ev.Method, err)
				return
			}
			t.mu.Lock()
			delete(t.cache, destroyed.TargetID)
			t.mu.Unlock()
		}),
	}
	stop := func() {
		for _, sub := range subs {
			t.b.Off(sub)
		}
	}

	if _, err := t.call(ctx, target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true), nil); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}

// Cached returns the cached targets ordered by id.
func (t *Targets) Cached() []*Target {
	t.mu.RLock()
	targets := maps.Values(t.cache)
	t.mu.RUnlock()
	slices.SortFunc(targets, func(a, b *Target) bool {
		return a.ID < b.ID
	})
	return targets
}

// Get returns the cached descriptor for id.
func (t *Targets) Get(id target.ID) (*Target, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tt, ok := t.cache[id]
	return tt, ok
}
