package devtools

import (
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// Event is an unsolicited message from the browser, such as
// Page.loadEventFired.
type Event struct {
	Method string
	Params easyjson.RawMessage
}

// Domain returns the domain part of the event method ("Page" for
// "Page.loadEventFired").
func (ev *Event) Domain() string {
	if i := strings.IndexByte(ev.Method, '.'); i != -1 {
		return ev.Method[:i]
	}
	return ""
}

// Name returns the event name without its domain.
func (ev *Event) Name() string {
	if i := strings.IndexByte(ev.Method, '.'); i != -1 {
		return ev.Method[i+1:]
	}
	return ev.Method
}

// Unmarshal decodes the event params into v.
func (ev *Event) Unmarshal(v interface{}) error {
	if len(ev.Params) == 0 {
		return nil
	}
	if u, ok := v.(easyjson.Unmarshaler); ok {
		return easyjson.Unmarshal(ev.Params, u)
	}
	return json.Unmarshal(ev.Params, v)
}

// Get returns the params value at path, in gjson path syntax. It works for
// any event, including experimental fields with no typed representation.
func (ev *Event) Get(path string) gjson.Result {
	return gjson.GetBytes(ev.Params, path)
}

// Fields returns the top-level params of the event.
func (ev *Event) Fields() map[string]gjson.Result {
	if len(ev.Params) == 0 {
		return map[string]gjson.Result{}
	}
	return gjson.ParseBytes(ev.Params).Map()
}

// Known decodes the event into its typed cdproto representation, for
// example *page.EventLoadEventFired. Methods cdproto does not know yield
// ErrUnknownEvent.
func (ev *Event) Known() (interface{}, error) {
	params := ev.Params
	if len(params) == 0 {
		params = easyjson.RawMessage("{}")
	}
	v, err := cdproto.UnmarshalMessage(&cdproto.Message{
		Method: cdproto.MethodType(ev.Method),
		Params: params,
	})
	if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
		return nil, ErrUnknownEvent
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (ev *Event) String() string {
	return ev.Method + " " + string(ev.Params)
}
