package client

import (
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Target is the common interface for a Chrome DevTools Protocol target.
type Target interface {
	String() string
	GetID() string
	GetType() TargetType
	GetDevtoolsURL() string
	GetWebsocketURL() string
}

// TargetType are the types of targets available in Chrome.
type TargetType string

// TargetType values.
const (
	BackgroundPage TargetType = "background_page"
	Browser        TargetType = "browser"
	IFrame         TargetType = "iframe"
	Other          TargetType = "other"
	Page           TargetType = "page"
	ServiceWorker  TargetType = "service_worker"
	SharedWorker   TargetType = "shared_worker"
	Tab            TargetType = "tab"
	Webview        TargetType = "webview"
	Worker         TargetType = "worker"
	Node           TargetType = "node"
)

// String satisfies stringer.
func (tt TargetType) String() string {
	return string(tt)
}

// MarshalEasyJSON satisfies easyjson.Marshaler.
func (tt TargetType) MarshalEasyJSON(out *jwriter.Writer) {
	out.String(string(tt))
}

// MarshalJSON satisfies json.Marshaler.
func (tt TargetType) MarshalJSON() ([]byte, error) {
	return easyjson.Marshal(tt)
}

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler. Types not listed above
// are kept verbatim.
func (tt *TargetType) UnmarshalEasyJSON(in *jlexer.Lexer) {
	*tt = TargetType(in.String())
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (tt *TargetType) UnmarshalJSON(buf []byte) error {
	return easyjson.Unmarshal(buf, tt)
}

// Chrome holds target information for a Chrome-compatible browser, as
// reported by the /json/list endpoint.
type Chrome struct {
	Description          string     `json:"description"`
	DevtoolsFrontendURL  string     `json:"devtoolsFrontendUrl"`
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Type                 TargetType `json:"type"`
	URL                  string     `json:"url"`
	FaviconURL           string     `json:"faviconUrl,omitempty"`
	ParentID             string     `json:"parentId,omitempty"`
	WebSocketDebuggerURL string     `json:"webSocketDebuggerUrl"`
}

// String satisfies stringer.
func (c Chrome) String() string {
	return fmt.Sprintf("[%s]: %q", c.ID, c.Title)
}

// GetID returns the target ID.
func (c *Chrome) GetID() string {
	return c.ID
}

// GetType returns the target type.
func (c *Chrome) GetType() TargetType {
	return c.Type
}

// GetDevtoolsURL returns the devtools frontend target URL.
func (c *Chrome) GetDevtoolsURL() string {
	return c.DevtoolsFrontendURL
}

// GetWebsocketURL provides the websocket URL for the target, usable to open
// a tab-scoped session.
func (c *Chrome) GetWebsocketURL() string {
	return c.WebSocketDebuggerURL
}

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler.
func (c *Chrome) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
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
		case "description":
			c.Description = in.String()
		case "devtoolsFrontendUrl":
			c.DevtoolsFrontendURL = in.String()
		case "id":
			c.ID = in.String()
		case "title":
			c.Title = in.String()
		case "type":
			(&c.Type).UnmarshalEasyJSON(in)
		case "url":
			c.URL = in.String()
		case "faviconUrl":
			c.FaviconURL = in.String()
		case "parentId":
			c.ParentID = in.String()
		case "webSocketDebuggerUrl":
			c.WebSocketDebuggerURL = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (c *Chrome) UnmarshalJSON(buf []byte) error {
	return easyjson.Unmarshal(buf, c)
}

// MarshalEasyJSON satisfies easyjson.Marshaler.
func (c Chrome) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"description":`)
	out.String(c.Description)
	out.RawString(`,"devtoolsFrontendUrl":`)
	out.String(c.DevtoolsFrontendURL)
	out.RawString(`,"id":`)
	out.String(c.ID)
	out.RawString(`,"title":`)
	out.String(c.Title)
	out.RawString(`,"type":`)
	c.Type.MarshalEasyJSON(out)
	out.RawString(`,"url":`)
	out.String(c.URL)
	if c.FaviconURL != "" {
		out.RawString(`,"faviconUrl":`)
		out.String(c.FaviconURL)
	}
	if c.ParentID != "" {
		out.RawString(`,"parentId":`)
		out.String(c.ParentID)
	}
	out.RawString(`,"webSocketDebuggerUrl":`)
	out.String(c.WebSocketDebuggerURL)
	out.RawByte('}')
}

// MarshalJSON satisfies json.Marshaler.
func (c Chrome) MarshalJSON() ([]byte, error) {
	return easyjson.Marshal(c)
}
