package devtools

import (
	"encoding/json"
	"errors"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Message is a decoded protocol frame. A message with a non-zero ID is a
// command response, carrying either Result or Error. A message without an
// ID is an event, carrying Method and Params.
type Message struct {
	ID     int64
	Method string
	Params easyjson.RawMessage
	Result easyjson.RawMessage
	Error  *ProtocolError
}

// IsResponse reports whether m is a command response.
func (m *Message) IsResponse() bool {
	return m.ID != 0
}

// IsCommand reports whether m is a command, as sent by a client. A session
// never receives commands; a proxy sees both directions.
func (m *Message) IsCommand() bool {
	return m.ID != 0 && m.Method != ""
}

// IsEvent reports whether m is an event.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Method != ""
}

// Encode builds the command frame {"id":id,"method":method,"params":params}.
// The params key is omitted when params is empty.
func Encode(id int64, method string, params easyjson.RawMessage) ([]byte, error) {
	if len(params) != 0 && !json.Valid(params) {
		return nil, &EncodeError{Method: method, Err: errors.New("params are not valid JSON")}
	}
	var out jwriter.Writer
	out.RawString(`{"id":`)
	out.Int64(id)
	out.RawString(`,"method":`)
	out.String(method)
	if len(params) != 0 {
		out.RawString(`,"params":`)
		out.Raw(params, nil)
	}
	out.RawByte('}')
	if out.Error != nil {
		return nil, &EncodeError{Method: method, Err: out.Error}
	}
	return out.BuildBytes()
}

// Decode parses a frame into a Message. It fails with a *DecodeError when
// the frame is not a JSON object, when the id is not an integer, or when
// the frame has neither an id nor a method.
func Decode(frame []byte) (*Message, error) {
	msg := new(Message)
	in := jlexer.Lexer{Data: frame}
	hasID := msg.decode(&in)
	in.Consumed()
	if err := in.Error(); err != nil {
		return nil, newDecodeError(frame, err)
	}
	switch {
	case hasID && msg.ID <= 0:
		return nil, newDecodeError(frame, errors.New("id must be a positive integer"))
	case !hasID && msg.Method == "":
		return nil, newDecodeError(frame, errors.New("missing id and method"))
	}
	return msg, nil
}

func (m *Message) decode(in *jlexer.Lexer) (hasID bool) {
	if in.IsNull() {
		in.AddError(errors.New("null message"))
		return false
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		if !in.Ok() {
			return hasID
		}
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			m.ID = in.Int64()
			hasID = true
		case "method":
			m.Method = in.String()
		case "params":
			(&m.Params).UnmarshalEasyJSON(in)
		case "result":
			(&m.Result).UnmarshalEasyJSON(in)
		case "error":
			m.Error = new(ProtocolError)
			m.Error.UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	return hasID
}

// MarshalParams converts command params to their raw JSON form.
//
// Params may be nil (no params), an easyjson.Marshaler (every cdproto
// params type), raw JSON as easyjson.RawMessage, json.RawMessage or
// []byte, or any value encoding/json can marshal.
func MarshalParams(params interface{}) (easyjson.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case easyjson.RawMessage:
		return p, nil
	case json.RawMessage:
		return easyjson.RawMessage(p), nil
	case []byte:
		return easyjson.RawMessage(p), nil
	case easyjson.Marshaler:
		return easyjson.Marshal(p)
	}
	return json.Marshal(params)
}
