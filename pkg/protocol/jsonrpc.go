package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// ErrorCode represents standard JSON-RPC 2.0 error codes
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

var (
	// ErrInvalidMessage is returned when a payload is valid JSON but not a JSON-RPC 2.0 message
	ErrInvalidMessage = errors.New("invalid JSON-RPC message")

	// ErrEmptyID is returned when an id is neither a string nor an integer
	ErrEmptyID = errors.New("request id must be a string or an integer")
)

// MessageKind discriminates the variants of Message
type MessageKind int

const (
	KindRequest MessageKind = iota + 1
	KindNotification
	KindResponse
)

// String returns the lowercase name of the kind
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is one JSON-RPC 2.0 wire unit. It is implemented by *Request,
// *Notification and *Response only.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// RequestID is a JSON-RPC id: either a string or an integer. The zero value
// is the null id, which only appears on error responses to unparseable input.
// RequestID is comparable and can be used as a map key.
type RequestID struct {
	str   string
	num   int64
	isStr bool
	valid bool
}

// NewIntID returns an integer request id
func NewIntID(n int64) RequestID {
	return RequestID{num: n, valid: true}
}

// NewStringID returns a string request id
func NewStringID(s string) RequestID {
	return RequestID{str: s, isStr: true, valid: true}
}

// IsValid reports whether the id is non-null
func (id RequestID) IsValid() bool { return id.valid }

// IsString reports whether the id was a JSON string
func (id RequestID) IsString() bool { return id.isStr }

// Int returns the integer value and whether the id is an integer
func (id RequestID) Int() (int64, bool) {
	return id.num, id.valid && !id.isStr
}

// String renders the id for logs and header values
func (id RequestID) String() string {
	switch {
	case !id.valid:
		return "null"
	case id.isStr:
		return id.str
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// Value returns the id as a plain Go value (string, int64 or nil)
func (id RequestID) Value() interface{} {
	switch {
	case !id.valid:
		return nil
	case id.isStr:
		return id.str
	default:
		return id.num
	}
}

// MarshalJSON implements json.Marshaler
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrEmptyID
	}
	v, err := n.Int64()
	if err != nil {
		// Integral floats such as 1.0 are accepted; fractional ids are not.
		f, ferr := n.Float64()
		if ferr != nil || f != float64(int64(f)) {
			return ErrEmptyID
		}
		v = int64(f)
	}
	*id = NewIntID(v)
	return nil
}

// JSONRPCMessage carries the protocol version field shared by all messages
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPCMessage
	ID     RequestID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind implements Message
func (*Request) Kind() MessageKind { return KindRequest }
func (*Request) isMessage()        {}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id RequestID, method string, params interface{}) (*Request, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Notification represents a JSON-RPC 2.0 notification
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind implements Message
func (*Notification) Kind() MessageKind { return KindNotification }
func (*Notification) isMessage()        {}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Notification, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Notification{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPCMessage
	ID     RequestID       `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Kind implements Message
func (*Response) Kind() MessageKind { return KindResponse }
func (*Response) isMessage()        {}

// NewResponse creates a new JSON-RPC 2.0 success response. A nil result is
// encoded as an empty object so the response still carries a result member.
func NewResponse(id RequestID, result interface{}) (*Response, error) {
	resultJSON := json.RawMessage(`{}`)
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		if !bytes.Equal(data, []byte("null")) {
			resultJSON = data
		}
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Result:         resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id RequestID, code ErrorCode, message string, data interface{}) *Response {
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeMessage parses one JSON-RPC message. The payload is first read into
// a generic envelope; the variant is chosen by which members are present and
// only then decoded into its concrete type.
func DecodeMessage(data []byte) (Message, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var version string
	if raw, ok := envelope["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != JSONRPCVersion {
		return nil, fmt.Errorf("%w: jsonrpc member must be %q", ErrInvalidMessage, JSONRPCVersion)
	}

	rawID, hasID := envelope["id"]
	if hasID && bytes.Equal(bytes.TrimSpace(rawID), []byte("null")) {
		hasID = false
	}
	_, hasMethod := envelope["method"]
	_, hasResult := envelope["result"]
	_, hasError := envelope["error"]

	switch {
	case hasMethod && (hasResult || hasError):
		return nil, fmt.Errorf("%w: message has both method and result/error", ErrInvalidMessage)

	case hasMethod && hasID:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if req.Method == "" {
			return nil, fmt.Errorf("%w: empty method", ErrInvalidMessage)
		}
		return &req, nil

	case hasMethod:
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if notif.Method == "" {
			return nil, fmt.Errorf("%w: empty method", ErrInvalidMessage)
		}
		return &notif, nil

	case hasResult && hasError:
		return nil, fmt.Errorf("%w: response has both result and error", ErrInvalidMessage)

	case hasResult || hasError:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if hasError && resp.Error == nil {
			return nil, fmt.Errorf("%w: null error member", ErrInvalidMessage)
		}
		if hasResult && resp.Result == nil {
			resp.Result = json.RawMessage("null")
		}
		return &resp, nil

	default:
		return nil, fmt.Errorf("%w: message has neither method nor result/error", ErrInvalidMessage)
	}
}

// EncodeMessage serializes a message and guarantees the version member
func EncodeMessage(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		m.JSONRPC = JSONRPCVersion
	case *Notification:
		m.JSONRPC = JSONRPCVersion
	case *Response:
		m.JSONRPC = JSONRPCVersion
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	return json.Marshal(msg)
}

// DecodeBatchOrMessage decodes either one message or a JSON array of
// messages, as may appear in an HTTP body.
func DecodeBatchOrMessage(data []byte) ([]Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '[' {
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		msg, err := DecodeMessage(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// UnmarshalParams decodes raw params into target. Absent params decode as
// an empty object so optional-only parameter structs still succeed.
func UnmarshalParams(raw json.RawMessage, target interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	return json.Unmarshal(raw, target)
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return data, nil
}
