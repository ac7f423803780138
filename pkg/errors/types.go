// Package errors defines MCPError, the error type returned across the
// engine. Each error carries the JSON-RPC code it is sent with, plus a
// category and severity that logging and retry decisions key on.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Category groups errors by what went wrong
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryTransport  Category = "transport"
	CategoryInternal   Category = "internal"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryProtocol   Category = "protocol"
)

// Severity ranks errors for logging
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where an error was raised
type Context struct {
	RequestID  string    `json:"request_id,omitempty"`
	Method     string    `json:"method,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Component  string    `json:"component,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	ServerName string    `json:"server_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MCPError is implemented by every error the engine creates
type MCPError interface {
	error

	Code() int
	Message() string
	// Details lists technical detail appended to Message by Error
	Details() string
	// Data is sent as the data member of the JSON-RPC error
	Data() interface{}
	Category() Category
	Severity() Severity
	// Context is never nil
	Context() *Context

	// The With methods leave the receiver unchanged
	WithContext(ctx *Context) MCPError
	WithDetail(detail string) MCPError
	WithData(data interface{}) MCPError

	Unwrap() error
	ToJSON() map[string]interface{}
}

type mcpError struct {
	code     int
	message  string
	details  []string
	data     interface{}
	category Category
	severity Severity
	ctx      Context
	cause    error
}

func build(cause error, code int, message string, category Category, severity Severity) *mcpError {
	return &mcpError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    cause,
		ctx:      Context{Timestamp: time.Now()},
	}
}

// coded creates an error classified by the code table
func coded(cause error, code int, format string, args ...interface{}) *mcpError {
	info := lookupCode(code)
	return build(cause, code, fmt.Sprintf(format, args...), info.category, info.severity)
}

// describe appends the cause to message
func describe(message string, cause error) string {
	if cause == nil {
		return message
	}
	return message + ": " + cause.Error()
}

// NewError creates an MCPError with an explicit classification
func NewError(code int, message string, category Category, severity Severity) MCPError {
	return build(nil, code, message, category, severity)
}

// WrapError is NewError with a cause that Unwrap returns
func WrapError(err error, code int, message string, category Category, severity Severity) MCPError {
	return build(err, code, message, category, severity)
}

func (e *mcpError) Error() string {
	if len(e.details) == 0 {
		return e.message
	}
	return e.message + ": " + e.Details()
}

func (e *mcpError) Code() int          { return e.code }
func (e *mcpError) Message() string    { return e.message }
func (e *mcpError) Details() string    { return strings.Join(e.details, "; ") }
func (e *mcpError) Data() interface{}  { return e.data }
func (e *mcpError) Category() Category { return e.category }
func (e *mcpError) Severity() Severity { return e.severity }
func (e *mcpError) Unwrap() error      { return e.cause }

func (e *mcpError) Context() *Context {
	c := e.ctx
	return &c
}

func (e *mcpError) clone() *mcpError {
	c := *e
	c.details = append([]string(nil), e.details...)
	return &c
}

// WithContext replaces the context. A zero timestamp keeps the time the
// error was created.
func (e *mcpError) WithContext(ctx *Context) MCPError {
	c := e.clone()
	if ctx != nil {
		c.ctx = *ctx
		if c.ctx.Timestamp.IsZero() {
			c.ctx.Timestamp = e.ctx.Timestamp
		}
	}
	return c
}

func (e *mcpError) WithDetail(detail string) MCPError {
	c := e.clone()
	c.details = append(c.details, detail)
	return c
}

func (e *mcpError) WithData(data interface{}) MCPError {
	c := e.clone()
	c.data = data
	return c
}

// Is matches any MCPError with the same code, so a fresh constructor call
// works as a sentinel: errors.Is(err, ConnectionClosed("")).
func (e *mcpError) Is(target error) bool {
	t, ok := target.(*mcpError)
	return ok && t.code == e.code
}

type jsonError struct {
	Code     int         `json:"code"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Category Category    `json:"category"`
	Severity Severity    `json:"severity"`
	Context  *Context    `json:"context"`
	Cause    string      `json:"cause,omitempty"`
}

func (e *mcpError) encodable() jsonError {
	j := jsonError{
		Code:     e.code,
		Message:  e.message,
		Details:  e.Details(),
		Data:     e.data,
		Category: e.category,
		Severity: e.severity,
		Context:  e.Context(),
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return j
}

func (e *mcpError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.encodable())
}

// ToJSON returns the fields MarshalJSON writes as a map
func (e *mcpError) ToJSON() map[string]interface{} {
	j := e.encodable()
	m := map[string]interface{}{
		"code":     j.Code,
		"message":  j.Message,
		"category": string(j.Category),
		"severity": string(j.Severity),
		"context":  j.Context,
	}
	if j.Details != "" {
		m["details"] = j.Details
	}
	if j.Data != nil {
		m["data"] = j.Data
	}
	if j.Cause != "" {
		m["cause"] = j.Cause
	}
	return m
}

// AsMCPError finds the first MCPError in err's chain
func AsMCPError(err error) (MCPError, bool) {
	var e MCPError
	if err == nil || !stderrors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// IsMCPError reports whether err's chain holds an MCPError
func IsMCPError(err error) bool {
	_, ok := AsMCPError(err)
	return ok
}

// IsCategory reports whether err is an MCPError of category
func IsCategory(err error, category Category) bool {
	e, ok := AsMCPError(err)
	return ok && e.Category() == category
}

// IsCode reports whether err is an MCPError with code
func IsCode(err error, code int) bool {
	e, ok := AsMCPError(err)
	return ok && e.Code() == code
}
