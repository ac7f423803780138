package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// ToJSONRPCResponse converts any error to a JSON-RPC error response
func ToJSONRPCResponse(err error, requestID protocol.RequestID) *protocol.Response {
	e := ToJSONRPCError(err)
	if e == nil {
		e = &protocol.Error{Code: protocol.InternalError, Message: "unknown error"}
	}
	return &protocol.Response{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		ID:             requestID,
		Error:          e,
	}
}

// ToJSONRPCError converts any error to a JSON-RPC error object. Errors that
// are not MCPErrors become internal errors.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if mcpErr, ok := AsMCPError(err); ok {
		message := mcpErr.Message()
		if d := mcpErr.Details(); d != "" {
			message = fmt.Sprintf("%s: %s", message, d)
		}
		return &protocol.Error{
			Code:    protocol.ErrorCode(mcpErr.Code()),
			Message: message,
			Data:    mcpErr.Data(),
		}
	}

	var wireErr *protocol.Error
	if stderrors.As(err, &wireErr) {
		return wireErr
	}

	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// FromJSONRPCError converts a wire error into an MCPError classified by
// its code. The wire error stays reachable through errors.As.
func FromJSONRPCError(jsonrpcErr *protocol.Error) MCPError {
	if jsonrpcErr == nil {
		return nil
	}
	err := coded(jsonrpcErr, int(jsonrpcErr.Code), "%s", jsonrpcErr.Message)
	if jsonrpcErr.Data != nil {
		return err.WithData(jsonrpcErr.Data)
	}
	return err
}

// MethodNotFound rejects a method the server does not serve
func MethodNotFound(method string) MCPError {
	return coded(nil, CodeMethodNotFound, "Method not found: %s", method).
		WithContext(&Context{Method: method})
}

// ParseError rejects input that is not JSON
func ParseError(detail string) MCPError {
	return coded(nil, CodeParseError, "Parse error").WithDetail(detail)
}

// InvalidRequest rejects a message that is not a valid request
func InvalidRequest(detail string) MCPError {
	return coded(nil, CodeInvalidRequest, "Invalid Request").WithDetail(detail)
}

// InternalError reports an unexpected failure during operation
func InternalError(operation string, cause error) MCPError {
	msg := "Internal error"
	if operation != "" {
		msg += " during " + operation
	}
	return coded(cause, CodeInternalError, "%s", describe(msg, cause)).
		WithContext(&Context{Operation: operation})
}

// ConvertStandardError converts common Go errors to appropriate MCP errors
func ConvertStandardError(err error) MCPError {
	if err == nil {
		return nil
	}

	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case stderrors.Is(err, context.Canceled):
		return coded(err, CodeOperationCancelled, "Operation cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return coded(err, CodeOperationTimeout, "Operation timed out")
	case stderrors.As(err, &syntaxErr):
		return coded(err, CodeParseError, "Invalid JSON")
	case stderrors.As(err, &typeErr):
		return coded(err, CodeInvalidParams, "Invalid parameter type").WithDetail(typeErr.Error())
	}
	return coded(err, CodeInternalError, "%s", err.Error())
}

// IsRetryableError checks if an error is retryable based on its properties
func IsRetryableError(err error) bool {
	mcpErr, ok := AsMCPError(err)
	if !ok {
		return stderrors.Is(err, context.DeadlineExceeded)
	}

	if d, ok := mcpErr.Data().(*TransportDetail); ok {
		return d.Retryable
	}

	switch mcpErr.Category() {
	case CategoryTimeout, CategoryTransport:
		return true
	}

	return mcpErr.Code() == CodeResourceUnavailable
}
