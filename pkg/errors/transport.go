package errors

import (
	"fmt"
	"time"
)

// TransportDetail is the data attached to transport errors
type TransportDetail struct {
	Transport  string `json:"transport"`
	Operation  string `json:"operation,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Reason     string `json:"reason,omitempty"`
}

func transportErr(code int, cause error, d TransportDetail, message string) MCPError {
	if d.Reason == "" && cause != nil {
		d.Reason = cause.Error()
	}
	return coded(cause, code, "%s", describe(message, cause)).WithData(&d)
}

// at renders " to <endpoint>" when the endpoint is known
func at(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	return " to " + endpoint
}

// TransportError reports a failure of operation on a transport
func TransportError(transport, operation string, cause error) MCPError {
	msg := transport + " transport error"
	if operation != "" {
		msg += " during " + operation
	}
	return transportErr(CodeTransportError, cause,
		TransportDetail{Transport: transport, Operation: operation, Retryable: true}, msg)
}

// ConnectionFailed reports a connection that could not be established
func ConnectionFailed(transport, endpoint string, cause error) MCPError {
	return transportErr(CodeConnectionFailed, cause,
		TransportDetail{Transport: transport, Operation: "connect", Endpoint: endpoint, Retryable: true},
		fmt.Sprintf("Failed to connect%s via %s", at(endpoint), transport))
}

// ConnectionLost reports a connection that dropped while in use
func ConnectionLost(transport, endpoint string, cause error) MCPError {
	return transportErr(CodeConnectionLost, cause,
		TransportDetail{Transport: transport, Endpoint: endpoint, Retryable: true},
		fmt.Sprintf("Connection%s lost via %s", at(endpoint), transport))
}

// ConnectionClosed fails requests abandoned because the connection closed
// while they were pending
func ConnectionClosed(transport string) MCPError {
	msg := "Connection closed"
	if transport != "" {
		msg = fmt.Sprintf("Connection closed (%s)", transport)
	}
	return transportErr(CodeConnectionClosed, nil, TransportDetail{Transport: transport, Operation: "close"}, msg)
}

// HTTPTransportError reports a failed HTTP exchange. A zero status means
// no response was received. Timeouts, throttling and server errors are
// retryable.
func HTTPTransportError(operation, endpoint string, statusCode int, cause error) MCPError {
	msg := "HTTP transport error during " + operation
	if statusCode > 0 {
		msg = fmt.Sprintf("HTTP %d during %s", statusCode, operation)
	}
	retryable := statusCode == 0 || statusCode >= 500 || statusCode == 429 || statusCode == 408
	return transportErr(CodeTransportError, cause, TransportDetail{
		Transport:  "http",
		Operation:  operation,
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Retryable:  retryable,
	}, msg+at(endpoint))
}

// StdioTransportError reports a failure on a process's standard streams
func StdioTransportError(operation string, cause error) MCPError {
	return transportErr(CodeTransportError, cause,
		TransportDetail{Transport: "stdio", Operation: operation},
		"Stdio transport error during "+operation)
}

// EventSourceError reports a broken or malformed event stream
func EventSourceError(endpoint, why string, cause error) MCPError {
	msg := "Event source error: " + why
	if endpoint != "" {
		msg = fmt.Sprintf("Event source error for %s: %s", endpoint, why)
	}
	return transportErr(CodeTransportError, cause, TransportDetail{
		Transport: "sse",
		Operation: "event_stream",
		Endpoint:  endpoint,
		Retryable: true,
		Reason:    why,
	}, msg)
}

// CrossOriginEndpoint rejects an endpoint event naming a different origin
// than the stream that announced it
func CrossOriginEndpoint(streamURL, endpoint string) MCPError {
	return transportErr(CodeConnectionFailed, nil, TransportDetail{
		Transport: "sse",
		Operation: "endpoint",
		Endpoint:  endpoint,
		Reason:    "cross-origin endpoint",
	}, fmt.Sprintf("Endpoint origin does not match stream origin: %s vs %s", endpoint, streamURL))
}

// TransportNotRunning is returned by Send on a transport that is not connected
func TransportNotRunning(transport string) MCPError {
	return transportErr(CodeTransportError, nil,
		TransportDetail{Transport: transport, Operation: "send", Reason: "not running"},
		transport+" transport is not running")
}

// TransportAlreadyRunning is returned by a second Start
func TransportAlreadyRunning(transport string) MCPError {
	return transportErr(CodeTransportError, nil,
		TransportDetail{Transport: transport, Operation: "start", Reason: "already running"},
		transport+" transport is already running")
}

// InvalidTransportConfiguration reports a bad transport setting
func InvalidTransportConfiguration(transport, parameter, why string) MCPError {
	return NewError(CodeTransportError,
		fmt.Sprintf("Invalid %s transport configuration: %s %s", transport, parameter, why),
		CategoryValidation, SeverityError,
	).WithData(&TransportDetail{Transport: transport, Operation: "configure", Reason: parameter + " " + why})
}

// MessageTooLarge rejects a message over the size limit
func MessageTooLarge(transport string, size, limit int64) MCPError {
	return coded(nil, CodeTransportError, "Message size %d exceeds %s limit of %d", size, transport, limit).
		WithData(map[string]interface{}{"transport": transport, "message_size": size, "max_size": limit})
}

// ResponseTimeout fails one request whose deadline elapsed
func ResponseTimeout(transport, requestID string, timeout time.Duration) MCPError {
	return coded(nil, CodeOperationTimeout, "Request %s timed out after %s", requestID, timeout).
		WithData(map[string]interface{}{"transport": transport, "request_id": requestID, "timeout": timeout.String()})
}
