package errors

import "fmt"

// Subject names the tool, resource, prompt or capability an error is about
type Subject struct {
	Kind   string `json:"kind"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ResourceNotFound reports an unknown tool, resource or prompt
func ResourceNotFound(kind, id string) MCPError {
	return coded(nil, CodeResourceNotFound, "%s not found: %s", kind, id).
		WithData(&Subject{Kind: kind, ID: id})
}

// ResourceUnavailable reports a known resource that could not be read
func ResourceUnavailable(kind, id string, cause error) MCPError {
	s := &Subject{Kind: kind, ID: id}
	if cause != nil {
		s.Reason = cause.Error()
	}
	return coded(cause, CodeResourceUnavailable, "%s", describe(fmt.Sprintf("%s unavailable: %s", kind, id), cause)).
		WithData(s)
}

// CapabilityRequired rejects an operation the peer did not advertise
func CapabilityRequired(capability string) MCPError {
	return coded(nil, CodeCapabilityRequired, "Capability required: %s", capability).
		WithData(&Subject{Kind: "capability", ID: capability})
}

// ServerNotReady rejects requests received before the handshake
func ServerNotReady(why string) MCPError {
	return coded(nil, CodeServerNotReady, "Server not ready: %s", why)
}

// NotInitialized rejects client operations before Connect or after Close
func NotInitialized(operation string) MCPError {
	return coded(nil, CodeNotInitialized, "Client not initialized: cannot %s", operation).
		WithContext(&Context{Operation: operation})
}

// ProtocolError reports a peer that broke the protocol
func ProtocolError(why string) MCPError {
	return coded(nil, CodeProtocolError, "Protocol error: %s", why)
}

// VersionMismatch rejects an unsupported protocol version
func VersionMismatch(supported []string, actual string) MCPError {
	return coded(nil, CodeVersionMismatch, "Unsupported protocol version %q, expected one of %v", actual, supported).
		WithData(map[string]interface{}{"supported": supported, "actual": actual})
}
