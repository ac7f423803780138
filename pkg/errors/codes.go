package errors

import "github.com/ajitpratap0/mcp-engine/pkg/protocol"

// Codes defined by JSON-RPC 2.0
const (
	CodeParseError     = int(protocol.ParseError)
	CodeInvalidRequest = int(protocol.InvalidRequest)
	CodeMethodNotFound = int(protocol.MethodNotFound)
	CodeInvalidParams  = int(protocol.InvalidParams)
	CodeInternalError  = int(protocol.InternalError)
)

// Engine codes, grouped in hundreds by the part of the engine that raises
// them. All of them sit inside the range JSON-RPC reserves for
// implementation-defined errors.
const (
	CodeServerNotReady int = -32001 // request before the handshake completed
	CodeNotInitialized int = -32002 // client used before Connect or after Close

	CodeResourceNotFound    int = -32200
	CodeResourceUnavailable int = -32201 // known resource whose read failed

	CodeOperationCancelled int = -32300
	CodeOperationTimeout   int = -32301

	CodeCapabilityRequired int = -32401 // peer did not advertise the capability

	CodeTransportError   int = -32500
	CodeConnectionFailed int = -32501
	CodeConnectionLost   int = -32502
	CodeConnectionClosed int = -32504 // request abandoned because the connection closed

	CodeValidationError  int = -32750
	CodeMissingParameter int = -32751
	CodeInvalidParameter int = -32752

	CodeProtocolError   int = -32900
	CodeVersionMismatch int = -32901
)

type codeInfo struct {
	name     string
	category Category
	severity Severity
}

var codeTable = map[int]codeInfo{
	CodeParseError:     {"ParseError", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {"InvalidRequest", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {"MethodNotFound", CategoryProtocol, SeverityError},
	CodeInvalidParams:  {"InvalidParams", CategoryValidation, SeverityError},
	CodeInternalError:  {"InternalError", CategoryInternal, SeverityError},

	CodeServerNotReady: {"ServerNotReady", CategoryProtocol, SeverityError},
	CodeNotInitialized: {"NotInitialized", CategoryProtocol, SeverityError},

	CodeResourceNotFound:    {"ResourceNotFound", CategoryNotFound, SeverityError},
	CodeResourceUnavailable: {"ResourceUnavailable", CategoryNotFound, SeverityWarning},

	CodeOperationCancelled: {"OperationCancelled", CategoryCancelled, SeverityInfo},
	CodeOperationTimeout:   {"OperationTimeout", CategoryTimeout, SeverityError},

	CodeCapabilityRequired: {"CapabilityRequired", CategoryValidation, SeverityError},

	CodeTransportError:   {"TransportError", CategoryTransport, SeverityError},
	CodeConnectionFailed: {"ConnectionFailed", CategoryTransport, SeverityCritical},
	CodeConnectionLost:   {"ConnectionLost", CategoryTransport, SeverityError},
	CodeConnectionClosed: {"ConnectionClosed", CategoryTransport, SeverityWarning},

	CodeValidationError:  {"ValidationError", CategoryValidation, SeverityError},
	CodeMissingParameter: {"MissingParameter", CategoryValidation, SeverityError},
	CodeInvalidParameter: {"InvalidParameter", CategoryValidation, SeverityError},

	CodeProtocolError:   {"ProtocolError", CategoryProtocol, SeverityError},
	CodeVersionMismatch: {"VersionMismatch", CategoryProtocol, SeverityError},
}

// lookupCode returns the table entry of code. Unknown codes, such as
// application codes received from a peer, are internal errors.
func lookupCode(code int) codeInfo {
	if info, ok := codeTable[code]; ok {
		return info
	}
	return codeInfo{"UnknownError", CategoryInternal, SeverityError}
}

// GetErrorCodeName returns the symbolic name of code
func GetErrorCodeName(code int) string {
	return lookupCode(code).name
}

// IsStandardJSONRPCCode reports whether code is in the range reserved by JSON-RPC
func IsStandardJSONRPCCode(code int) bool {
	return code >= -32768 && code <= -32000
}
