package protocol

import (
	"encoding/json"
	"slices"
)

const (
	// LatestProtocolVersion is the newest protocol revision this module speaks
	LatestProtocolVersion = "2025-03-26"

	// ProtocolVersion20241105 is the previous revision, still accepted
	ProtocolVersion20241105 = "2024-11-05"

	// Lifecycle
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"

	// Server features
	MethodListTools             = "tools/list"
	MethodCallTool              = "tools/call"
	MethodListResources         = "resources/list"
	MethodListResourceTemplates = "resources/templates/list"
	MethodReadResource          = "resources/read"
	MethodSubscribeResource     = "resources/subscribe"
	MethodUnsubscribeResource   = "resources/unsubscribe"
	MethodListPrompts           = "prompts/list"
	MethodGetPrompt             = "prompts/get"
	MethodSetLogLevel           = "logging/setLevel"
	MethodComplete              = "completion/complete"

	// Client features, invoked by the server
	MethodListRoots     = "roots/list"
	MethodCreateMessage = "sampling/createMessage"

	// Notifications
	MethodNotifyLog              = "notifications/message"
	MethodNotifyToolsChanged     = "notifications/tools/list_changed"
	MethodNotifyResourcesChanged = "notifications/resources/list_changed"
	MethodNotifyResourceUpdated  = "notifications/resources/updated"
	MethodNotifyPromptsChanged   = "notifications/prompts/list_changed"
	MethodNotifyProgress         = "notifications/progress"
	MethodNotifyCancelled        = "notifications/cancelled"
	MethodNotifyRootsChanged     = "notifications/roots/list_changed"
)

// SupportedProtocolVersions lists accepted revisions, newest first
var SupportedProtocolVersions = []string{LatestProtocolVersion, ProtocolVersion20241105}

// IsSupportedProtocolVersion reports whether v is one of SupportedProtocolVersions
func IsSupportedProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// Implementation identifies a client or server program
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities are advertised by the client during initialize
type ClientCapabilities struct {
	Roots        *RootsCapability           `json:"roots,omitempty"`
	Sampling     *SamplingCapability        `json:"sampling,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// RootsCapability signals that the client answers roots/list
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability signals that the client answers sampling/createMessage
type SamplingCapability struct{}

// ServerCapabilities are returned by the server from initialize
type ServerCapabilities struct {
	Tools        *ToolsCapability           `json:"tools,omitempty"`
	Resources    *ResourcesCapability       `json:"resources,omitempty"`
	Prompts      *PromptsCapability         `json:"prompts,omitempty"`
	Logging      *LoggingCapability         `json:"logging,omitempty"`
	Completions  *CompletionsCapability     `json:"completions,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// ToolsCapability describes tool support
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource support
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt support
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability signals that the server emits notifications/message
type LoggingCapability struct{}

// CompletionsCapability signals that the server answers completion/complete
type CompletionsCapability struct{}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// EmptyResult is the result of ping, subscribe and setLevel
type EmptyResult struct{}

// Meta carries request metadata under "_meta"
type Meta struct {
	ProgressToken *ProgressToken `json:"progressToken,omitempty"`
}

// ProgressToken is a string or integer chosen by the requester
type ProgressToken = RequestID

// ProgressParams defines parameters for the progress notification
type ProgressParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// CancelledParams defines parameters for the cancelled notification
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// LoggingLevel is a syslog severity as used by logging/setLevel
type LoggingLevel string

const (
	LogLevelDebug     LoggingLevel = "debug"
	LogLevelInfo      LoggingLevel = "info"
	LogLevelNotice    LoggingLevel = "notice"
	LogLevelWarning   LoggingLevel = "warning"
	LogLevelError     LoggingLevel = "error"
	LogLevelCritical  LoggingLevel = "critical"
	LogLevelAlert     LoggingLevel = "alert"
	LogLevelEmergency LoggingLevel = "emergency"
)

var loggingLevelSeverity = map[LoggingLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// Valid reports whether l is a known level
func (l LoggingLevel) Valid() bool {
	_, ok := loggingLevelSeverity[l]
	return ok
}

// Severity returns the ordinal of l, debug being 0. Unknown levels return -1.
func (l LoggingLevel) Severity() int {
	if s, ok := loggingLevelSeverity[l]; ok {
		return s
	}
	return -1
}

// SetLevelParams defines parameters for logging/setLevel
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams defines parameters for notifications/message
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   interface{}  `json:"data"`
}

// PaginatedParams is embedded by list requests
type PaginatedParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// PaginatedResult is embedded by list results
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitempty"`
}

// ProgressTokenFromParams extracts _meta.progressToken from raw request params
func ProgressTokenFromParams(raw json.RawMessage) (ProgressToken, bool) {
	if len(raw) == 0 {
		return ProgressToken{}, false
	}
	var envelope struct {
		Meta *Meta `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Meta == nil || envelope.Meta.ProgressToken == nil {
		return ProgressToken{}, false
	}
	return *envelope.Meta.ProgressToken, envelope.Meta.ProgressToken.IsValid()
}
