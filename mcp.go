// Package mcp is the entry point of the engine. It re-exports the
// constructors most programs need; the sub-packages hold the rest.
package mcp

import (
	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/config"
	"github.com/ajitpratap0/mcp-engine/pkg/hub"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/server"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// Version of the engine, sent as clientInfo/serverInfo by default
const Version = "1.0.0"

// Protocol revisions spoken by clients and servers
const (
	LatestProtocolVersion   = protocol.LatestProtocolVersion
	ProtocolVersion20241105 = protocol.ProtocolVersion20241105
)

var (
	// NewClient creates a client over a transport; call Connect to start it
	NewClient = client.New

	// Dial creates the transport described by a transport.Config and
	// connects a client over it
	Dial = client.Dial

	// NewServer creates a server over a transport
	NewServer = server.New

	// NewHTTPHandler serves sessions over streaming HTTP
	NewHTTPHandler = server.NewHTTPHandler

	// NewSSEHandler serves sessions over the event-stream binding
	NewSSEHandler = server.NewSSEHandler

	// NewHub manages clients of several servers
	NewHub = hub.New

	// LoadConfig reads an engine configuration file
	LoadConfig = config.Load
)

// Transports
var (
	NewStdioTransport          = transport.NewStdioTransport
	NewSubprocessTransport     = transport.NewSubprocessTransport
	NewSSETransport            = transport.NewSSETransport
	NewStreamableHTTPTransport = transport.NewStreamableHTTPTransport
	NewInMemoryPair            = transport.NewInMemoryPair
	NewTransport               = transport.New
)

// Client options
var (
	WithClientInfo      = client.WithClientInfo
	WithRequestTimeout  = client.WithRequestTimeout
	WithProtocolVersion = client.WithProtocolVersion
	WithRoots           = client.WithRoots
	WithSampling        = client.WithSampling
)

// Server options
var (
	WithServerInfo            = server.WithServerInfo
	WithInstructions          = server.WithInstructions
	WithToolsCapability       = server.WithToolsCapability
	WithResourcesCapability   = server.WithResourcesCapability
	WithPromptsCapability     = server.WithPromptsCapability
	WithLogging               = server.WithLogging
	WithCompletion            = server.WithCompletion
	WithMaxConcurrentRequests = server.WithMaxConcurrentRequests
)
