// Package protocol defines the wire types of the Model Context Protocol.
//
// MCP is carried over JSON-RPC 2.0. Every unit on the wire is a Message, which
// is exactly one of *Request, *Notification or *Response. DecodeMessage picks
// the variant from the members present in the JSON object (method, id,
// result, error) and only then decodes the payload.
//
// # Package Organization
//
//   - jsonrpc.go: Message, RequestID, Error and the encode/decode helpers
//   - mcp.go: method names, protocol versions, capabilities, initialize,
//     logging, progress, cancellation and pagination payloads
//   - tools.go, resources.go, prompts.go: server feature payloads
//   - sampling.go: roots and sampling payloads answered by the client
//   - completion.go: argument completion payloads
//
// # Message Flow
//
//  1. Client sends an initialize request with its version and capabilities
//  2. Server responds with the negotiated version, capabilities and info
//  3. Client sends notifications/initialized
//  4. Both sides exchange requests and notifications allowed by the capabilities
//
// # Example Messages
//
// Initialize request:
//
//	{
//	    "jsonrpc": "2.0",
//	    "id": 1,
//	    "method": "initialize",
//	    "params": {
//	        "protocolVersion": "2025-03-26",
//	        "capabilities": {"roots": {"listChanged": true}},
//	        "clientInfo": {"name": "ExampleClient", "version": "1.0.0"}
//	    }
//	}
//
// Initialize response:
//
//	{
//	    "jsonrpc": "2.0",
//	    "id": 1,
//	    "result": {
//	        "protocolVersion": "2025-03-26",
//	        "capabilities": {"tools": {"listChanged": true}},
//	        "serverInfo": {"name": "ExampleServer", "version": "1.0.0"}
//	    }
//	}
package protocol
