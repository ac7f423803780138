package server

import (
	"context"

	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/registry"
)

// NewTypedTool builds a tool whose input schema is reflected from T and
// whose handler receives the arguments decoded into T.
//
//	type weatherArgs struct {
//	    City  string `json:"city" jsonschema:"description=City name"`
//	    Units string `json:"units,omitempty" jsonschema:"enum=metric,enum=imperial"`
//	}
//	tool, h, err := server.NewTypedTool("weather", "Current weather", func(ctx context.Context, a weatherArgs) (*protocol.CallToolResult, error) {
//	    return protocol.NewToolResultText("sunny in " + a.City), nil
//	})
//	srv.RegisterTool(tool, h)
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, args T) (*protocol.CallToolResult, error)) (protocol.Tool, ToolHandler, error) {
	schema, err := registry.InputSchemaFor[T]()
	if err != nil {
		return protocol.Tool{}, nil, err
	}
	tool := protocol.Tool{Name: name, Description: description, InputSchema: schema}
	h := func(ctx context.Context, raw map[string]interface{}) (*protocol.CallToolResult, error) {
		args, err := registry.DecodeArguments[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
	return tool, h, nil
}
