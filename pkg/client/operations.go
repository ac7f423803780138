package client

import (
	"context"

	"github.com/google/uuid"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// requireCapability fails with CapabilityRequired when the server did not
// advertise a feature
func (c *Client) requireCapability(name string, advertised func(protocol.ServerCapabilities) bool) error {
	if err := c.ready(name); err != nil {
		return err
	}
	if !advertised(c.ServerCapabilities()) {
		return mcperrors.CapabilityRequired(name)
	}
	return nil
}

func hasTools(caps protocol.ServerCapabilities) bool     { return caps.Tools != nil }
func hasResources(caps protocol.ServerCapabilities) bool { return caps.Resources != nil }
func hasPrompts(caps protocol.ServerCapabilities) bool   { return caps.Prompts != nil }
func hasLogging(caps protocol.ServerCapabilities) bool   { return caps.Logging != nil }
func hasCompletions(caps protocol.ServerCapabilities) bool {
	return caps.Completions != nil
}
func hasSubscribe(caps protocol.ServerCapabilities) bool {
	return caps.Resources != nil && caps.Resources.Subscribe
}

// Ping checks that the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, protocol.MethodPing, nil, &protocol.EmptyResult{})
}

// ListTools returns one page of tools
func (c *Client) ListTools(ctx context.Context, cursor string) (*protocol.ListToolsResult, error) {
	if err := c.requireCapability("tools", hasTools); err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	params := &protocol.ListToolsParams{PaginatedParams: protocol.PaginatedParams{Cursor: cursor}}
	if err := c.request(ctx, protocol.MethodListTools, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallOption configures a single tool call
type CallOption func(*callOptions)

type callOptions struct {
	progress ProgressFunc
}

// WithProgress attaches a progress token to the call and routes the
// server's progress notifications for it to fn
func WithProgress(fn ProgressFunc) CallOption {
	return func(o *callOptions) { o.progress = fn }
}

// CallTool invokes a tool. A failure inside the tool is reported through
// the result's IsError flag, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}, opts ...CallOption) (*protocol.CallToolResult, error) {
	if err := c.requireCapability("tools", hasTools); err != nil {
		return nil, err
	}
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	params := &protocol.CallToolParams{Name: name, Arguments: args}
	if o.progress != nil {
		token := protocol.NewStringID(uuid.NewString())
		params.Meta = &protocol.Meta{ProgressToken: &token}

		c.mu.Lock()
		c.progress[token] = o.progress
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.progress, token)
			c.mu.Unlock()
		}()
	}

	var result protocol.CallToolResult
	if err := c.request(ctx, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources returns one page of resources
func (c *Client) ListResources(ctx context.Context, cursor string) (*protocol.ListResourcesResult, error) {
	if err := c.requireCapability("resources", hasResources); err != nil {
		return nil, err
	}
	var result protocol.ListResourcesResult
	params := &protocol.ListResourcesParams{PaginatedParams: protocol.PaginatedParams{Cursor: cursor}}
	if err := c.request(ctx, protocol.MethodListResources, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResourceTemplates returns one page of resource templates
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (*protocol.ListResourceTemplatesResult, error) {
	if err := c.requireCapability("resources", hasResources); err != nil {
		return nil, err
	}
	var result protocol.ListResourceTemplatesResult
	params := &protocol.ListResourceTemplatesParams{PaginatedParams: protocol.PaginatedParams{Cursor: cursor}}
	if err := c.request(ctx, protocol.MethodListResourceTemplates, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads the contents of a resource
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	if err := c.requireCapability("resources", hasResources); err != nil {
		return nil, err
	}
	var result protocol.ReadResourceResult
	if err := c.request(ctx, protocol.MethodReadResource, &protocol.ReadResourceParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubscribeResource asks the server for resource updated notifications
// about uri. They arrive as EventResourceUpdated.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	if err := c.requireCapability("resources.subscribe", hasSubscribe); err != nil {
		return err
	}
	return c.request(ctx, protocol.MethodSubscribeResource, &protocol.SubscribeParams{URI: uri}, &protocol.EmptyResult{})
}

// UnsubscribeResource cancels a subscription
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	if err := c.requireCapability("resources.subscribe", hasSubscribe); err != nil {
		return err
	}
	return c.request(ctx, protocol.MethodUnsubscribeResource, &protocol.SubscribeParams{URI: uri}, &protocol.EmptyResult{})
}

// ListPrompts returns one page of prompts
func (c *Client) ListPrompts(ctx context.Context, cursor string) (*protocol.ListPromptsResult, error) {
	if err := c.requireCapability("prompts", hasPrompts); err != nil {
		return nil, err
	}
	var result protocol.ListPromptsResult
	params := &protocol.ListPromptsParams{PaginatedParams: protocol.PaginatedParams{Cursor: cursor}}
	if err := c.request(ctx, protocol.MethodListPrompts, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrompt renders a prompt with arguments
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	if err := c.requireCapability("prompts", hasPrompts); err != nil {
		return nil, err
	}
	var result protocol.GetPromptResult
	if err := c.request(ctx, protocol.MethodGetPrompt, &protocol.GetPromptParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete asks the server for argument completions
func (c *Client) Complete(ctx context.Context, params *protocol.CompleteParams) (*protocol.CompleteResult, error) {
	if err := c.requireCapability("completions", hasCompletions); err != nil {
		return nil, err
	}
	var result protocol.CompleteResult
	if err := c.request(ctx, protocol.MethodComplete, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetLogLevel sets the minimum level of log notifications the server sends
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LoggingLevel) error {
	if !level.Valid() {
		return mcperrors.InvalidParameter("level", string(level), "a syslog level name")
	}
	if err := c.requireCapability("logging", hasLogging); err != nil {
		return err
	}
	return c.request(ctx, protocol.MethodSetLogLevel, &protocol.SetLevelParams{Level: level}, &protocol.EmptyResult{})
}

// NotifyRootsChanged tells the server that the roots list changed
func (c *Client) NotifyRootsChanged(ctx context.Context) error {
	if err := c.ready("notify roots changed"); err != nil {
		return err
	}
	if c.capabilities.Roots == nil {
		return mcperrors.CapabilityRequired("roots")
	}
	return c.notify(ctx, protocol.MethodNotifyRootsChanged, nil)
}
