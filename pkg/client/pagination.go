package client

import (
	"context"

	"github.com/ajitpratap0/mcp-engine/pkg/pagination"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// ListAllTools follows cursors until the server reports no more tools
func (c *Client) ListAllTools(ctx context.Context) ([]protocol.Tool, error) {
	return pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.Tool, string, error) {
		page, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		return page.Tools, page.NextCursor, nil
	})
}

// ListAllResources follows cursors until every resource is listed
func (c *Client) ListAllResources(ctx context.Context) ([]protocol.Resource, error) {
	return pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.Resource, string, error) {
		page, err := c.ListResources(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		return page.Resources, page.NextCursor, nil
	})
}

// ListAllResourceTemplates follows cursors until every template is listed
func (c *Client) ListAllResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	return pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.ResourceTemplate, string, error) {
		page, err := c.ListResourceTemplates(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		return page.ResourceTemplates, page.NextCursor, nil
	})
}

// ListAllPrompts follows cursors until every prompt is listed
func (c *Client) ListAllPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	return pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.Prompt, string, error) {
		page, err := c.ListPrompts(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		return page.Prompts, page.NextCursor, nil
	})
}
