package client

import (
	"context"
	"encoding/json"
	"fmt"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// handleRequest answers a server-initiated request on its own goroutine so
// that a slow handler never stalls the read loop. Exactly one response is
// sent unless the server cancels the request first.
func (c *Client) handleRequest(req *protocol.Request) {
	if c.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.inbound[req.ID] = cancel
	c.mu.Unlock()

	c.handlerWG.Add(1)
	go func() {
		defer c.handlerWG.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inbound, req.ID)
			c.mu.Unlock()
			cancel()
		}()

		result, err := c.dispatch(ctx, req)
		if ctx.Err() != nil {
			c.logger.Debug("dropping response to cancelled request", logging.String("method", req.Method))
			return
		}

		var resp *protocol.Response
		if err != nil {
			resp = mcperrors.ToJSONRPCResponse(err, req.ID)
		} else if resp, err = protocol.NewResponse(req.ID, result); err != nil {
			resp = mcperrors.ToJSONRPCResponse(mcperrors.InternalError(req.Method, err), req.ID)
		}
		if err := c.transport.Send(ctx, resp); err != nil {
			c.logger.Warn("failed to answer server request", logging.String("method", req.Method), logging.ErrorField(err))
		}
	}()
}

func (c *Client) dispatch(ctx context.Context, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked", logging.String("method", req.Method), logging.String("panic", fmt.Sprint(r)))
			err = mcperrors.InternalError(req.Method, fmt.Errorf("handler panic: %v", r))
		}
	}()

	switch req.Method {
	case protocol.MethodPing:
		return protocol.EmptyResult{}, nil

	case protocol.MethodListRoots:
		if c.rootsHandler == nil {
			break
		}
		roots, err := c.rootsHandler(ctx)
		if err != nil {
			return nil, err
		}
		if roots == nil {
			roots = []protocol.Root{}
		}
		return &protocol.ListRootsResult{Roots: roots}, nil

	case protocol.MethodCreateMessage:
		if c.samplingHandler == nil {
			break
		}
		var params protocol.CreateMessageParams
		if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
			return nil, mcperrors.InvalidParams(req.Method, err.Error())
		}
		return c.samplingHandler(ctx, &params)
	}

	if h, ok := c.handlers[req.Method]; ok {
		return h(ctx, json.RawMessage(req.Params))
	}
	return nil, mcperrors.MethodNotFound(req.Method)
}
