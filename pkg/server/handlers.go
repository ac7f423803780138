package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/pagination"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// dispatch runs the handler for req. Panics become internal errors.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked",
				logging.String("method", req.Method), logging.String("panic", fmt.Sprint(r)))
			result = nil
			err = mcperrors.InternalError(req.Method, fmt.Errorf("handler panic: %v", r))
		}
	}()

	caps, _ := s.negotiatedCapabilities()

	switch req.Method {
	case protocol.MethodPing:
		return protocol.EmptyResult{}, nil

	case protocol.MethodListTools:
		if caps.Tools == nil {
			break
		}
		return s.handleListTools(req)
	case protocol.MethodCallTool:
		if caps.Tools == nil {
			break
		}
		return s.handleCallTool(ctx, req)

	case protocol.MethodListResources:
		if caps.Resources == nil {
			break
		}
		return s.handleListResources(req)
	case protocol.MethodListResourceTemplates:
		if caps.Resources == nil {
			break
		}
		return s.handleListResourceTemplates(req)
	case protocol.MethodReadResource:
		if caps.Resources == nil {
			break
		}
		return s.handleReadResource(ctx, req)
	case protocol.MethodSubscribeResource, protocol.MethodUnsubscribeResource:
		if caps.Resources == nil {
			break
		}
		if !caps.Resources.Subscribe {
			return nil, mcperrors.CapabilityRequired("resources.subscribe")
		}
		return s.handleSubscription(req)

	case protocol.MethodListPrompts:
		if caps.Prompts == nil {
			break
		}
		return s.handleListPrompts(req)
	case protocol.MethodGetPrompt:
		if caps.Prompts == nil {
			break
		}
		return s.handleGetPrompt(ctx, req)

	case protocol.MethodSetLogLevel:
		if caps.Logging == nil {
			break
		}
		return s.handleSetLogLevel(req)

	case protocol.MethodComplete:
		if s.completion == nil {
			break
		}
		var p protocol.CompleteParams
		if err := protocol.UnmarshalParams(req.Params, &p); err != nil {
			return nil, mcperrors.InvalidParams(req.Method, err.Error())
		}
		res, err := s.completion(ctx, &p)
		if err != nil {
			return nil, err
		}
		if res == nil || res.Completion.Values == nil {
			res = &protocol.CompleteResult{Completion: protocol.Completion{Values: []string{}}}
		}
		return res, nil
	}
	return nil, mcperrors.MethodNotFound(req.Method)
}

func decodeParams(req *protocol.Request, target interface{}) error {
	if err := protocol.UnmarshalParams(req.Params, target); err != nil {
		return mcperrors.InvalidParams(req.Method, err.Error())
	}
	return nil
}

func (s *Server) handleListTools(req *protocol.Request) (interface{}, error) {
	var p protocol.ListToolsParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	page, next, err := pagination.Page(s.providers.listTools(), p.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &protocol.ListToolsResult{Tools: page, PaginatedResult: protocol.PaginatedResult{NextCursor: next}}, nil
}

// handleCallTool validates the arguments and runs the tool. Validation
// failures and handler errors are reported inside the result.
func (s *Server) handleCallTool(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var p protocol.CallToolParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	entry, ok := s.providers.tool(p.Name)
	if !ok {
		return nil, mcperrors.InvalidParams(req.Method, fmt.Sprintf("unknown tool %q", p.Name))
	}

	start := time.Now()
	if issues := entry.schema.Validate(p.Arguments); len(issues) > 0 {
		s.metrics.RecordToolCall(p.Name, true, time.Since(start))
		return validationResult(p.Name, issues), nil
	}

	args := p.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := s.runTool(ctx, p.Name, entry.handler, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mcperrors.ConvertStandardError(ctx.Err())
		}
		res = protocol.NewToolResultError(err.Error())
	}
	if res == nil {
		res = &protocol.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []protocol.Content{}
	}
	s.metrics.RecordToolCall(p.Name, res.IsError, time.Since(start))
	return res, nil
}

// runTool calls a tool handler. A panic becomes an error result so a faulty
// tool never fails the request itself.
func (s *Server) runTool(ctx context.Context, name string, h ToolHandler, args map[string]interface{}) (res *protocol.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", logging.String("tool", name), logging.String("panic", fmt.Sprint(r)))
			res, err = protocol.NewToolResultError(fmt.Sprintf("tool %s panicked: %v", name, r)), nil
		}
	}()
	return h(ctx, args)
}

func validationResult(tool string, issues []mcperrors.ValidationIssue) *protocol.CallToolResult {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid arguments for tool %s:", tool)
	for _, issue := range issues {
		b.WriteString("\n- ")
		if issue.Path != "" {
			b.WriteString(issue.Path)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if issue.Expected != "" {
			fmt.Fprintf(&b, " (expected %s", issue.Expected)
			if issue.Actual != "" {
				fmt.Fprintf(&b, ", got %s", issue.Actual)
			}
			b.WriteString(")")
		}
	}
	return protocol.NewToolResultError(b.String())
}

func (s *Server) handleListResources(req *protocol.Request) (interface{}, error) {
	var p protocol.ListResourcesParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	page, next, err := pagination.Page(s.providers.listResources(), p.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &protocol.ListResourcesResult{Resources: page, PaginatedResult: protocol.PaginatedResult{NextCursor: next}}, nil
}

func (s *Server) handleListResourceTemplates(req *protocol.Request) (interface{}, error) {
	var p protocol.ListResourceTemplatesParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	page, next, err := pagination.Page(s.providers.listTemplates(), p.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &protocol.ListResourceTemplatesResult{ResourceTemplates: page, PaginatedResult: protocol.PaginatedResult{NextCursor: next}}, nil
}

func (s *Server) handleReadResource(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var p protocol.ReadResourceParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, mcperrors.MissingParameter("uri")
	}
	read, ok := s.providers.reader(p.URI)
	if !ok {
		return nil, mcperrors.ResourceNotFound("resource", p.URI)
	}
	res, err := read(ctx)
	if err != nil {
		if _, ok := mcperrors.AsMCPError(err); ok {
			return nil, err
		}
		return nil, mcperrors.ResourceUnavailable("resource", p.URI, err)
	}
	if res == nil {
		return nil, mcperrors.InternalError(req.Method, fmt.Errorf("resource handler for %s returned no contents", p.URI))
	}
	if res.Contents == nil {
		res.Contents = []protocol.ResourceContents{}
	}
	return res, nil
}

func (s *Server) handleSubscription(req *protocol.Request) (interface{}, error) {
	var p protocol.SubscribeParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, mcperrors.MissingParameter("uri")
	}
	if req.Method == protocol.MethodSubscribeResource {
		s.subscriptions.add(p.URI)
		s.logger.Debug("resource subscribed", logging.String("uri", p.URI))
	} else {
		s.subscriptions.remove(p.URI)
		s.logger.Debug("resource unsubscribed", logging.String("uri", p.URI))
	}
	return protocol.EmptyResult{}, nil
}

func (s *Server) handleListPrompts(req *protocol.Request) (interface{}, error) {
	var p protocol.ListPromptsParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	page, next, err := pagination.Page(s.providers.listPrompts(), p.Cursor, s.pageSize)
	if err != nil {
		return nil, err
	}
	return &protocol.ListPromptsResult{Prompts: page, PaginatedResult: protocol.PaginatedResult{NextCursor: next}}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, req *protocol.Request) (interface{}, error) {
	var p protocol.GetPromptParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	entry, ok := s.providers.prompt(p.Name)
	if !ok {
		return nil, mcperrors.InvalidParams(req.Method, fmt.Sprintf("unknown prompt %q", p.Name))
	}
	for _, arg := range entry.prompt.Arguments {
		if _, present := p.Arguments[arg.Name]; arg.Required && !present {
			return nil, mcperrors.InvalidParams(req.Method, fmt.Sprintf("missing required argument %q", arg.Name))
		}
	}
	args := p.Arguments
	if args == nil {
		args = map[string]string{}
	}
	res, err := entry.handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &protocol.GetPromptResult{}
	}
	if res.Messages == nil {
		res.Messages = []protocol.PromptMessage{}
	}
	return res, nil
}

func (s *Server) handleSetLogLevel(req *protocol.Request) (interface{}, error) {
	var p protocol.SetLevelParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if !p.Level.Valid() {
		return nil, mcperrors.InvalidParameter("level", string(p.Level), "syslog severity name")
	}
	s.mu.Lock()
	s.logLevel = p.Level
	s.mu.Unlock()
	s.logger.Debug("client log level set", logging.String("level", string(p.Level)))
	return protocol.EmptyResult{}, nil
}
