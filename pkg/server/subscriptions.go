package server

import (
	"context"
	"sort"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// subscriptions records the resource URIs the client subscribed to
type subscriptions struct {
	mu   sync.RWMutex
	uris map[string]time.Time
}

func newSubscriptions() *subscriptions {
	return &subscriptions{uris: make(map[string]time.Time)}
}

func (s *subscriptions) add(uri string) {
	s.mu.Lock()
	if _, ok := s.uris[uri]; !ok {
		s.uris[uri] = time.Now()
	}
	s.mu.Unlock()
}

func (s *subscriptions) remove(uri string) {
	s.mu.Lock()
	delete(s.uris, uri)
	s.mu.Unlock()
}

func (s *subscriptions) has(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.uris[uri]
	return ok
}

func (s *subscriptions) list() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.uris))
	for uri := range s.uris {
		out = append(out, uri)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Subscriptions returns the resource URIs the client is subscribed to
func (s *Server) Subscriptions() []string {
	return s.subscriptions.list()
}

// NotifyResourceUpdated tells the client that uri changed. It is a no-op
// unless the client subscribed to uri.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	if !s.subscriptions.has(uri) {
		return nil
	}
	return s.notify(ctx, protocol.MethodNotifyResourceUpdated, &protocol.ResourceUpdatedParams{URI: uri})
}

// Log sends a notifications/message to the client when level is at or
// above the level the client selected with logging/setLevel.
func (s *Server) Log(ctx context.Context, level protocol.LoggingLevel, logger string, data interface{}) error {
	if !level.Valid() {
		return mcperrors.InvalidParameter("level", string(level), "syslog severity name")
	}
	caps, initialized := s.negotiatedCapabilities()
	if !initialized {
		return mcperrors.ServerNotReady("client has not initialized")
	}
	if caps.Logging == nil {
		return mcperrors.CapabilityRequired("logging")
	}
	s.mu.Lock()
	threshold := s.logLevel
	s.mu.Unlock()
	if level.Severity() < threshold.Severity() {
		return nil
	}
	return s.notify(ctx, protocol.MethodNotifyLog, &protocol.LoggingMessageParams{Level: level, Logger: logger, Data: data})
}

// Progress reports progress of the request handled in ctx. It does nothing
// when the client did not ask for progress.
func (s *Server) Progress(ctx context.Context, progress, total float64, message string) error {
	token, ok := ProgressToken(ctx)
	if !ok {
		return nil
	}
	return s.notify(ctx, protocol.MethodNotifyProgress, &protocol.ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

type listKind int

const (
	listTools listKind = iota
	listResources
	listPrompts
)

// listChanged notifies the client that a list changed, but only once the
// client has initialized and was told list-changed notifications would come
func (s *Server) listChanged(kind listKind) {
	if s.state.Load() != stateRunning {
		return
	}
	caps, initialized := s.negotiatedCapabilities()
	if !initialized {
		return
	}
	var method string
	switch kind {
	case listTools:
		if caps.Tools == nil || !caps.Tools.ListChanged {
			return
		}
		method = protocol.MethodNotifyToolsChanged
	case listResources:
		if caps.Resources == nil || !caps.Resources.ListChanged {
			return
		}
		method = protocol.MethodNotifyResourcesChanged
	case listPrompts:
		if caps.Prompts == nil || !caps.Prompts.ListChanged {
			return
		}
		method = protocol.MethodNotifyPromptsChanged
	}
	if err := s.notify(s.ctx, method, nil); err != nil {
		s.logger.Warn("list changed notification not sent", logging.String("method", method), logging.ErrorField(err))
	}
}

// RegisterTool adds or replaces a tool
func (s *Server) RegisterTool(tool protocol.Tool, h ToolHandler) error {
	if err := s.providers.addTool(tool, h); err != nil {
		return err
	}
	s.listChanged(listTools)
	return nil
}

// UnregisterTool removes a tool and reports whether it existed
func (s *Server) UnregisterTool(name string) bool {
	ok := s.providers.removeTool(name)
	if ok {
		s.listChanged(listTools)
	}
	return ok
}

// RegisterResource adds or replaces a resource
func (s *Server) RegisterResource(r protocol.Resource, h ResourceHandler) error {
	if err := s.providers.addResource(r, h); err != nil {
		return err
	}
	s.listChanged(listResources)
	return nil
}

// UnregisterResource removes a resource and any subscription to it
func (s *Server) UnregisterResource(uri string) bool {
	ok := s.providers.removeResource(uri)
	if ok {
		s.subscriptions.remove(uri)
		s.listChanged(listResources)
	}
	return ok
}

// RegisterResourceTemplate adds or replaces a resource template
func (s *Server) RegisterResourceTemplate(t protocol.ResourceTemplate, h TemplateHandler) error {
	if err := s.providers.addTemplate(t, h); err != nil {
		return err
	}
	s.listChanged(listResources)
	return nil
}

// UnregisterResourceTemplate removes a resource template
func (s *Server) UnregisterResourceTemplate(uriTemplate string) bool {
	ok := s.providers.removeTemplate(uriTemplate)
	if ok {
		s.listChanged(listResources)
	}
	return ok
}

// RegisterPrompt adds or replaces a prompt
func (s *Server) RegisterPrompt(p protocol.Prompt, h PromptHandler) error {
	if err := s.providers.addPrompt(p, h); err != nil {
		return err
	}
	s.listChanged(listPrompts)
	return nil
}

// UnregisterPrompt removes a prompt
func (s *Server) UnregisterPrompt(name string) bool {
	ok := s.providers.removePrompt(name)
	if ok {
		s.listChanged(listPrompts)
	}
	return ok
}
