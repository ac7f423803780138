// Package hub connects to several MCP servers at once and presents their
// tools and resources under qualified names.
//
// Tools of server "files" named "read" are exposed as mcp__files__read and
// resources as mcp://files/<uri>. The hub keeps both views current as
// servers announce list changes, and forwards resource updates to
// subscribers of the resource manager.
package hub

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/config"
	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/registry"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// DefaultConnectConcurrency bounds how many servers ConnectAll dials at once
const DefaultConnectConcurrency = 4

// refreshTimeout bounds a list refresh triggered by a notification
const refreshTimeout = 30 * time.Second

// Dialer creates a connected client for a server
type Dialer func(ctx context.Context, cfg transport.Config, opts ...client.Option) (*client.Client, error)

// ServerPrompt is a prompt together with the server offering it
type ServerPrompt struct {
	Server string
	Prompt protocol.Prompt
}

type connection struct {
	name        string
	client      *client.Client
	unsubscribe func()
}

// Hub manages one client per configured server
type Hub struct {
	logger     logging.Logger
	metrics    *observability.Metrics
	dial       Dialer
	reconnect  transport.ReconnectConfig
	clientOpts []client.Option
	cacheOpts  []resources.Option

	registry  *registry.Registry
	resources *resources.Manager

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool

	background sync.WaitGroup
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the hub's logger, which also reaches its clients
func WithLogger(l logging.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics records client and cache metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithDialer replaces client.Dial
func WithDialer(d Dialer) Option {
	return func(h *Hub) {
		if d != nil {
			h.dial = d
		}
	}
}

// WithReconnect sets the event stream reconnect policy of HTTP servers
func WithReconnect(rc transport.ReconnectConfig) Option {
	return func(h *Hub) { h.reconnect = rc }
}

// WithClientOptions adds options to every client the hub creates
func WithClientOptions(opts ...client.Option) Option {
	return func(h *Hub) { h.clientOpts = append(h.clientOpts, opts...) }
}

// WithCacheOptions configures the resource manager's cache
func WithCacheOptions(opts ...resources.Option) Option {
	return func(h *Hub) { h.cacheOpts = append(h.cacheOpts, opts...) }
}

// New creates an empty hub
func New(opts ...Option) *Hub {
	h := &Hub{
		dial:  client.Dial,
		conns: make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.ForComponent(h.logger, "Hub")
	h.registry = registry.New(registry.WithLogger(h.logger))
	managerOpts := append([]resources.Option{resources.WithLogger(h.logger), resources.WithMetrics(h.metrics)}, h.cacheOpts...)
	h.resources = resources.NewManager(h.fetch, managerOpts...)
	return h
}

// Registry returns the tool registry the hub maintains
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Resources returns the resource manager the hub maintains
func (h *Hub) Resources() *resources.Manager { return h.resources }

// Connect dials the server described by cfg and imports its tools and
// resources
func (h *Hub) Connect(ctx context.Context, cfg config.ServerConfig) error {
	if err := registry.ValidateServerName(cfg.Name); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return mcperrors.ConnectionClosed("hub")
	}
	if _, ok := h.conns[cfg.Name]; ok {
		h.mu.Unlock()
		return mcperrors.InvalidParameter("server", cfg.Name, "a server that is not connected yet")
	}
	// reserve the name while dialing
	h.conns[cfg.Name] = &connection{name: cfg.Name}
	h.mu.Unlock()

	c, err := h.dialServer(ctx, cfg)
	if err != nil {
		h.mu.Lock()
		delete(h.conns, cfg.Name)
		h.mu.Unlock()
		return err
	}

	conn := &connection{name: cfg.Name, client: c}
	conn.unsubscribe = c.Subscribe(func(ev client.Event) { h.onEvent(conn, ev) },
		client.EventToolsChanged, client.EventResourcesChanged, client.EventResourceUpdated, client.EventClosed)

	h.mu.Lock()
	h.conns[cfg.Name] = conn
	h.mu.Unlock()

	if err := h.syncTools(ctx, conn); err != nil {
		h.Disconnect(cfg.Name)
		return err
	}
	if err := h.syncResources(ctx, conn); err != nil {
		h.Disconnect(cfg.Name)
		return err
	}
	h.logger.Info("server connected",
		logging.String("server", cfg.Name),
		logging.String("transport", string(cfg.Transport)),
		logging.Int("tools", len(h.registry.ListServer(cfg.Name))),
		logging.Int("resources", len(h.resources.ServerResources(cfg.Name))))
	return nil
}

func (h *Hub) dialServer(ctx context.Context, cfg config.ServerConfig) (*client.Client, error) {
	tc := cfg.TransportConfig(h.reconnect)
	tc.Logger = h.logger.WithFields(logging.String("server", cfg.Name))
	tc.Metrics = h.metrics
	opts := append([]client.Option{
		client.WithLogger(tc.Logger),
		client.WithMetrics(h.metrics),
	}, h.clientOpts...)
	c, err := h.dial(ctx, tc, opts...)
	if err != nil {
		return nil, mcperrors.ConnectionFailed(string(cfg.Transport), cfg.Name, err)
	}
	return c, nil
}

// ConnectAll connects every enabled server concurrently. Servers that fail
// are reported in the joined error and the rest stay connected.
func (h *Hub) ConnectAll(ctx context.Context, servers []config.ServerConfig) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultConnectConcurrency)
	for _, s := range servers {
		if s.Disabled {
			continue
		}
		s := s
		g.Go(func() error {
			if err := h.Connect(gctx, s); err != nil {
				h.logger.Warn("server connect failed", logging.String("server", s.Name), logging.ErrorField(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}

// Servers returns the names of connected servers
func (h *Hub) Servers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.conns))
	for name, conn := range h.conns {
		if conn.client != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Client returns the client connected to server
func (h *Hub) Client(server string) (*client.Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[server]
	if !ok || conn.client == nil {
		return nil, false
	}
	return conn.client, true
}

// Tools returns the enabled tools of every server in qualified name order
func (h *Hub) Tools() []*registry.RegisteredTool {
	all := h.registry.List()
	out := all[:0:0]
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// CallTool validates args and calls the tool named by its qualified name
func (h *Hub) CallTool(ctx context.Context, qualified string, args map[string]interface{}, opts ...client.CallOption) (*protocol.CallToolResult, error) {
	tool, ok := h.registry.Get(qualified)
	if !ok {
		return nil, mcperrors.ResourceNotFound("tool", qualified)
	}
	if err := h.registry.Validate(qualified, args); err != nil {
		return nil, err
	}
	c, ok := h.Client(tool.ServerName)
	if !ok {
		return nil, mcperrors.ResourceUnavailable("server", tool.ServerName, nil)
	}
	return c.CallTool(ctx, tool.Tool.Name, args, opts...)
}

// ReadResource reads a resource by its qualified URI through the cache
func (h *Hub) ReadResource(ctx context.Context, qualifiedURI string) (*protocol.ReadResourceResult, error) {
	server, uri, err := resources.ParseQualifiedURI(qualifiedURI)
	if err != nil {
		return nil, err
	}
	return h.resources.ReadResource(ctx, server, uri)
}

// SubscribeResource subscribes to updates of a resource by its qualified
// URI. The server is asked to send updates when it supports subscriptions.
func (h *Hub) SubscribeResource(ctx context.Context, qualifiedURI string, fn resources.UpdateFunc) (unsubscribe func(), err error) {
	server, uri, err := resources.ParseQualifiedURI(qualifiedURI)
	if err != nil {
		return nil, err
	}
	c, ok := h.Client(server)
	if !ok {
		return nil, mcperrors.ResourceUnavailable("server", server, nil)
	}
	if caps := c.ServerCapabilities(); caps.Resources != nil && caps.Resources.Subscribe {
		if err := c.SubscribeResource(ctx, uri); err != nil {
			return nil, err
		}
	}
	return h.resources.Subscribe(server, uri, fn), nil
}

// Prompts lists the prompts of every server that offers them
func (h *Hub) Prompts(ctx context.Context) ([]ServerPrompt, error) {
	var out []ServerPrompt
	for _, name := range h.Servers() {
		c, ok := h.Client(name)
		if !ok || c.ServerCapabilities().Prompts == nil {
			continue
		}
		prompts, err := c.ListAllPrompts(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, p := range prompts {
			out = append(out, ServerPrompt{Server: name, Prompt: p})
		}
	}
	return out, nil
}

// Disconnect closes the client of server and forgets its tools and
// resources. It reports whether the server was connected.
func (h *Hub) Disconnect(server string) bool {
	h.mu.Lock()
	conn, ok := h.conns[server]
	if ok && conn.client != nil {
		delete(h.conns, server)
	}
	h.mu.Unlock()
	if !ok || conn.client == nil {
		return false
	}
	h.teardown(conn)
	return true
}

func (h *Hub) teardown(conn *connection) {
	if conn.unsubscribe != nil {
		conn.unsubscribe()
	}
	if err := conn.client.Close(); err != nil {
		h.logger.Debug("client close", logging.String("server", conn.name), logging.ErrorField(err))
	}
	h.forget(conn.name)
}

func (h *Hub) forget(server string) {
	h.registry.UnregisterServer(server)
	h.resources.RemoveSubscriptions(server)
	if err := h.resources.RemoveServer(context.Background(), server); err != nil {
		h.logger.Warn("resource cache cleanup failed", logging.String("server", server), logging.ErrorField(err))
	}
}

// Close disconnects every server
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		if conn.client != nil {
			conns = append(conns, conn)
		}
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, conn := range conns {
		h.teardown(conn)
	}
	h.background.Wait()
	h.logger.Info("hub closed", logging.Int("servers", len(conns)))
	return nil
}

// fetch reads a resource from its server for the resource manager
func (h *Hub) fetch(ctx context.Context, server, uri string) (*protocol.ReadResourceResult, error) {
	c, ok := h.Client(server)
	if !ok {
		return nil, mcperrors.ResourceUnavailable("server", server, nil)
	}
	return c.ReadResource(ctx, uri)
}

func (h *Hub) syncTools(ctx context.Context, conn *connection) error {
	if conn.client.ServerCapabilities().Tools == nil {
		return nil
	}
	tools, err := conn.client.ListAllTools(ctx)
	if err != nil {
		return err
	}
	return h.registry.RegisterTools(conn.name, tools)
}

func (h *Hub) syncResources(ctx context.Context, conn *connection) error {
	if conn.client.ServerCapabilities().Resources == nil {
		return nil
	}
	list, err := conn.client.ListAllResources(ctx)
	if err != nil {
		return err
	}
	return h.resources.RegisterResources(ctx, conn.name, list)
}

// onEvent runs on the client's read loop, so anything that issues requests
// moves to a goroutine
func (h *Hub) onEvent(conn *connection, ev client.Event) {
	switch ev.Type {
	case client.EventToolsChanged:
		h.goRefresh(conn, "tools", h.syncTools)
	case client.EventResourcesChanged:
		h.goRefresh(conn, "resources", h.syncResources)
	case client.EventResourceUpdated:
		h.goRefresh(conn, "resource "+ev.URI, func(ctx context.Context, conn *connection) error {
			return h.resources.NotifyUpdate(ctx, conn.name, ev.URI, nil)
		})
	case client.EventClosed:
		h.mu.Lock()
		current, ok := h.conns[conn.name]
		if ok && current == conn {
			delete(h.conns, conn.name)
		}
		h.mu.Unlock()
		if ok && current == conn {
			h.logger.Warn("server disconnected", logging.String("server", conn.name), logging.ErrorField(ev.Err))
			h.forget(conn.name)
		}
	}
}

func (h *Hub) goRefresh(conn *connection, what string, fn func(context.Context, *connection) error) {
	h.mu.RLock()
	closed := h.closed
	if !closed {
		h.background.Add(1)
	}
	h.mu.RUnlock()
	if closed {
		return
	}
	go func() {
		defer h.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := fn(ctx, conn); err != nil {
			h.logger.Warn("refresh failed",
				logging.String("server", conn.name), logging.String("what", what), logging.ErrorField(err))
		}
	}()
}
