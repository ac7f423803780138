// Package registry keeps the tool descriptors advertised by connected
// servers under qualified names and validates call arguments against their
// input schemas.
//
// Each server's tool set is replaced as a whole: readers always see either
// the previous set or the new one, never a mix.
package registry

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// RegisteredTool is a tool descriptor owned by one server. Values are
// immutable once published.
type RegisteredTool struct {
	ServerName    string
	QualifiedName string
	Tool          protocol.Tool
	Enabled       bool
	RegisteredAt  time.Time

	schema *Schema
}

// Validate checks args against the tool's input schema
func (t *RegisteredTool) Validate(args map[string]interface{}) []mcperrors.ValidationIssue {
	return t.schema.Validate(args)
}

type snapshot struct {
	servers map[string][]*RegisteredTool
	byName  map[string]*RegisteredTool
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		servers: make(map[string][]*RegisteredTool, len(s.servers)),
		byName:  make(map[string]*RegisteredTool, len(s.byName)),
	}
	for k, v := range s.servers {
		next.servers[k] = v
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	return next
}

// Registry stores tools keyed by server and qualified name. Reads are lock
// free; writers build a new snapshot and swap it in.
type Registry struct {
	snap   atomic.Pointer[snapshot]
	mu     sync.Mutex
	logger logging.Logger
	now    func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.ForComponent(logger, "Registry")
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		logger: logging.ForComponent(nil, "Registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{
		servers: map[string][]*RegisteredTool{},
		byName:  map[string]*RegisteredTool{},
	})
	return r
}

// RegisterTools replaces the tool set of server. Tools that were disabled
// before keep their flag. Nothing is changed when any tool is rejected.
func (r *Registry) RegisterTools(server string, tools []protocol.Tool) error {
	if err := ValidateServerName(server); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	prev := make(map[string]*RegisteredTool, len(cur.servers[server]))
	for _, t := range cur.servers[server] {
		prev[t.QualifiedName] = t
	}

	now := r.now()
	set := make([]*RegisteredTool, 0, len(tools))
	seen := make(map[string]bool, len(tools))
	var issues []mcperrors.ValidationIssue
	for _, tool := range tools {
		if tool.Name == "" {
			issues = append(issues, mcperrors.ValidationIssue{Path: "name", Message: "tool name is empty"})
			continue
		}
		if seen[tool.Name] {
			issues = append(issues, mcperrors.ValidationIssue{Path: tool.Name, Message: "duplicate tool name"})
			continue
		}
		seen[tool.Name] = true

		schema, err := ParseSchema(tool.InputSchema)
		if err != nil {
			issues = append(issues, mcperrors.ValidationIssue{Path: tool.Name, Message: "invalid input schema: " + err.Error()})
			continue
		}

		q := QualifyName(server, tool.Name)
		if ps, pt, err := ParseQualifiedName(q); err != nil || ps != server || pt != tool.Name {
			issues = append(issues, mcperrors.ValidationIssue{Path: tool.Name, Message: "qualified name " + q + " is ambiguous"})
			continue
		}
		if other, ok := cur.byName[q]; ok && other.ServerName != server {
			issues = append(issues, mcperrors.ValidationIssue{Path: tool.Name, Message: "qualified name " + q + " is taken by server " + other.ServerName})
			continue
		}
		rt := &RegisteredTool{
			ServerName:    server,
			QualifiedName: q,
			Tool:          tool,
			Enabled:       true,
			RegisteredAt:  now,
			schema:        schema,
		}
		if old, ok := prev[q]; ok {
			rt.Enabled = old.Enabled
		}
		set = append(set, rt)
	}
	if len(issues) > 0 {
		return mcperrors.ValidationFailed("tools of "+server, issues)
	}

	next := cur.clone()
	for q, t := range prev {
		if next.byName[q] == t {
			delete(next.byName, q)
		}
	}
	for _, t := range set {
		next.byName[t.QualifiedName] = t
	}
	next.servers[server] = set
	r.snap.Store(next)

	r.logger.Debug("tools registered", logging.String("server", server), logging.Int("count", len(set)))
	return nil
}

// UnregisterServer removes every tool of server and reports whether it had any
func (r *Registry) UnregisterServer(server string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	tools, ok := cur.servers[server]
	if !ok {
		return false
	}
	next := cur.clone()
	for _, t := range tools {
		if next.byName[t.QualifiedName] == t {
			delete(next.byName, t.QualifiedName)
		}
	}
	delete(next.servers, server)
	r.snap.Store(next)
	return true
}

// Get looks a tool up by qualified name
func (r *Registry) Get(qualified string) (*RegisteredTool, bool) {
	t, ok := r.snap.Load().byName[qualified]
	return t, ok
}

// GetTool looks a tool up by server and tool name
func (r *Registry) GetTool(server, tool string) (*RegisteredTool, bool) {
	return r.Get(QualifyName(server, tool))
}

// List returns every tool ordered by qualified name
func (r *Registry) List() []*RegisteredTool {
	snap := r.snap.Load()
	out := make([]*RegisteredTool, 0, len(snap.byName))
	for _, t := range snap.byName {
		out = append(out, t)
	}
	sortTools(out)
	return out
}

// ListServer returns the tools of one server in registration order
func (r *Registry) ListServer(server string) []*RegisteredTool {
	return slices.Clone(r.snap.Load().servers[server])
}

// Servers returns the names of servers with registered tools, sorted
func (r *Registry) Servers() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.servers))
	for s := range snap.servers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Search returns tools whose name or description contains query, ignoring
// case. An empty query matches everything.
func (r *Registry) Search(query string) []*RegisteredTool {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*RegisteredTool
	for _, t := range r.snap.Load().byName {
		if q == "" ||
			strings.Contains(strings.ToLower(t.Tool.Name), q) ||
			strings.Contains(strings.ToLower(t.Tool.Description), q) {
			out = append(out, t)
		}
	}
	sortTools(out)
	return out
}

// SetEnabled toggles whether a tool may be called
func (r *Registry) SetEnabled(qualified string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	old, ok := cur.byName[qualified]
	if !ok {
		return mcperrors.ResourceNotFound("tool", qualified)
	}
	if old.Enabled == enabled {
		return nil
	}

	updated := *old
	updated.Enabled = enabled

	next := cur.clone()
	next.byName[qualified] = &updated
	set := slices.Clone(next.servers[old.ServerName])
	for i, t := range set {
		if t.QualifiedName == qualified {
			set[i] = &updated
		}
	}
	next.servers[old.ServerName] = set
	r.snap.Store(next)
	return nil
}

// Validate checks that a tool exists, is enabled and accepts args
func (r *Registry) Validate(qualified string, args map[string]interface{}) error {
	t, ok := r.Get(qualified)
	if !ok {
		return mcperrors.ResourceNotFound("tool", qualified)
	}
	if !t.Enabled {
		return mcperrors.ResourceUnavailable("tool", qualified, errors.New("tool is disabled"))
	}
	if issues := t.Validate(args); len(issues) > 0 {
		return mcperrors.ValidationFailed(qualified, issues)
	}
	return nil
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	return len(r.snap.Load().byName)
}

func sortTools(tools []*RegisteredTool) {
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].QualifiedName < tools[j].QualifiedName
	})
}
