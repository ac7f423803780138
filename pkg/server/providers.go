package server

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/registry"
)

// ToolHandler runs a tool. A returned error becomes a result with isError
// set; it does not fail the request.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error)

// ResourceHandler reads a registered resource
type ResourceHandler func(ctx context.Context, uri string) (*protocol.ReadResourceResult, error)

// TemplateHandler reads a resource whose URI matched a template. vars holds
// the values of the template's {variables}.
type TemplateHandler func(ctx context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error)

// PromptHandler renders a prompt from its arguments
type PromptHandler func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

// CompletionHandler suggests argument values for completion/complete
type CompletionHandler func(ctx context.Context, params *protocol.CompleteParams) (*protocol.CompleteResult, error)

type toolEntry struct {
	tool    protocol.Tool
	schema  *registry.Schema
	handler ToolHandler
}

type resourceEntry struct {
	resource protocol.Resource
	handler  ResourceHandler
}

type templateEntry struct {
	template protocol.ResourceTemplate
	pattern  *regexp.Regexp
	vars     []string
	handler  TemplateHandler
}

type promptEntry struct {
	prompt  protocol.Prompt
	handler PromptHandler
}

// providers holds everything a server exposes, keyed by name or URI
type providers struct {
	mu        sync.RWMutex
	tools     map[string]*toolEntry
	resources map[string]*resourceEntry
	templates map[string]*templateEntry
	prompts   map[string]*promptEntry
}

func newProviders() *providers {
	return &providers{
		tools:     make(map[string]*toolEntry),
		resources: make(map[string]*resourceEntry),
		templates: make(map[string]*templateEntry),
		prompts:   make(map[string]*promptEntry),
	}
}

func (p *providers) addTool(tool protocol.Tool, h ToolHandler) error {
	if tool.Name == "" {
		return mcperrors.MissingParameter("tool.name")
	}
	if h == nil {
		return mcperrors.MissingParameter("handler")
	}
	schema, err := registry.ParseSchema(tool.InputSchema)
	if err != nil {
		return mcperrors.InvalidParameter("inputSchema", string(tool.InputSchema), "JSON schema object").WithDetail(err.Error())
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = []byte(`{"type":"object"}`)
	}
	p.mu.Lock()
	p.tools[tool.Name] = &toolEntry{tool: tool, schema: schema, handler: h}
	p.mu.Unlock()
	return nil
}

func (p *providers) removeTool(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tools[name]
	delete(p.tools, name)
	return ok
}

func (p *providers) tool(name string) (*toolEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.tools[name]
	return e, ok
}

func (p *providers) listTools() []protocol.Tool {
	p.mu.RLock()
	out := make([]protocol.Tool, 0, len(p.tools))
	for _, e := range p.tools {
		out = append(out, e.tool)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *providers) addResource(r protocol.Resource, h ResourceHandler) error {
	if r.URI == "" {
		return mcperrors.MissingParameter("resource.uri")
	}
	if h == nil {
		return mcperrors.MissingParameter("handler")
	}
	if r.Name == "" {
		r.Name = r.URI
	}
	p.mu.Lock()
	p.resources[r.URI] = &resourceEntry{resource: r, handler: h}
	p.mu.Unlock()
	return nil
}

func (p *providers) removeResource(uri string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.resources[uri]
	delete(p.resources, uri)
	return ok
}

func (p *providers) listResources() []protocol.Resource {
	p.mu.RLock()
	out := make([]protocol.Resource, 0, len(p.resources))
	for _, e := range p.resources {
		out = append(out, e.resource)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (p *providers) addTemplate(t protocol.ResourceTemplate, h TemplateHandler) error {
	if t.URITemplate == "" {
		return mcperrors.MissingParameter("template.uriTemplate")
	}
	if h == nil {
		return mcperrors.MissingParameter("handler")
	}
	pattern, vars, err := compileTemplate(t.URITemplate)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.templates[t.URITemplate] = &templateEntry{template: t, pattern: pattern, vars: vars, handler: h}
	p.mu.Unlock()
	return nil
}

func (p *providers) removeTemplate(uriTemplate string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.templates[uriTemplate]
	delete(p.templates, uriTemplate)
	return ok
}

func (p *providers) listTemplates() []protocol.ResourceTemplate {
	p.mu.RLock()
	out := make([]protocol.ResourceTemplate, 0, len(p.templates))
	for _, e := range p.templates {
		out = append(out, e.template)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URITemplate < out[j].URITemplate })
	return out
}

// reader finds the handler for uri: an exact resource first, then the
// first template (in template order) that matches.
func (p *providers) reader(uri string) (func(ctx context.Context) (*protocol.ReadResourceResult, error), bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if e, ok := p.resources[uri]; ok {
		return func(ctx context.Context) (*protocol.ReadResourceResult, error) { return e.handler(ctx, uri) }, true
	}

	keys := make([]string, 0, len(p.templates))
	for k := range p.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := p.templates[k]
		m := e.pattern.FindStringSubmatch(uri)
		if m == nil {
			continue
		}
		vars := make(map[string]string, len(e.vars))
		for i, name := range e.vars {
			vars[name] = m[i+1]
		}
		return func(ctx context.Context) (*protocol.ReadResourceResult, error) { return e.handler(ctx, uri, vars) }, true
	}
	return nil, false
}

func (p *providers) addPrompt(pr protocol.Prompt, h PromptHandler) error {
	if pr.Name == "" {
		return mcperrors.MissingParameter("prompt.name")
	}
	if h == nil {
		return mcperrors.MissingParameter("handler")
	}
	p.mu.Lock()
	p.prompts[pr.Name] = &promptEntry{prompt: pr, handler: h}
	p.mu.Unlock()
	return nil
}

func (p *providers) removePrompt(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.prompts[name]
	delete(p.prompts, name)
	return ok
}

func (p *providers) prompt(name string) (*promptEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.prompts[name]
	return e, ok
}

func (p *providers) listPrompts() []protocol.Prompt {
	p.mu.RLock()
	out := make([]protocol.Prompt, 0, len(p.prompts))
	for _, e := range p.prompts {
		out = append(out, e.prompt)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *providers) counts() (tools, resources, prompts int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tools), len(p.resources) + len(p.templates), len(p.prompts)
}

var templateVar = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// compileTemplate turns a simple URI template such as
// "users://{id}/profile" into an anchored pattern. Each variable matches one
// path segment.
func compileTemplate(tmpl string) (*regexp.Regexp, []string, error) {
	if strings.ContainsAny(templateVar.ReplaceAllString(tmpl, ""), "{}") {
		return nil, nil, mcperrors.InvalidParameter("uriTemplate", tmpl, "URI template with {name} variables")
	}
	var (
		b    strings.Builder
		vars []string
		last int
	)
	b.WriteString("^")
	for _, loc := range templateVar.FindAllStringSubmatchIndex(tmpl, -1) {
		b.WriteString(regexp.QuoteMeta(tmpl[last:loc[0]]))
		b.WriteString(`([^/?#]+)`)
		vars = append(vars, tmpl[loc[2]:loc[3]])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(tmpl[last:]))
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("compile uri template %q: %w", tmpl, err)
	}
	return re, vars, nil
}
