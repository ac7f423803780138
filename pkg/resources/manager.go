// Package resources tracks the resources advertised by connected servers,
// caches their contents and fans out update notifications to subscribers.
//
// Reads go through a Store with a TTL. Concurrent misses for the same
// resource share one fetch. When the store exceeds its capacity the least
// recently updated entries are evicted first.
package resources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// DefaultTTL is how long a read stays cached
const DefaultTTL = 5 * time.Minute

const uriScheme = "mcp://"

// QualifyURI returns mcp://<server>/<uri>
func QualifyURI(server, uri string) string {
	return uriScheme + server + "/" + uri
}

// ParseQualifiedURI splits a qualified URI at the first slash after the server
func ParseQualifiedURI(qualified string) (server, uri string, err error) {
	rest, ok := strings.CutPrefix(qualified, uriScheme)
	if !ok {
		return "", "", mcperrors.InvalidParameter("uri", qualified, "mcp://<server>/<uri>")
	}
	server, uri, ok = strings.Cut(rest, "/")
	if !ok || server == "" || uri == "" {
		return "", "", mcperrors.InvalidParameter("uri", qualified, "mcp://<server>/<uri>")
	}
	return server, uri, nil
}

// FetchFunc reads a resource from its server
type FetchFunc func(ctx context.Context, server, uri string) (*protocol.ReadResourceResult, error)

// Update is passed to subscribers when a resource changes
type Update struct {
	ServerName   string
	URI          string
	QualifiedURI string
	Contents     *protocol.ReadResourceResult
}

// UpdateFunc receives resource updates
type UpdateFunc func(Update)

// ManagedResource is a resource descriptor owned by one server
type ManagedResource struct {
	ServerName   string
	QualifiedURI string
	Resource     protocol.Resource
	Subscribed   bool
}

// Manager holds resource descriptors, the content cache and subscriptions
type Manager struct {
	fetch   FetchFunc
	store   Store
	ttl     time.Duration
	now     func() time.Time
	logger  logging.Logger
	metrics *observability.Metrics
	flights singleflight.Group

	mu        sync.RWMutex
	resources map[string]map[string]protocol.Resource // server, uri

	subMu sync.Mutex
	subs  map[string]map[string]UpdateFunc // qualified uri, subscription id

	// generations change whenever cached reads are dropped, so a fetch that
	// started before the drop does not store its result
	genMu sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithTTL sets the cache lifetime of a read
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithCapacity sets the capacity of the default memory store
func WithCapacity(n int) Option {
	return func(m *Manager) {
		m.store = NewMemoryStore(n)
	}
}

// WithStore replaces the cache store
func WithStore(s Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.ForComponent(l, "ResourceManager")
	}
}

// WithMetrics records cache hits and misses
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a manager reading through fetch
func NewManager(fetch FetchFunc, opts ...Option) *Manager {
	m := &Manager{
		fetch:     fetch,
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    logging.ForComponent(nil, "ResourceManager"),
		resources: make(map[string]map[string]protocol.Resource),
		subs:      make(map[string]map[string]UpdateFunc),
		gens:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore(DefaultCapacity)
	}
	return m
}

// RegisterResources replaces the resource set of server. Cached reads of
// resources that disappeared are dropped.
func (m *Manager) RegisterResources(ctx context.Context, server string, list []protocol.Resource) error {
	if server == "" || strings.Contains(server, "/") {
		return mcperrors.InvalidParameter("server", server, "a name without slashes")
	}
	set := make(map[string]protocol.Resource, len(list))
	for _, r := range list {
		if r.URI == "" {
			return mcperrors.MissingParameter("uri")
		}
		set[r.URI] = r
	}

	m.mu.Lock()
	old := m.resources[server]
	m.resources[server] = set
	m.mu.Unlock()

	for uri := range old {
		if _, ok := set[uri]; !ok {
			m.dropEntry(ctx, QualifyURI(server, uri))
		}
	}
	return nil
}

// Resources returns every managed resource ordered by qualified URI
func (m *Manager) Resources() []ManagedResource {
	m.mu.RLock()
	var out []ManagedResource
	for server, set := range m.resources {
		for _, r := range set {
			out = append(out, m.managed(server, r))
		}
	}
	m.mu.RUnlock()
	sortManaged(out)
	return out
}

// ServerResources returns the resources of one server
func (m *Manager) ServerResources(server string) []ManagedResource {
	m.mu.RLock()
	out := make([]ManagedResource, 0, len(m.resources[server]))
	for _, r := range m.resources[server] {
		out = append(out, m.managed(server, r))
	}
	m.mu.RUnlock()
	sortManaged(out)
	return out
}

// Resource looks a single resource up
func (m *Manager) Resource(server, uri string) (ManagedResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[server][uri]
	if !ok {
		return ManagedResource{}, false
	}
	return m.managed(server, r), true
}

func (m *Manager) managed(server string, r protocol.Resource) ManagedResource {
	q := QualifyURI(server, r.URI)
	m.subMu.Lock()
	subscribed := len(m.subs[q]) > 0
	m.subMu.Unlock()
	return ManagedResource{ServerName: server, QualifiedURI: q, Resource: r, Subscribed: subscribed}
}

// ReadResource returns the cached contents of uri while they are fresh and
// fetches them otherwise. Concurrent misses share one fetch, which is not
// cancelled when a waiting caller gives up.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) (*protocol.ReadResourceResult, error) {
	key := QualifyURI(server, uri)

	entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache lookup failed", logging.String("uri", key), logging.ErrorField(err))
	}
	if ok && !entry.Expired(m.now()) {
		m.metrics.RecordCacheLookup(true)
		return entry.Result, nil
	}
	m.metrics.RecordCacheLookup(false)

	ch := m.flights.DoChan(key, func() (interface{}, error) {
		fctx := context.WithoutCancel(ctx)
		gen := m.generation(server)
		result, err := m.fetch(fctx, server, uri)
		if err != nil {
			return nil, err
		}
		if m.generation(server) == gen {
			m.put(fctx, key, result)
		}
		return result, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*protocol.ReadResourceResult), nil
	case <-ctx.Done():
		return nil, mcperrors.ConvertStandardError(ctx.Err())
	}
}

func (m *Manager) generation(server string) uint64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	return m.epoch + m.gens[server]
}

func (m *Manager) bumpGeneration(server string) {
	m.genMu.Lock()
	if server == "" {
		m.epoch++
	} else {
		m.gens[server]++
	}
	m.genMu.Unlock()
}

func (m *Manager) put(ctx context.Context, key string, result *protocol.ReadResourceResult) {
	now := m.now()
	err := m.store.Set(ctx, key, &Entry{Result: result, Expiry: now.Add(m.ttl), UpdatedAt: now})
	if err != nil {
		m.logger.Warn("cache store failed", logging.String("uri", key), logging.ErrorField(err))
	}
}

func (m *Manager) dropEntry(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("cache delete failed", logging.String("uri", key), logging.ErrorField(err))
	}
}

// Subscribe registers fn for updates of uri. The returned function removes
// the subscription and may be called more than once.
func (m *Manager) Subscribe(server, uri string, fn UpdateFunc) (unsubscribe func()) {
	key := QualifyURI(server, uri)
	id := uuid.NewString()

	m.subMu.Lock()
	if m.subs[key] == nil {
		m.subs[key] = make(map[string]UpdateFunc)
	}
	m.subs[key][id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(m.subs[key], id)
			if len(m.subs[key]) == 0 {
				delete(m.subs, key)
			}
		})
	}
}

// NotifyUpdate refreshes the cache entry of uri and calls every subscriber.
// When contents is nil they are fetched first. A subscriber that panics is
// logged and does not stop the others.
func (m *Manager) NotifyUpdate(ctx context.Context, server, uri string, contents *protocol.ReadResourceResult) error {
	key := QualifyURI(server, uri)
	if contents == nil {
		fetched, err := m.fetch(ctx, server, uri)
		if err != nil {
			m.dropEntry(ctx, key)
			return err
		}
		contents = fetched
	}
	m.put(ctx, key, contents)

	m.subMu.Lock()
	fns := make([]UpdateFunc, 0, len(m.subs[key]))
	for _, fn := range m.subs[key] {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	update := Update{ServerName: server, URI: uri, QualifiedURI: key, Contents: contents}
	for _, fn := range fns {
		m.deliver(fn, update)
	}
	return nil
}

func (m *Manager) deliver(fn UpdateFunc, update Update) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("resource subscriber panicked",
				logging.String("uri", update.QualifiedURI),
				logging.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(update)
}

// InvalidateCache drops the cached read of one resource
func (m *Manager) InvalidateCache(ctx context.Context, server, uri string) {
	m.bumpGeneration(server)
	m.dropEntry(ctx, QualifyURI(server, uri))
}

// ClearCache drops every cached read
func (m *Manager) ClearCache(ctx context.Context) error {
	m.bumpGeneration("")
	return m.store.Clear(ctx)
}

// RemoveServer forgets the resources of server and their cached reads
func (m *Manager) RemoveServer(ctx context.Context, server string) error {
	m.mu.Lock()
	delete(m.resources, server)
	m.mu.Unlock()
	m.bumpGeneration(server)
	return m.store.DeletePrefix(ctx, QualifyURI(server, ""))
}

// RemoveSubscriptions drops every subscription on resources of server
func (m *Manager) RemoveSubscriptions(server string) {
	prefix := QualifyURI(server, "")
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for key := range m.subs {
		if strings.HasPrefix(key, prefix) {
			delete(m.subs, key)
		}
	}
}

// CacheLen returns the number of cached reads
func (m *Manager) CacheLen(ctx context.Context) int {
	n, err := m.store.Len(ctx)
	if err != nil {
		m.logger.Warn("cache size unavailable", logging.ErrorField(err))
	}
	return n
}

func sortManaged(list []ManagedResource) {
	sort.Slice(list, func(i, j int) bool { return list[i].QualifiedURI < list[j].QualifiedURI })
}
