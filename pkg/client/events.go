package client

import (
	"fmt"
	"sync"

	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// EventType identifies a client event
type EventType string

const (
	EventLog              EventType = "log"
	EventToolsChanged     EventType = "tools_changed"
	EventResourcesChanged EventType = "resources_changed"
	EventPromptsChanged   EventType = "prompts_changed"
	EventResourceUpdated  EventType = "resource_updated"
	EventProgress         EventType = "progress"
	EventError            EventType = "error"
	EventClosed           EventType = "closed"
)

// Event is delivered to subscribers. Only the fields matching Type are set.
type Event struct {
	Type     EventType
	Log      *protocol.LoggingMessageParams
	URI      string
	Progress *protocol.ProgressParams
	Err      error
}

// EventHandler receives client events on the client's read loop. Handlers
// must return promptly and must not call Close or Wait.
type EventHandler func(Event)

type eventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
	closed bool
}

type subscription struct {
	types map[EventType]struct{}
	fn    EventHandler
}

// Subscribe registers fn for the given event types, or for every event when
// none are given. The returned function removes the subscription.
func (c *Client) Subscribe(fn EventHandler, types ...EventType) (unsubscribe func()) {
	return c.events.add(fn, types)
}

func (b *eventBus) add(fn EventHandler, types []EventType) func() {
	sub := subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]subscription)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// emit calls every matching subscriber. Nothing is delivered after the
// closed event, which is delivered at most once.
func (b *eventBus) emit(logger logging.Logger, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if ev.Type == EventClosed {
		b.closed = true
	}
	fns := make([]EventHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		fns = append(fns, sub.fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		deliver(logger, fn, ev)
	}
}

func deliver(logger logging.Logger, fn EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event subscriber panicked",
				logging.String("event", string(ev.Type)),
				logging.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(ev)
}

// handleNotification dispatches a server notification by method. Unknown
// methods are logged and ignored.
func (c *Client) handleNotification(n *protocol.Notification) {
	switch n.Method {
	case protocol.MethodNotifyLog:
		var p protocol.LoggingMessageParams
		if !c.decodeNotification(n, &p) {
			return
		}
		c.events.emit(c.logger, Event{Type: EventLog, Log: &p})

	case protocol.MethodNotifyToolsChanged:
		c.events.emit(c.logger, Event{Type: EventToolsChanged})

	case protocol.MethodNotifyResourcesChanged:
		c.events.emit(c.logger, Event{Type: EventResourcesChanged})

	case protocol.MethodNotifyPromptsChanged:
		c.events.emit(c.logger, Event{Type: EventPromptsChanged})

	case protocol.MethodNotifyResourceUpdated:
		var p protocol.ResourceUpdatedParams
		if !c.decodeNotification(n, &p) {
			return
		}
		c.events.emit(c.logger, Event{Type: EventResourceUpdated, URI: p.URI})

	case protocol.MethodNotifyProgress:
		var p protocol.ProgressParams
		if !c.decodeNotification(n, &p) {
			return
		}
		c.mu.Lock()
		fn := c.progress[p.ProgressToken]
		c.mu.Unlock()
		if fn != nil {
			c.callProgress(fn, p)
		}
		c.events.emit(c.logger, Event{Type: EventProgress, Progress: &p})

	case protocol.MethodNotifyCancelled:
		var p protocol.CancelledParams
		if !c.decodeNotification(n, &p) {
			return
		}
		c.mu.Lock()
		cancel := c.inbound[p.RequestID]
		c.mu.Unlock()
		if cancel != nil {
			c.logger.Debug("server cancelled request", logging.String("id", p.RequestID.String()), logging.String("reason", p.Reason))
			cancel()
		}

	default:
		c.logger.Debug("ignoring notification", logging.String("method", n.Method))
	}
}

func (c *Client) callProgress(fn ProgressFunc, p protocol.ProgressParams) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("progress callback panicked", logging.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(p)
}

func (c *Client) decodeNotification(n *protocol.Notification, target interface{}) bool {
	if err := protocol.UnmarshalParams(n.Params, target); err != nil {
		c.logger.Warn("malformed notification", logging.String("method", n.Method), logging.ErrorField(err))
		return false
	}
	return true
}
