package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hubstream/logging"
	"hubstream/middleware"
	"hubstream/payload"
	"hubstream/pipe"
)

// StreamAction consumes one client stream. It runs on its own goroutine
// once the stream is bound and should return when call.Items is drained.
type StreamAction func(ctx context.Context, call *Call) error

// Call describes one bound stream.
type Call struct {
	ConnectionID string
	Action       string
	StreamID     uint32
	Items        *pipe.Pipe[[]byte]
	Clients      *Clients
	Middlewares  []middleware.Middleware
	Logger       zerolog.Logger
}

// ItemReader decodes the raw items of a call into In.
type ItemReader[In any] struct {
	items    *pipe.Pipe[[]byte]
	registry *payload.Registry
}

// Items returns a reader that decodes call items through the default
// payload registry. Read returns io.EOF after a clean completion.
func Items[In any](call *Call) *ItemReader[In] {
	return &ItemReader[In]{items: call.Items, registry: payload.Default}
}

func (r *ItemReader[In]) Read(ctx context.Context) (In, error) {
	raw, err := r.items.Read(ctx)
	if err != nil {
		var zero In
		return zero, err
	}
	return payload.DecodeAs[In](r.registry, raw)
}

// Hub groups stream actions under one path and tracks the connections
// attached to it.
type Hub struct {
	name    string
	mu      sync.RWMutex
	actions map[string]StreamAction
	clients *Clients
	logger  zerolog.Logger
}

func NewHub(name string) *Hub {
	logger := logging.For("hub").With().Str("hub", name).Logger()
	return &Hub{
		name:    name,
		actions: make(map[string]StreamAction),
		clients: &Clients{conns: make(map[string]*hubConn), logger: logger},
		logger:  logger,
	}
}

func (h *Hub) Name() string { return h.name }

// HandleStream registers fn as the action named action.
func (h *Hub) HandleStream(action string, fn StreamAction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[action] = fn
}

func (h *Hub) action(name string) (StreamAction, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.actions[name]
	return fn, ok
}

// Actions lists the registered action names, sorted.
func (h *Hub) Actions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.actions))
	for name := range h.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) Clients() *Clients { return h.clients }

// Clients is the set of connections attached to a hub.
type Clients struct {
	mu     sync.RWMutex
	conns  map[string]*hubConn
	logger zerolog.Logger
}

// maxFanOut bounds concurrent writes during a broadcast.
const maxFanOut = 16

// All pushes event with an already encoded payload to every attached
// connection. A failed delivery to one connection is logged and does not
// affect the others.
func (c *Clients) All(ctx context.Context, event string, data []byte) error {
	targets := c.snapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for _, hc := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := hc.sendEvent(event, data); err != nil {
				c.logger.Warn().Err(err).Str("connection_id", hc.id).Str("event", event).Msg("push failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// SendAll JSON-encodes v and pushes it to every attached connection.
func (c *Clients) SendAll(ctx context.Context, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.All(ctx, event, data)
}

// Send pushes event to a single connection.
func (c *Clients) Send(ctx context.Context, connectionID, event string, v any) error {
	c.mu.RLock()
	hc, ok := c.conns[connectionID]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return hc.sendEvent(event, data)
}

func (c *Clients) IsConnected(connectionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.conns[connectionID]
	return ok
}

func (c *Clients) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

func (c *Clients) add(hc *hubConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[hc.id] = hc
}

func (c *Clients) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, id)
}

func (c *Clients) snapshot() []*hubConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*hubConn, 0, len(c.conns))
	for _, hc := range c.conns {
		out = append(out, hc)
	}
	return out
}
