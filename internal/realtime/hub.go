package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// DefaultQueueSize bounds each connection's outbound queue.
	DefaultQueueSize = 256
)

// Scope selects the recipients of a fan-out.
type Scope string

const (
	ScopeAll   Scope = "all"
	ScopeUser  Scope = "user"
	ScopeTopic Scope = "topic"
)

// Frame is one encoded fan-out, as carried across instances by a Bridge.
type Frame struct {
	Scope  Scope     `json:"scope"`
	Target uuid.UUID `json:"target,omitempty"`
	Type   string    `json:"type"`
	Data   []byte    `json:"data"`
}

// Bridge carries frames between instances. When set, every fan-out is published
// and delivered locally by the subscription callback, so each instance delivers once.
type Bridge interface {
	Publish(ctx context.Context, f Frame) error
	Subscribe(ctx context.Context, handler func(Frame)) (cancel func(), err error)
}

// Conn is a registered connection. Its state is mutated only by the Hub.
type Conn struct {
	id     string
	userID *uuid.UUID
	topics map[uuid.UUID]struct{}

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// ID returns the opaque connection id.
func (c *Conn) ID() string { return c.id }

// Send is drained by the connection's write pump. It is closed on unregister.
func (c *Conn) Send() <-chan []byte { return c.send }

// enqueue never blocks. It reports false when the queue is full.
func (c *Conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub is the registry of open connections. The maps are only touched under mu;
// callers go through Register/Unregister/Subscribe and the fan-out methods.
type Hub struct {
	conns     map[string]*Conn
	users     map[uuid.UUID]map[string]*Conn
	topics    map[uuid.UUID]map[string]*Conn
	mu        sync.RWMutex
	queueSize int
	bridge    Bridge
	logger    *zap.Logger
}

// NewHub creates a hub. bridge may be nil for single-instance deployments.
func NewHub(logger *zap.Logger, bridge Bridge, queueSize int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		conns:     make(map[string]*Conn),
		users:     make(map[uuid.UUID]map[string]*Conn),
		topics:    make(map[uuid.UUID]map[string]*Conn),
		queueSize: queueSize,
		bridge:    bridge,
		logger:    logger,
	}
}

// Start subscribes to the bridge until ctx is done. It is a no-op without a bridge.
func (h *Hub) Start(ctx context.Context) error {
	if h.bridge == nil {
		return nil
	}
	cancel, err := h.bridge.Subscribe(ctx, func(f Frame) { h.deliverLocal(f) })
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return nil
}

// Register adds a new connection, optionally bound to userID.
func (h *Hub) Register(userID *uuid.UUID) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		topics: make(map[uuid.UUID]struct{}),
		send:   make(chan []byte, h.queueSize),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	if userID != nil {
		h.bindLocked(c, *userID)
	}
	count := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("connection registered", zap.String("connection_id", c.id), zap.Int("connections", count))
	return c
}

// Bind attaches an authenticated user to an existing connection.
func (h *Hub) Bind(c *Conn, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	if c.userID != nil {
		h.removeFrom(h.users, *c.userID, c.id)
	}
	h.bindLocked(c, userID)
}

func (h *Hub) bindLocked(c *Conn, userID uuid.UUID) {
	uid := userID
	c.userID = &uid
	if h.users[uid] == nil {
		h.users[uid] = make(map[string]*Conn)
	}
	h.users[uid][c.id] = c
}

// UserID returns the bound user, if any.
func (h *Hub) UserID(c *Conn) (uuid.UUID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.userID == nil {
		return uuid.Nil, false
	}
	return *c.userID, true
}

// Unregister removes the connection and closes its queue. Safe to call twice.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; ok {
		delete(h.conns, c.id)
		if c.userID != nil {
			h.removeFrom(h.users, *c.userID, c.id)
		}
		for topic := range c.topics {
			h.removeFrom(h.topics, topic, c.id)
		}
	}
	h.mu.Unlock()
	c.close()
	h.logger.Debug("connection unregistered", zap.String("connection_id", c.id))
}

func (h *Hub) removeFrom(index map[uuid.UUID]map[string]*Conn, key uuid.UUID, connID string) {
	if m, ok := index[key]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(index, key)
		}
	}
}

// Subscribe adds the connection to a stream topic.
func (h *Hub) Subscribe(c *Conn, topic uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	c.topics[topic] = struct{}{}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*Conn)
	}
	h.topics[topic][c.id] = c
}

// Unsubscribe removes the connection from a stream topic.
func (h *Hub) Unsubscribe(c *Conn, topic uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.topics, topic)
	h.removeFrom(h.topics, topic, c.id)
}

// Topics returns the topics the connection is subscribed to.
func (h *Hub) Topics(c *Conn) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(c.topics)
}

// UserSubscribed reports whether any of the user's connections other than except is subscribed to topic.
func (h *Hub) UserSubscribed(userID, topic uuid.UUID, except *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.users[userID] {
		if except != nil && id == except.id {
			continue
		}
		if _, ok := c.topics[topic]; ok {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns the number of connections subscribed to topic.
func (h *Hub) SubscriberCount(topic uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Broadcast delivers env to every open connection.
func (h *Hub) Broadcast(env Envelope) {
	h.fanout(ScopeAll, uuid.Nil, env)
}

// SendTo delivers env to every connection bound to userID (zero or more).
func (h *Hub) SendTo(userID uuid.UUID, env Envelope) {
	h.fanout(ScopeUser, userID, env)
}

// Publish delivers env to every subscriber of topic.
func (h *Hub) Publish(topic uuid.UUID, env Envelope) {
	h.fanout(ScopeTopic, topic, env)
}

// Reply delivers env to one local connection only, bypassing the bridge.
func (h *Hub) Reply(c *Conn, env Envelope) {
	data, err := env.encode()
	if err != nil {
		h.logger.Error("encode reply", zap.Error(err))
		return
	}
	h.deliver([]*Conn{c}, data)
}

func (h *Hub) fanout(scope Scope, target uuid.UUID, env Envelope) {
	data, err := env.encode()
	if err != nil {
		h.logger.Error("encode envelope", zap.Error(err))
		return
	}
	f := Frame{Scope: scope, Target: target, Type: string(env.Type()), Data: data}
	if h.bridge != nil {
		if err := h.bridge.Publish(context.Background(), f); err == nil {
			return
		} else {
			h.logger.Warn("bridge publish failed, delivering locally", zap.String("type", f.Type), zap.Error(err))
		}
	}
	h.deliverLocal(f)
}

// deliverLocal resolves the frame's recipients on this instance and returns how many were targeted.
func (h *Hub) deliverLocal(f Frame) int {
	h.mu.RLock()
	var targets []*Conn
	switch f.Scope {
	case ScopeAll:
		targets = lo.Values(h.conns)
	case ScopeUser:
		targets = lo.Values(h.users[f.Target])
	case ScopeTopic:
		targets = lo.Values(h.topics[f.Target])
	}
	h.mu.RUnlock()
	h.deliver(targets, f.Data)
	return len(targets)
}

// deliver enqueues without blocking. A connection whose queue is full is evicted
// so one slow reader never holds up the rest.
func (h *Hub) deliver(targets []*Conn, data []byte) {
	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("outbound queue full, evicting connection", zap.String("connection_id", c.id))
			h.Unregister(c)
		}
	}
}
