package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultSendBuffer = 64
)

// Message is the JSON envelope delivered to realtime subscribers.
type Message struct {
	Topic string         `json:"topic"`
	Event string         `json:"event,omitempty"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type controlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// envelope is an addressed message travelling through the hub run loop.
// A non-empty userID targets that user's connections; otherwise a non-empty
// orgID targets every connection in the organization. When both are set the
// organization acts as a guard against delivering across tenants. broadcast
// ignores addressing and reaches every subscriber of the topic.
type envelope struct {
	message   Message
	userID    string
	orgID     string
	broadcast bool
}

// ClientInfo describes an authenticated connection joining the hub.
type ClientInfo struct {
	UserID         string
	OrganizationID string
	// Topics are the initial subscriptions. Empty means DefaultTopics.
	Topics []string
	// Allowed restricts which topics the client may ever subscribe to.
	// Nil or empty permits every known topic.
	Allowed map[string]struct{}
}

// Hub fans realtime messages out to connected websocket clients. All client
// bookkeeping is owned by a single run loop; Serve, the publish methods, and
// Close communicate with it through channels.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	outbound   chan envelope

	done    chan struct{}
	stopped chan struct{}

	closeMu sync.Mutex
	closed  bool
	writers sync.WaitGroup

	sendBuffer int

	// clients is keyed by user ID and only touched by the run loop.
	clients map[string]map[*client]struct{}
	size    atomic.Int64
}

// HubOption customizes hub construction.
type HubOption func(*Hub)

// WithSendBuffer overrides the per-client outbound queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub constructs the hub and starts its run loop. Callers own shutdown via
// Close.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		log:        logger.WithModule("realtime"),
		register:   make(chan *client),
		unregister: make(chan *client),
		outbound:   make(chan envelope, 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		sendBuffer: defaultSendBuffer,
		clients:    make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// Serve upgrades the HTTP connection to a websocket and pumps messages until
// the peer disconnects or the hub shuts down. It blocks on the caller's
// goroutine the way http handlers expect.
func (h *Hub) Serve(info ClientInfo, w http.ResponseWriter, r *http.Request) {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.writers.Add(1)
	h.closeMu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.writers.Done()
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn, info)
	topics := info.Topics
	if len(topics) == 0 {
		topics = DefaultTopics()
	}
	c.subscribe(topics)

	select {
	case h.register <- c:
	case <-h.stopped:
		h.writers.Done()
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	c.readLoop()
}

// NotifyUser pushes a payload to every connection of the user subscribed to
// the topic. A non-empty organization ID additionally guards against
// connections authenticated under a different tenant.
func (h *Hub) NotifyUser(organizationID, userID, topic string, payload map[string]any) {
	h.PublishToUser(organizationID, userID, Message{Topic: topic, Data: payload})
}

// NotifyOrg pushes a payload to every connection in the organization
// subscribed to the topic.
func (h *Hub) NotifyOrg(organizationID, topic string, payload map[string]any) {
	h.PublishToOrg(organizationID, Message{Topic: topic, Data: payload})
}

// PublishToUser delivers a full message envelope to one user. An empty
// organization ID skips the tenant guard.
func (h *Hub) PublishToUser(organizationID, userID string, message Message) {
	userID = strings.TrimSpace(userID)
	if userID == "" || normalizeTopic(message.Topic) == "" {
		return
	}
	h.publish(envelope{
		message: message,
		userID:  userID,
		orgID:   strings.TrimSpace(organizationID),
	})
}

// PublishToOrg delivers a message to every connection in the organization.
// Membership is whatever is connected at send time.
func (h *Hub) PublishToOrg(organizationID string, message Message) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" || normalizeTopic(message.Topic) == "" {
		return
	}
	h.publish(envelope{message: message, orgID: organizationID})
}

// Broadcast delivers a message to every subscriber of the topic across all
// tenants. Platform announcements only; per-tenant payloads go through
// PublishToOrg.
func (h *Hub) Broadcast(message Message) {
	if normalizeTopic(message.Topic) == "" {
		return
	}
	h.publish(envelope{message: message, broadcast: true})
}

// Size reports the number of connected clients.
func (h *Hub) Size() int {
	return int(h.size.Load())
}

// Close stops the run loop, disconnects every client, and waits for their
// writer goroutines to drain. Safe to call more than once.
func (h *Hub) Close() {
	h.closeMu.Lock()
	first := !h.closed
	h.closed = true
	h.closeMu.Unlock()

	if first {
		close(h.done)
	}
	<-h.stopped
	h.writers.Wait()
}

func (h *Hub) publish(env envelope) {
	select {
	case h.outbound <- env:
	case <-h.done:
	}
}

func (h *Hub) run() {
	defer close(h.stopped)

	for {
		select {
		case c := <-h.register:
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*client]struct{})
			}
			h.clients[c.userID][c] = struct{}{}
			h.size.Add(1)
			metrics.WebsocketConnections.Inc()
		case c := <-h.unregister:
			h.remove(c)
		case env := <-h.outbound:
			h.deliver(env)
		case <-h.done:
			for _, conns := range h.clients {
				for c := range conns {
					c.close()
					h.size.Add(-1)
					metrics.WebsocketConnections.Dec()
				}
			}
			h.clients = nil
			return
		}
	}
}

// remove is run-loop only.
func (h *Hub) remove(c *client) {
	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	h.size.Add(-1)
	metrics.WebsocketConnections.Dec()
}

// deliver is run-loop only.
func (h *Hub) deliver(env envelope) {
	topic := normalizeTopic(env.message.Topic)
	if topic == "" {
		return
	}
	env.message.Topic = topic

	if env.broadcast {
		for _, conns := range h.clients {
			for c := range conns {
				h.push(c, env.message)
			}
		}
		return
	}

	if env.userID != "" {
		for c := range h.clients[env.userID] {
			if env.orgID != "" && c.orgID != env.orgID {
				continue
			}
			h.push(c, env.message)
		}
		return
	}

	for _, conns := range h.clients {
		for c := range conns {
			if c.orgID != env.orgID {
				continue
			}
			h.push(c, env.message)
		}
	}
}

// push is run-loop only. Clients that cannot keep up are disconnected rather
// than allowed to stall the loop.
func (h *Hub) push(c *client, message Message) {
	if !c.subscribed(message.Topic) {
		return
	}
	select {
	case c.send <- message:
	default:
		h.log.Warn("dropping slow realtime client", zap.String("user_id", c.userID))
		h.remove(c)
		c.close()
	}
}

// drop hands the client back to the run loop for unregistration. It must not
// block once the loop has exited.
func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	orgID  string

	mu      sync.Mutex
	topics  map[string]struct{}
	allowed map[string]struct{}

	send chan Message
	done chan struct{}
	once sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, info ClientInfo) *client {
	return &client{
		hub:     h,
		conn:    conn,
		userID:  strings.TrimSpace(info.UserID),
		orgID:   strings.TrimSpace(info.OrganizationID),
		topics:  make(map[string]struct{}),
		allowed: info.Allowed,
		send:    make(chan Message, h.sendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *client) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		topic = normalizeTopic(topic)
		if topic == "" || !KnownTopic(topic) {
			continue
		}
		if !c.isAllowed(topic) {
			c.hub.log.Debug("ignoring unauthorized topic subscription",
				zap.String("user_id", c.userID), zap.String("topic", topic))
			continue
		}
		c.topics[topic] = struct{}{}
	}
}

func (c *client) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.topics, normalizeTopic(topic))
	}
}

// isAllowed is called with c.mu held.
func (c *client) isAllowed(topic string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[topic]
	return ok
}

func (c *client) readLoop() {
	defer func() {
		c.close()
		c.hub.drop(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected websocket close",
					zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.hub.log.Debug("invalid control payload",
				zap.String("user_id", c.userID), zap.Error(err))
			continue
		}

		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "subscribe":
			c.subscribe(ctrl.Topics)
		case "unsubscribe":
			c.unsubscribe(ctrl.Topics)
		case "ping":
			c.trySend(Message{Event: "pong"})
		default:
			c.hub.log.Debug("unsupported control action",
				zap.String("user_id", c.userID), zap.String("action", ctrl.Action))
		}
	}
}

func (c *client) writeLoop() {
	defer c.hub.writers.Done()
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// trySend queues a message directly on this connection, dropping it when the
// queue is full. Used for control replies that must not block the read loop.
func (c *client) trySend(message Message) {
	select {
	case c.send <- message:
	default:
	}
}

// close is idempotent. It stops the writer and unblocks the reader; hub
// bookkeeping happens separately through drop.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
