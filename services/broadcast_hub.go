package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const AllStockChannel = "gacha_stock_all"
const DashboardChannel = "dashboard"

func GachaChannel(gachaID uint) string {
	return fmt.Sprintf("gacha_%d", gachaID)
}

// Connection lifecycle: connecting -> open -> closed. A connection is
// registered as connecting, flips to open once the transport has written
// headers and the initial snapshot, and closed is terminal.
type connState int

const (
	connConnecting connState = iota
	connOpen
	connClosed
)

// Event is one message on a connection's outbound stream.
type Event struct {
	Type string
	Data json.RawMessage
}

// Connection is one live subscriber. Events are consumed from Out by a
// single writer (the SSE stream loop), which preserves per-channel publish
// order for this connection.
type Connection struct {
	ID     string
	UserID string // empty = anonymous

	out  chan Event
	done chan struct{}

	mu         sync.Mutex
	state      connState
	lastActive time.Time
	closeOnce  sync.Once
}

// Out is the connection's outbound event stream. Consumers must select
// against Done as well; Out is never closed.
func (c *Connection) Out() <-chan Event { return c.out }

// Done is closed when the connection reaches the closed state.
func (c *Connection) Done() <-chan struct{} { return c.done }

// MarkOpen is called by the transport once headers and the initial
// snapshot have been written.
func (c *Connection) MarkOpen() {
	c.mu.Lock()
	if c.state == connConnecting {
		c.state = connOpen
	}
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Touch records a successful write/flush on the transport; the keepalive
// reaper only collects connections that stopped acknowledging writes.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connOpen
}

// close leaves c.out open: a publish racing with teardown may still be
// buffering into it, and senders only ever select against Done.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = connClosed
		c.mu.Unlock()
		close(c.done)
	})
}

// BroadcastHub maintains named channels of live subscriber connections and
// fans published events out to them. Delivery is best-effort: one slow or
// dead connection never blocks the rest, it just gets torn down.
type BroadcastHub struct {
	keepaliveEvery time.Duration
	staleAfter     time.Duration
	sendBuffer     int

	mu       sync.RWMutex
	conns    map[string]*Connection
	channels map[string]map[string]*Connection // channel -> conn id -> conn
	joined   map[string]map[string]struct{}    // conn id -> channel names
}

func NewBroadcastHub() *BroadcastHub {
	return &BroadcastHub{
		keepaliveEvery: 15 * time.Second,
		staleAfter:     60 * time.Second,
		sendBuffer:     32,
		conns:          make(map[string]*Connection),
		channels:       make(map[string]map[string]*Connection),
		joined:         make(map[string]map[string]struct{}),
	}
}

// Register creates a new connection in the connecting state.
func (h *BroadcastHub) Register(userID string) *Connection {
	conn := &Connection{
		ID:         uuid.NewString(),
		UserID:     userID,
		out:        make(chan Event, h.sendBuffer),
		done:       make(chan struct{}),
		state:      connConnecting,
		lastActive: time.Now(),
	}
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.joined[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()
	return conn
}

// Subscribe joins a connection to a channel. Idempotent; a connection may
// belong to many channels at once.
func (h *BroadcastHub) Subscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*Connection)
		h.channels[channel] = subs
	}
	subs[connID] = conn
	h.joined[connID][channel] = struct{}{}
}

// Unsubscribe removes a connection from one channel.
func (h *BroadcastHub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	if chans, ok := h.joined[connID]; ok {
		delete(chans, channel)
	}
}

// Remove closes a connection and detaches it from every channel it joined.
func (h *BroadcastHub) Remove(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		for channel := range h.joined[connID] {
			if subs, ok := h.channels[channel]; ok {
				delete(subs, connID)
				if len(subs) == 0 {
					delete(h.channels, channel)
				}
			}
		}
		delete(h.joined, connID)
	}
	h.mu.Unlock()
	if ok {
		conn.close()
	}
}

// Publish fans an event out to every open subscriber of the channel. A
// connection whose outbound buffer is full (stuck consumer) is removed so
// it cannot block or fail delivery to the others.
func (h *BroadcastHub) Publish(channel, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Hub] failed to encode %s event for %s: %v", eventType, channel, err)
		return
	}
	ev := Event{Type: eventType, Data: data}

	h.mu.RLock()
	subs := make([]*Connection, 0, len(h.channels[channel]))
	for _, conn := range h.channels[channel] {
		subs = append(subs, conn)
	}
	h.mu.RUnlock()

	for _, conn := range subs {
		if !conn.isOpen() {
			continue
		}
		select {
		case conn.out <- ev:
		default:
			log.Printf("[Hub] dropping stalled connection %s on %s", conn.ID, channel)
			h.Remove(conn.ID)
		}
	}
}

// SubscriberCount reports how many connections are joined to a channel.
func (h *BroadcastHub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Run drives keepalive pings and garbage-collects half-dead connections
// until the context is cancelled. Launched once from main.
func (h *BroadcastHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			ids := make([]string, 0, len(h.conns))
			for id := range h.conns {
				ids = append(ids, id)
			}
			h.mu.RUnlock()
			for _, id := range ids {
				h.Remove(id)
			}
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *BroadcastHub) sweep() {
	cutoff := time.Now().Add(-h.staleAfter)
	ping := Event{Type: "ping", Data: json.RawMessage(`{}`)}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		stale := conn.state == connOpen && conn.lastActive.Before(cutoff)
		open := conn.state == connOpen
		conn.mu.Unlock()

		if stale {
			log.Printf("[Hub] keepalive timeout, closing connection %s", conn.ID)
			h.Remove(conn.ID)
			continue
		}
		if open {
			select {
			case conn.out <- ping:
			default:
				// buffer full counts as a missed keepalive; the stale
				// check above will collect it next sweep
			}
		}
	}
}
