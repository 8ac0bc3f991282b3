package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jnyjxn/angiogen-render/internal/jobs"
	"github.com/jnyjxn/angiogen-render/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub maps subscriber ids to WebSocket connections. It implements jobs.Notifier.
type Hub struct {
	registry *jobs.Registry
	upgrader websocket.Upgrader
	outbox   int

	mu    sync.Mutex
	conns map[string]*client

	dropped atomic.Uint64
}

type HubStats struct {
	Connections int    `json:"connections"`
	Dropped     uint64 `json:"dropped"`
}

// NewHub returns a hub with a per-connection outbox of the given size. The
// registry is attached later with Attach because it needs the hub as its notifier.
func NewHub(outbox int) *Hub {
	if outbox <= 0 {
		outbox = 32
	}
	return &Hub{
		outbox: outbox,
		conns:  map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) Attach(r *jobs.Registry) { h.registry = r }

// Notify queues snap for the subscriber's connection. It never blocks; when the
// outbox is full the oldest queued snapshot is discarded.
func (h *Hub) Notify(subscriberID string, snap model.JobSnapshot) {
	h.mu.Lock()
	c := h.conns[subscriberID]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if c.enqueue(snap, h.outbox) {
		h.dropped.Add(1)
	}
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	return HubStats{Connections: n, Dropped: h.dropped.Load()}
}

// SnapshotSource looks up a job the registry no longer holds.
type SnapshotSource func(ctx context.Context, id string) (model.JobSnapshot, error)

// Serve upgrades the request and streams jobID's snapshots. The connection is
// closed normally once a completed snapshot has been written. When the job has
// left the registry, the final state comes from stored instead.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, jobID string, stored SnapshotSource) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("httpapi: websocket upgrade", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	slog.Debug("httpapi: subscriber connected", "job", jobID, "subscriber", c.id, "remote", r.RemoteAddr)

	go c.writeLoop()
	if !h.registry.SubscribeAndNotify(jobID, c.id) {
		h.replay(r.Context(), c, jobID, stored)
	}

	c.readLoop()

	h.registry.Unsubscribe(c.id)
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
	slog.Debug("httpapi: subscriber disconnected", "job", jobID, "subscriber", c.id)
}

// replay sends a job's stored snapshot and ends the stream after it.
func (h *Hub) replay(ctx context.Context, c *client, jobID string, stored SnapshotSource) {
	if stored == nil {
		c.finish(nil, "job not found")
		return
	}
	snap, err := stored(ctx, jobID)
	if err != nil {
		slog.Debug("httpapi: stored snapshot", "job", jobID, "error", err)
		c.finish(nil, "job not found")
		return
	}
	c.finish(&snap, "job no longer tracked")
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

type client struct {
	id   string
	conn *websocket.Conn

	mu    sync.Mutex
	queue []model.JobSnapshot
	end   string // close reason once the queue drains

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) enqueue(snap model.JobSnapshot, limit int) (dropped bool) {
	c.mu.Lock()
	if len(c.queue) >= limit {
		c.queue = c.queue[1:]
		dropped = true
	}
	c.queue = append(c.queue, snap)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return dropped
}

// finish queues a last snapshot, if any, after which the writer closes.
func (c *client) finish(snap *model.JobSnapshot, reason string) {
	c.mu.Lock()
	if snap != nil {
		c.queue = append(c.queue, *snap)
	}
	c.end = reason
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) take() ([]model.JobSnapshot, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out, c.end
}

// readLoop discards inbound messages; it only exists to notice disconnects.
func (c *client) readLoop() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.wake:
			snaps, end := c.take()
			for _, snap := range snaps {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(snap); err != nil {
					c.close()
					return
				}
				if snap.Status == model.JobCompleted {
					end = "job completed"
					break
				}
			}
			if end != "" {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, end),
					time.Now().Add(writeWait))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
