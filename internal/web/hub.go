package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/hall-sensor/internal/logic"
	"github.com/sweeney/hall-sensor/internal/status"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// envelope is the wire format of every WebSocket frame.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// keyData is the payload of a "key" frame.
type keyData struct {
	Sensor    int    `json:"sensor"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state"`
	Synthetic bool   `json:"synthetic"`
}

// HubConfig sizes the hub queues. Zero values pick defaults.
type HubConfig struct {
	SendBuf      int
	BroadcastBuf int
}

// Hub fans frames out to connected WebSocket clients. A client whose send
// queue is full is disconnected.
type Hub struct {
	logger *slog.Logger

	broadcast chan []byte

	mu      sync.Mutex
	clients map[*client]struct{}
	stopped bool
	sendBuf int
}

type client struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	closeOnce  sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:    logger,
		broadcast: make(chan []byte, cfg.BroadcastBuf),
		clients:   make(map[*client]struct{}),
		sendBuf:   cfg.SendBuf,
	}
}

// Run delivers broadcasts until ctx is done, then disconnects every client.
// Clients added after that are closed immediately.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Debug("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// add registers c. It reports false, after closing c, once the hub has
// stopped.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		c.close()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "remote_addr", c.remoteAddr, "clients", n)
	return true
}

// drop disconnects c if it is still registered.
func (h *Hub) drop(c *client) {
	h.remove(c, "closed")
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast enqueues a frame. It never blocks; a full queue drops the frame.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast queue full, dropping frame", "bytes", len(msg))
	}
}

func marshalFrame(typ string, at time.Time, data any) ([]byte, error) {
	ts := at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}

// KeyPosition broadcasts a key event to every client.
func (s *Server) KeyPosition(ev logic.KeyEvent) {
	msg, err := marshalFrame("key", ev.Timestamp, keyData{
		Sensor:    ev.SensorID,
		Name:      s.sensorName(ev.SensorID),
		State:     string(ev.State()),
		Synthetic: ev.Synthetic,
	})
	if err != nil {
		s.logger.Warn("ws marshal key event", "error", err)
		return
	}
	s.hub.Broadcast(msg)
}

func (s *Server) sensorName(id int) string {
	for _, sn := range s.tracker.Snapshot().Sensors {
		if sn.ID == id {
			return sn.Name
		}
	}
	return ""
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection, sends a state_init frame with the
// current status and registers the client for key events.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, s.hub.sendBuf), remoteAddr: r.RemoteAddr}

	snap := s.tracker.Snapshot()
	if init, err := marshalFrame("state_init", snap.Now, json.RawMessage(status.FormatJSON(snap))); err == nil {
		c.send <- init
	}
	if !s.hub.add(c) {
		return
	}

	// The pumps outlive the request; the hub or a socket error ends them.
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logWSExit("write", c, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logWSExit("ping", c, err)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames and
// notice disconnects.
func (s *Server) readPump(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.logWSExit("read", c, err)
			s.hub.drop(c)
			return
		}
	}
}

func (s *Server) logWSExit(op string, c *client, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.logger.Debug("ws closed", "op", op, "remote_addr", c.remoteAddr, "code", ce.Code)
		return
	}
	s.logger.Debug("ws error", "op", op, "remote_addr", c.remoteAddr, "error", err)
}
