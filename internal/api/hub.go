package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/logging"
	"tgmonitor/internal/monitor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 4096
	clientSendSize = 64
)

// Frame events.
const (
	EventStartMonitor  = "start-monitor"
	EventStopMonitor   = "stop-monitor"
	EventMonitorStatus = "monitor-status"
	EventMessage       = "message"
	EventError         = "error"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusData is the payload of monitor-status frames.
type StatusData struct {
	Status  string `json:"status"`
	Active  bool   `json:"active"`
	Message string `json:"message"`
}

type errorData struct {
	Message string `json:"message"`
}

// HubMonitor is the pipeline surface driven by websocket clients.
type HubMonitor interface {
	Active() bool
	Start(ctx context.Context) domain.MonitorStartResult
	Stop()
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans monitor events out to websocket clients and accepts start/stop frames.
type Hub struct {
	monitor  HubMonitor
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

var _ monitor.Observer = (*Hub)(nil)

// NewHub creates a hub.
// Params: pipeline control surface and logger.
// Returns: hub ready to be mounted as an HTTP handler.
func NewHub(mon HubMonitor, logger *slog.Logger) *Hub {
	return &Hub{
		monitor: mon,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logging.Component(logger, "hub"),
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientSendSize)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Info("websocket client connected", "client_id", c.id, "remote", request.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()
	h.readLoop(request.Context(), c)
	h.unregister(c)
	<-done
	h.logger.Info("websocket client disconnected", "client_id", c.id)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// MonitorStatusChanged broadcasts a monitor-status frame.
func (h *Hub) MonitorStatusChanged(active bool, reason string) {
	h.broadcast(EventMonitorStatus, StatusData{Status: reason, Active: active, Message: statusMessage(reason)})
}

// MessageForwarded broadcasts a message frame.
func (h *Hub) MessageForwarded(msg monitor.Forwarded) {
	h.broadcast(EventMessage, msg)
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

func (h *Hub) broadcast(event string, data any) {
	body, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode frame failed", "event", event, "error", err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- body:
		default:
			h.logger.Warn("websocket client too slow, dropping", "client_id", id)
			delete(h.clients, id)
			close(c.send)
		}
	}
}

// reply queues a frame for a single client.
func (h *Hub) reply(c *client, event string, data any) {
	body, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode frame failed", "event", event, "error", err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- body:
	default:
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, body, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "client_id", c.id, "error", err.Error())
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(body, &frame); err != nil {
			h.reply(c, EventError, errorData{Message: "invalid frame: " + err.Error()})
			continue
		}
		h.handleFrame(ctx, c, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *client, frame Frame) {
	switch frame.Event {
	case EventStartMonitor:
		result := h.monitor.Start(ctx)
		h.logger.Info("monitor start requested", "client_id", c.id, "result", result.String())
		// Successful starts are broadcast by the pipeline itself.
		if result != domain.MonitorStarted {
			h.reply(c, EventMonitorStatus, StatusData{Status: result.String(), Active: h.monitor.Active(), Message: statusMessage(result.String())})
		}
	case EventStopMonitor:
		if !h.monitor.Active() {
			h.reply(c, EventMonitorStatus, StatusData{Status: "Stopped", Message: "monitoring is not running"})
			return
		}
		h.monitor.Stop()
		h.logger.Info("monitor stop requested", "client_id", c.id)
	default:
		h.reply(c, EventError, errorData{Message: "unknown event " + frame.Event})
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case body, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}

func statusMessage(status string) string {
	switch status {
	case "Started":
		return "monitoring started"
	case "Stopped":
		return "monitoring stopped"
	case "MissingTarget":
		return "target chat is not set"
	case "NoUserInfo":
		return "no logged-in user"
	case "AlreadyRunning":
		return "monitoring is already running"
	case "Error":
		return "failed to start monitoring"
	default:
		return status
	}
}
