// Package fanout provides the WebSocket hub that pushes live sensor
// readings to connected clients. New clients get a snapshot of recent
// readings on connect, then every reading the pipeline persists; clients
// can also request per-topic history over the same connection.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/metric"
	"github.com/gridpoint/sensorhub/query"
	"github.com/gridpoint/sensorhub/reading"
)

// Event types carried on the wire
const (
	EventInitialData = "initial-data"
	EventSensorData  = "sensor-data"
	EventHistoryData = "history-data"
	EventError       = "error"

	RequestHistory = "get-history"
)

// DefaultSnapshotSize is how many recent readings a new client receives
const DefaultSnapshotSize = 100

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Event is the envelope for every message in either direction
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SensorData is the payload of a sensor-data event
type SensorData struct {
	Topic string                    `json:"topic"`
	Data  *reading.CanonicalReading `json:"data"`
}

// HistoryRequest is the payload of a get-history request. Topic is a
// regex pattern; with StartDate and EndDate set the history comes from
// the inclusive time range instead.
type HistoryRequest struct {
	Topic     string `json:"topic,omitempty"`
	StartDate string `json:"startDate,omitempty"` // RFC3339
	EndDate   string `json:"endDate,omitempty"`   // RFC3339
	Limit     int    `json:"limit,omitempty"`
}

// ErrorPayload is the payload of an error event
type ErrorPayload struct {
	Message string `json:"message"`
}

// clientInfo tracks one connected WebSocket client
type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMutex  sync.Mutex // gorilla/websocket panics on concurrent writes
	closed      atomic.Bool
	closeOnce   sync.Once
}

// Hub is the WebSocket fan-out server
type Hub struct {
	addr         string
	path         string
	engine       *query.Engine
	snapshotSize int
	logger       *slog.Logger
	metrics      *metric.Metrics

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown    chan struct{}
	running     bool
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup
}

// Config holds Hub construction parameters
type Config struct {
	Addr         string          // listen address, e.g. ":8081"
	Path         string          // WebSocket endpoint path, e.g. "/ws"
	Engine       *query.Engine   // query engine for snapshots and history
	SnapshotSize int             // readings sent on connect (0 = default)
	Logger       *slog.Logger    // nil = slog.Default()
	Metrics      *metric.Metrics // nil disables metrics
}

// NewHub creates a WebSocket hub
func NewHub(cfg Config) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.SnapshotSize <= 0 {
		cfg.SnapshotSize = DefaultSnapshotSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Hub{
		addr:         cfg.Addr,
		path:         cfg.Path,
		engine:       cfg.Engine,
		snapshotSize: cfg.SnapshotSize,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Sensor dashboards are served from arbitrary origins.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*clientInfo),
	}
}

// Initialize validates the hub configuration
func (h *Hub) Initialize() error {
	if h.addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Hub", "Initialize", "listen address required")
	}
	if h.path == "" || h.path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Hub", "Initialize",
			fmt.Sprintf("invalid endpoint path %q", h.path))
	}
	if h.engine == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Hub", "Initialize", "query engine required")
	}
	return nil
}

// Addr returns the bound listen address, useful when the configured
// address used port 0.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Start opens the listener and begins serving WebSocket connections
func (h *Hub) Start(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Hub", "Start", "already started")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Hub", "Start", "context already cancelled")
	}

	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return errors.WrapFatal(err, "Hub", "Start", fmt.Sprintf("listen on %s", h.addr))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.handleWebSocket)

	h.listener = listener
	h.server = &http.Server{Handler: mux}
	h.shutdown = make(chan struct{})
	h.wg = &sync.WaitGroup{}
	h.running = true

	// Hand each goroutine its own reference: Stop nils h.wg on a
	// timed-out shutdown, so reading the field from inside the
	// goroutine would race with that.
	wg := h.wg
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.runServer()
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctx)
	}()

	h.logger.Info("WebSocket hub listening", "addr", listener.Addr().String(), "path", h.path)
	return nil
}

func (h *Hub) runServer() {
	h.mu.RLock()
	server, listener := h.server, h.listener
	h.mu.RUnlock()

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		h.logger.Error("WebSocket server failed", "error", err)
	}
}

// Stop shuts the server down and closes all client connections
func (h *Hub) Stop(timeout time.Duration) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.shutdown)
	server := h.server
	wg := h.wg
	h.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("WebSocket server shutdown error", "error", err)
	}

	h.closeAllClients()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("WebSocket goroutines did not exit within timeout")
	}

	h.mu.Lock()
	h.server = nil
	h.listener = nil
	h.wg = nil
	h.mu.Unlock()

	h.logger.Info("WebSocket hub stopped")
	return nil
}

func (h *Hub) closeAllClients() {
	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*clientInfo)
	h.clientsMu.Unlock()

	if h.metrics != nil {
		h.metrics.ObserversConnected.Set(0)
	}
}

// handleWebSocket upgrades a new connection and registers the client
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordError("fanout", "upgrade")
		}
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}

	h.clientsMu.Lock()
	h.clients[conn] = info
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	if h.metrics != nil {
		h.metrics.ObserversConnected.Set(float64(clientCount))
	}
	h.logger.Debug("client connected", "remote", conn.RemoteAddr().String(), "clients", clientCount)

	h.sendSnapshot(r.Context(), info)

	h.mu.RLock()
	wg := h.wg
	h.mu.RUnlock()
	if wg == nil {
		h.removeClient(conn, info)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.handleClient(conn, info)
	}()
}

// sendSnapshot pushes the initial-data event with recent readings
func (h *Hub) sendSnapshot(ctx context.Context, info *clientInfo) {
	snapshot, err := h.engine.Snapshot(ctx, h.snapshotSize)
	if err != nil {
		h.logger.Error("snapshot query failed", "error", err)
		h.sendError(info, "failed to load recent readings")
		return
	}
	if snapshot == nil {
		snapshot = []*reading.CanonicalReading{}
	}
	h.sendEvent(info, EventInitialData, snapshot)
}

// handleClient reads request events from one client until it disconnects
func (h *Hub) handleClient(conn *websocket.Conn, info *clientInfo) {
	defer h.removeClient(conn, info)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		select {
		case <-h.shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			h.sendError(info, "malformed request")
			continue
		}

		switch event.Type {
		case RequestHistory:
			h.handleHistoryRequest(info, event.Payload)
		default:
			h.sendError(info, fmt.Sprintf("unknown request type %q", event.Type))
		}
	}
}

// handleHistoryRequest answers a get-history request with history-data
func (h *Hub) handleHistoryRequest(info *clientInfo, payload json.RawMessage) {
	var req HistoryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(info, "malformed history request")
		return
	}
	if req.Topic == "" && req.StartDate == "" && req.EndDate == "" {
		h.sendError(info, "history request requires a topic or a date range")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var history []*reading.CanonicalReading
	var err error
	if req.StartDate != "" || req.EndDate != "" {
		history, err = h.rangeHistory(ctx, req)
	} else {
		history, err = h.engine.ByTopic(ctx, req.Topic, req.Limit)
	}
	if err != nil {
		h.logger.Warn("history query failed", "topic", req.Topic, "error", err)
		h.sendError(info, "history query failed")
		return
	}
	if history == nil {
		history = []*reading.CanonicalReading{}
	}
	h.sendEvent(info, EventHistoryData, history)
}

// rangeHistory serves a date-bounded history request, optionally
// narrowed to a topic pattern. An absent date leaves that side of the
// range open.
func (h *Hub) rangeHistory(ctx context.Context, req HistoryRequest) ([]*reading.CanonicalReading, error) {
	var from, to time.Time
	var err error
	if req.StartDate != "" {
		from, err = time.Parse(time.RFC3339, req.StartDate)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Hub", "rangeHistory", "parse startDate")
		}
	}
	if req.EndDate != "" {
		to, err = time.Parse(time.RFC3339, req.EndDate)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Hub", "rangeHistory", "parse endDate")
		}
	}

	return h.engine.Range(ctx, req.Topic, from, to, req.Limit)
}

// Broadcast pushes a stored reading to every connected client
func (h *Hub) Broadcast(r *reading.CanonicalReading) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	data, err := json.Marshal(SensorData{Topic: r.Topic, Data: r})
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordError("fanout", "encode")
		}
		return
	}
	event, err := json.Marshal(Event{Type: EventSensorData, Payload: data})
	if err != nil {
		return
	}

	// Snapshot the client set, then send concurrently. A slow or dead
	// client only stalls its own goroutine.
	h.clientsMu.RLock()
	targets := make([]*clientInfo, 0, len(h.clients))
	for _, info := range h.clients {
		if !info.closed.Load() {
			targets = append(targets, info)
		}
	}
	h.clientsMu.RUnlock()

	var wg sync.WaitGroup
	for _, info := range targets {
		wg.Add(1)
		go func(info *clientInfo) {
			defer wg.Done()
			if err := h.writeMessage(info, event); err != nil {
				h.removeClient(info.conn, info)
			}
		}(info)
	}
	wg.Wait()

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
	}
}

// sendEvent marshals and sends one event to one client
func (h *Hub) sendEvent(info *clientInfo, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordError("fanout", "encode")
		}
		return
	}
	event, err := json.Marshal(Event{Type: eventType, Payload: data})
	if err != nil {
		return
	}
	if err := h.writeMessage(info, event); err != nil {
		h.removeClient(info.conn, info)
	}
}

func (h *Hub) sendError(info *clientInfo, message string) {
	h.sendEvent(info, EventError, ErrorPayload{Message: message})
}

// writeMessage serializes writes to one connection
func (h *Hub) writeMessage(info *clientInfo, data []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = info.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return info.conn.WriteMessage(websocket.TextMessage, data)
}

// removeClient drops one client, exactly once
func (h *Hub) removeClient(conn *websocket.Conn, info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		h.clientsMu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		if h.metrics != nil {
			h.metrics.ObserversConnected.Set(float64(clientCount))
		}
		h.logger.Debug("client disconnected", "remote", conn.RemoteAddr().String(), "clients", clientCount)

		_ = conn.Close()
	})
}

// pingLoop keeps client connections alive and sheds dead ones
func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	h.clientsMu.RLock()
	targets := make([]*clientInfo, 0, len(h.clients))
	for _, info := range h.clients {
		if !info.closed.Load() {
			targets = append(targets, info)
		}
	}
	h.clientsMu.RUnlock()

	for _, info := range targets {
		info.writeMutex.Lock()
		_ = info.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := info.conn.WriteMessage(websocket.PingMessage, nil)
		info.writeMutex.Unlock()
		if err != nil {
			h.removeClient(info.conn, info)
		}
	}
}
