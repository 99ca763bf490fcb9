package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"crowd-nav/internal/observability"
	"crowd-nav/internal/sim"
)

const (
	// MaxWSConnectionsTotal is the default cap on WebSocket connections
	MaxWSConnectionsTotal = 100

	// MaxWSConnectionsPerIP is the default cap on WebSocket connections per IP
	MaxWSConnectionsPerIP = 5

	// DefaultBroadcastHz is how often snapshots are pushed to clients
	DefaultBroadcastHz = 10

	// statsEvery sends engine stats once per this many snapshot frames
	statsEvery = 10

	clientSendBuffer = 16
	writeWait        = 2 * time.Second
	pongWait         = 30 * time.Second
	pingPeriod       = pongWait * 9 / 10
	maxClientMessage = 4096
)

// WSConfig configures the WebSocket hub.
type WSConfig struct {
	MaxTotal       int
	MaxPerIP       int
	BroadcastHz    int
	AllowedOrigins []string
}

// DefaultWSConfig returns the hub defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		MaxTotal:       MaxWSConnectionsTotal,
		MaxPerIP:       MaxWSConnectionsPerIP,
		BroadcastHz:    DefaultBroadcastHz,
		AllowedOrigins: DefaultOrigins,
	}
}

// wsEnvelope is the binary frame pushed to clients (msgpack).
type wsEnvelope struct {
	Event string      `msgpack:"event"`
	Data  interface{} `msgpack:"data"`
}

// wsCommand is a client request. Clients send JSON text frames.
type wsCommand struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Strategy string  `json:"strategy"`
}

// wsClient tracks a WebSocket connection with its source IP
type wsClient struct {
	conn *websocket.Conn
	ip   string
	send chan []byte
}

// WebSocketHub fans engine snapshots out to WebSocket clients.
type WebSocketHub struct {
	engine   EngineInterface
	cfg      WSConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	conns   *ConnLimiter
	// limiter resolves client addresses and charges target commands; nil
	// admits every command.
	limiter *ClientLimiter
}

var errTargetRateLimited = errors.New("target rate limit exceeded")

// NewWebSocketHub creates a hub bound to engine. Zero config values take defaults.
func NewWebSocketHub(engine EngineInterface, cfg WSConfig) *WebSocketHub {
	def := DefaultWSConfig()
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = def.MaxPerIP
	}
	if cfg.BroadcastHz <= 0 {
		cfg.BroadcastHz = def.BroadcastHz
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = def.AllowedOrigins
	}

	h := &WebSocketHub{
		engine:     engine,
		cfg:        cfg,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopChan:   make(chan struct{}),
		conns:      NewConnLimiter(cfg.MaxTotal, cfg.MaxPerIP),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits non-browser clients (no Origin header) and listed origins.
func (h *WebSocketHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || IsAllowedOrigin(origin, h.cfg.AllowedOrigins) {
		return true
	}
	log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
	observability.RecordConnectionRejected("origin")
	return false
}

// Run starts the registration loop and the broadcast loop. It returns immediately.
func (h *WebSocketHub) Run() {
	h.wg.Add(2)
	go h.registrationLoop()
	go h.broadcastLoop()
}

// Stop closes every client and stops the hub loops.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.wg.Wait()

		h.mu.Lock()
		for c := range h.clients {
			h.dropLocked(c)
		}
		h.mu.Unlock()
		observability.UpdateWSConnections(0)
	})
}

func (h *WebSocketHub) registrationLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopChan:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Client connected from %s (%d total)", client.ip, count)
			observability.UpdateWSConnections(count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.dropLocked(client)
			}
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Client disconnected (%d remaining)", count)
			observability.UpdateWSConnections(count)
		}
	}
}

// dropLocked removes c. Caller holds h.mu for writing.
func (h *WebSocketHub) dropLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.conns.Release(c.ip)
}

func (h *WebSocketHub) broadcastLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(h.cfg.BroadcastHz))
	defer ticker.Stop()

	var lastSeq uint64
	frames := 0
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
		}
		if h.ClientCount() == 0 {
			continue
		}

		snap, release := h.engine.GetSnapshot()
		if snap == nil || snap.Sequence == lastSeq {
			release()
			continue
		}
		lastSeq = snap.Sequence
		msg, err := encodeEnvelope("nav:state", snap)
		release()
		if err != nil {
			log.Printf("⚠️ Snapshot encode: %v", err)
			continue
		}
		h.Broadcast(msg)

		frames++
		if frames%statsEvery == 0 {
			if msg, err := encodeEnvelope("nav:stats", h.engine.Stats()); err == nil {
				h.Broadcast(msg)
			}
		}
	}
}

func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	return msgpack.Marshal(wsEnvelope{Event: event, Data: data})
}

// Broadcast queues an encoded frame for every client. Clients whose buffer
// is full skip the frame.
func (h *WebSocketHub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
	observability.IncrementWSMessages()
}

// Connections returns the hub's connection limiter.
func (h *WebSocketHub) Connections() *ConnLimiter {
	return h.conns
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles incoming WebSocket connections with DoS protection
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := h.limiter.ClientIP(r)

	if err := h.conns.Acquire(ip); err != nil {
		status, reason := http.StatusTooManyRequests, "ws_ip_limit"
		if errors.Is(err, errConnTotal) {
			status, reason = http.StatusServiceUnavailable, "ws_total_limit"
		}
		log.Printf("⚠️ WebSocket connection from %s rejected: %v", ip, err)
		observability.RecordConnectionRejected(reason)
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.conns.Release(ip)
		return
	}

	client := &wsClient{conn: conn, ip: ip, send: make(chan []byte, clientSendBuffer)}
	select {
	case h.register <- client:
	case <-h.stopChan:
		h.conns.Release(ip)
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopChan:
		}
	}()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		h.handleCommand(c, cmd)
	}
}

// applyTarget charges the target budget of ip, then queues the target.
func (h *WebSocketHub) applyTarget(ip string, cmd wsCommand) error {
	if h.limiter != nil {
		if ok, _ := h.limiter.Take(ip, BudgetTarget); !ok {
			observability.RecordConnectionRejected(BudgetTarget.rejectReason())
			return errTargetRateLimited
		}
	}
	if cmd.Strategy == "" {
		return h.engine.SetTarget(cmd.ID, cmd.X, cmd.Y)
	}
	s, err := sim.ParseStrategy(cmd.Strategy)
	if err != nil {
		return err
	}
	return h.engine.SetTargetWithStrategy(cmd.ID, cmd.X, cmd.Y, s)
}

// handleCommand applies a client command. Only "target" is understood.
func (h *WebSocketHub) handleCommand(c *wsClient, cmd wsCommand) {
	if cmd.Type != "target" {
		return
	}
	err := h.applyTarget(c.ip, cmd)

	reply := map[string]interface{}{"id": cmd.ID, "success": err == nil}
	if err != nil {
		reply["error"] = err.Error()
	}
	msg, encErr := encodeEnvelope("nav:target", reply)
	if encErr != nil {
		return
	}

	// The client may be unregistered concurrently; send under the read lock.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
