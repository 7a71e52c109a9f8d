package volhud

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HUDHub streams HUD events to external overlay renderers over websocket.
// Each client has its own send queue; a client that can't keep up is disconnected
type HUDHub struct {
	logger *zap.SugaredLogger

	// serialized frames
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient

	lock    sync.Mutex
	clients map[*hubClient]struct{}

	// initial frame for new clients
	snapshot func() HUDEvent
}

type hubClient struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	closeOnce  sync.Once
}

// hubEnvelope is the wire format: {"type":"hud"|"state_init","ts":...,"data":HUDEvent}
type hubEnvelope struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data HUDEvent  `json:"data"`
}

const (
	hubClientBuffer    = 32
	hubBroadcastBuffer = 128

	hubWriteWait  = 5 * time.Second
	hubPongWait   = 30 * time.Second
	hubPingPeriod = 20 * time.Second
)

var hubUpgrader = websocket.Upgrader{
	// overlays are served from file:// or localhost
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewHUDHub(logger *zap.SugaredLogger, snapshot func() HUDEvent) *HUDHub {
	return &HUDHub{
		logger:     logger.Named("hub"),
		broadcast:  make(chan []byte, hubBroadcastBuffer),
		register:   make(chan *hubClient, 16),
		unregister: make(chan *hubClient, 16),
		clients:    make(map[*hubClient]struct{}),
		snapshot:   snapshot,
	}
}

// Run processes hub events until ctx is canceled, then disconnects every client
func (h *HUDHub) Run(ctx context.Context) {
	h.logger.Debug("HUD hub starting")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.logger.Debug("HUD hub stopped")
			return

		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.lock.Unlock()

			h.logger.Infow("HUD client connected", "remoteAddr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*hubClient

			h.lock.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.lock.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow client")
			}
		}
	}
}

// Broadcast queues event for every client. Never blocks; drops when the hub is backed up
func (h *HUDHub) Broadcast(event HUDEvent) {
	msg, err := json.Marshal(hubEnvelope{Type: "hud", Ts: time.Now().UTC(), Data: event})
	if err != nil {
		h.logger.Warnw("Failed to marshal HUD event", "error", err)
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warnw("HUD hub queue full, dropping event", "bytes", len(msg))
	}
}

// ClientCount is the number of connected clients
func (h *HUDHub) ClientCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.clients)
}

func (h *HUDHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		conn:       conn,
		send:       make(chan []byte, hubClientBuffer),
		remoteAddr: r.RemoteAddr,
	}

	if h.snapshot != nil {
		initMsg, err := json.Marshal(hubEnvelope{Type: "state_init", Ts: time.Now().UTC(), Data: h.snapshot()})
		if err == nil {
			c.send <- initMsg
		}
	}

	h.register <- c

	// pumps outlive the request; the hub owns the connection from here
	go h.writePump(c)
	go h.readPump(c)
}

// ListenAndServe serves the hub on addr at /hud until ctx is canceled
func (h *HUDHub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/hud", h)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopServing := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stopServing()

	h.logger.Infow("HUD hub listening", "addr", listener.Addr().String())

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *HUDHub) writePump(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logClientExit(c, "write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logClientExit(c, "ping", err)
				return
			}
		}
	}
}

// readPump discards incoming frames; it exists to notice disconnects and answer pings
func (h *HUDHub) readPump(c *hubClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.logClientExit(c, "read", err)

			// the hub may already be gone
			select {
			case h.unregister <- c:
			default:
			}

			return
		}
	}
}

func (h *HUDHub) logClientExit(c *hubClient, pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		h.logger.Debugw("HUD client closed", "remoteAddr", c.remoteAddr, "pump", pump, "code", closeErr.Code)
		return
	}

	h.logger.Debugw("HUD client pump exiting", "remoteAddr", c.remoteAddr, "pump", pump, "error", err)
}

func (h *HUDHub) removeClient(c *hubClient, reason string) {
	h.lock.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.lock.Unlock()

	if !ok {
		return
	}

	c.close()

	h.logger.Infow("HUD client disconnected", "remoteAddr", c.remoteAddr, "reason", reason, "clients", n)
}

func (h *HUDHub) closeAllClients() {
	h.lock.Lock()
	defer h.lock.Unlock()

	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// close signals the write pump to send a close frame and exit
func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)

		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
