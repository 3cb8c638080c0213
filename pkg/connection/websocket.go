package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/godispatch/pkg/protocol"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// MaxPayload caps the size of one inbound frame in bytes.
	MaxPayload int64

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// FramesPerSecond limits inbound frames per session. Zero disables the limit.
	FramesPerSecond float64

	// Burst is the limiter burst size.
	Burst int

	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

const (
	DefaultMaxPayload   = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
)

// WSSession adapts a gorilla connection to Session.
type WSSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWSSession wraps conn.
func NewWSSession(conn *websocket.Conn, writeTimeout time.Duration) *WSSession {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WSSession{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one text frame.
func (s *WSSession) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame and closes the underlying connection.
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// WSHandler upgrades HTTP requests and pumps frames into a Registry.
type WSHandler struct {
	registry *Registry
	cfg      WSConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler creates a handler serving sessions for reg.
func NewWSHandler(reg *Registry, cfg WSConfig, logger *zap.Logger) *WSHandler {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &WSHandler{registry: reg, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and serves the session until it closes.
// An empty terminalID gets a generated id and a welcome frame first.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request, terminalID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.cfg.MaxPayload)

	ctx := context.WithoutCancel(r.Context())
	session := NewWSSession(conn, h.cfg.WriteTimeout)

	if terminalID == "" {
		frame, _ := protocol.Encode(protocol.Welcome{Message: "connected to dispatch coordinator"})
		if err := session.Send(ctx, frame); err != nil {
			_ = session.Close()
			return
		}
	}

	c, err := h.registry.Accept(ctx, session, terminalID)
	if err != nil {
		h.logger.Error("Failed to accept session", zap.String("terminal_id", terminalID), zap.Error(err))
		_ = session.Close()
		return
	}

	var limiter *rate.Limiter
	if h.cfg.FramesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.FramesPerSecond), h.cfg.Burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				h.registry.OnClose(ctx, c.ID)
			} else {
				h.registry.OnError(ctx, c.ID, err)
			}
			_ = session.Close()
			return
		}

		if limiter != nil && !limiter.Allow() {
			frame, _ := protocol.Encode(protocol.Error{Message: "rate limit exceeded"})
			_ = session.Send(ctx, frame)
			continue
		}

		if err := h.registry.OnMessage(ctx, c.ID, data); err != nil {
			// The registry dropped this connection (e.g. heartbeat sweep).
			_ = session.Close()
			return
		}
	}
}
