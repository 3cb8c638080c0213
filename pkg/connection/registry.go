// Package connection owns the live terminal sessions of the coordinator.
//
// A terminal may hold several sessions at once. Liveness is heartbeat based:
// a session that stops sending heartbeats for longer than the configured
// timeout is closed by the sweep even when the transport never reports a
// disconnect. A terminal is marked offline only when its last session goes
// away.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/protocol"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// ErrUnknownConnection indicates the connection id is not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrTerminalConnected indicates a terminal cannot be marked offline while it
// still holds live sessions.
var ErrTerminalConnected = errors.New("terminal has live sessions")

// Session is one open transport to a terminal.
//
// Send must be safe for concurrent use. Close may be called more than once.
type Session interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Directory is the subset of the terminal directory the registry writes to.
type Directory interface {
	MarkOnline(ctx context.Context, id string) error
	MarkOffline(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status terminal.Status) error
}

// TaskEvents receives task lifecycle frames reported by terminals.
type TaskEvents interface {
	HandleTaskEvent(ctx context.Context, terminalID string, msg protocol.Inbound) error
}

// Presence mirrors terminal presence to an external store.
type Presence interface {
	Online(ctx context.Context, terminalID string, sessions int) error
	Offline(ctx context.Context, terminalID string) error
}

// Config holds heartbeat settings.
type Config struct {
	// HeartbeatInterval is the sweep period.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the maximum tolerated heartbeat age.
	HeartbeatTimeout time.Duration
}

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
)

// Conn is a registered session.
type Conn struct {
	ID          string
	TerminalID  string
	ConnectedAt time.Time

	session       Session
	lastHeartbeat time.Time
}

// Registry tracks sessions per terminal.
type Registry struct {
	cfg      Config
	dir      Directory
	events   TaskEvents
	presence Presence
	now      func() time.Time
	logger   *zap.Logger

	// transMu serializes session-set changes with the directory writes
	// they trigger, so "last session closed" and "new session accepted"
	// cannot interleave.
	transMu sync.Mutex

	mu         sync.Mutex
	conns      map[string]*Conn
	byTerminal map[string]map[string]*Conn
}

// Option configures a Registry.
type Option func(*Registry)

// WithTaskEvents sets the handler for task_accept, task_result and task_failure frames.
func WithTaskEvents(h TaskEvents) Option {
	return func(r *Registry) { r.events = h }
}

// WithPresence sets the presence mirror.
func WithPresence(p Presence) Option {
	return func(r *Registry) { r.presence = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a Registry that reports status changes to dir.
func NewRegistry(cfg Config, dir Directory, opts ...Option) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	r := &Registry{
		cfg:        cfg,
		dir:        dir,
		now:        time.Now,
		logger:     zap.NewNop(),
		conns:      make(map[string]*Conn),
		byTerminal: make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTaskEvents installs the task event handler after construction.
func (r *Registry) SetTaskEvents(h TaskEvents) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = h
}

// Accept registers session under terminalIDHint, or a fresh id when the hint
// is empty, marks the terminal online and acknowledges the connection.
func (r *Registry) Accept(ctx context.Context, session Session, terminalIDHint string) (*Conn, error) {
	if session == nil {
		return nil, errors.New("session is nil")
	}
	terminalID := terminalIDHint
	if terminalID == "" {
		terminalID = uuid.NewString()
	}

	now := r.now()
	c := &Conn{
		ID:            uuid.NewString(),
		TerminalID:    terminalID,
		ConnectedAt:   now,
		session:       session,
		lastHeartbeat: now,
	}

	r.transMu.Lock()
	r.mu.Lock()
	r.conns[c.ID] = c
	peers := r.byTerminal[terminalID]
	if peers == nil {
		peers = make(map[string]*Conn)
		r.byTerminal[terminalID] = peers
	}
	peers[c.ID] = c
	sessions := len(peers)
	r.mu.Unlock()

	err := r.dir.MarkOnline(ctx, terminalID)
	if err != nil {
		r.mu.Lock()
		r.detachLocked(c)
		r.mu.Unlock()
	}
	r.transMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("mark terminal %s online: %w", terminalID, err)
	}

	r.mirrorOnline(ctx, terminalID, sessions)
	r.logger.Info("Terminal connected",
		zap.String("terminal_id", terminalID),
		zap.String("connection_id", c.ID),
		zap.Int("sessions", sessions))

	r.send(ctx, c, protocol.ConnectionEstablished{
		ConnectionID: c.ID,
		TerminalID:   terminalID,
		Timestamp:    now.UnixMilli(),
	})
	return c, nil
}

// OnMessage handles one inbound frame. Frames that cannot be decoded are
// answered with an error frame; the session stays open.
func (r *Registry) OnMessage(ctx context.Context, connID string, frame []byte) error {
	c := r.lookup(connID)
	if c == nil {
		return fmt.Errorf("%s: %w", connID, ErrUnknownConnection)
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		r.logger.Warn("Rejected frame", zap.String("connection_id", connID), zap.Error(err))
		r.send(ctx, c, protocol.Error{Message: err.Error()})
		return nil
	}

	switch m := msg.(type) {
	case protocol.Heartbeat:
		now := r.now()
		r.mu.Lock()
		c.lastHeartbeat = now
		sessions := len(r.byTerminal[c.TerminalID])
		r.mu.Unlock()
		if err := r.dir.Touch(ctx, c.TerminalID); err != nil {
			r.logger.Warn("Failed to record terminal activity", zap.String("terminal_id", c.TerminalID), zap.Error(err))
		}
		r.mirrorOnline(ctx, c.TerminalID, sessions)
		r.send(ctx, c, protocol.HeartbeatAck{Timestamp: now.UnixMilli()})

	case protocol.TerminalStatus:
		status, err := terminal.ParseStatus(m.Status)
		if err == nil && status == terminal.StatusOffline {
			// Offline follows the last session going away.
			err = fmt.Errorf("%s: %w", c.TerminalID, ErrTerminalConnected)
		}
		if err == nil {
			err = r.dir.SetStatus(ctx, c.TerminalID, status)
		}
		if err != nil {
			r.send(ctx, c, protocol.Error{Message: err.Error()})
		}

	case protocol.TaskAccept, protocol.TaskResult, protocol.TaskFailure:
		r.mu.Lock()
		events := r.events
		r.mu.Unlock()
		if events == nil {
			r.send(ctx, c, protocol.Error{Message: fmt.Sprintf("%s not supported", m.Kind())})
			return nil
		}
		if err := events.HandleTaskEvent(ctx, c.TerminalID, m); err != nil {
			r.logger.Warn("Task event rejected",
				zap.String("terminal_id", c.TerminalID),
				zap.String("type", string(m.Kind())),
				zap.Error(err))
			r.send(ctx, c, protocol.Error{Message: err.Error()})
		}
	}
	return nil
}

// OnClose removes a session after the transport closed.
func (r *Registry) OnClose(ctx context.Context, connID string) {
	r.remove(ctx, connID, "closed")
}

// OnError removes a session after a transport or protocol error.
func (r *Registry) OnError(ctx context.Context, connID string, err error) {
	r.logger.Warn("Connection error", zap.String("connection_id", connID), zap.Error(err))
	r.remove(ctx, connID, "error")
}

// SendTo delivers msg to every open session of terminalID and reports
// whether at least one send succeeded. Sessions that fail to send are
// dropped. There is no retry.
func (r *Registry) SendTo(ctx context.Context, terminalID string, msg protocol.Outbound) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode frame", zap.String("type", string(msg.Kind())), zap.Error(err))
		return false
	}

	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.byTerminal[terminalID]))
	for _, c := range r.byTerminal[terminalID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	sent := false
	for _, c := range targets {
		if r.sendFrame(ctx, c, frame) {
			sent = true
		}
	}
	return sent
}

// Broadcast delivers msg to every open session and returns the number of
// successful sends.
func (r *Registry) Broadcast(ctx context.Context, msg protocol.Outbound) int {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode frame", zap.String("type", string(msg.Kind())), zap.Error(err))
		return 0
	}

	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range targets {
		if r.sendFrame(ctx, c, frame) {
			n++
		}
	}
	return n
}

// Sweep closes every session whose last heartbeat is older than the
// configured timeout and returns their connection ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	now := r.now()

	r.mu.Lock()
	var expired []*Conn
	for _, c := range r.conns {
		if now.Sub(c.lastHeartbeat) > r.cfg.HeartbeatTimeout {
			expired = append(expired, c)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		r.logger.Info("Heartbeat timeout, closing connection",
			zap.String("terminal_id", c.TerminalID),
			zap.String("connection_id", c.ID))
		_ = c.session.Close()
		r.remove(ctx, c.ID, "heartbeat timeout")
		ids = append(ids, c.ID)
	}
	return ids
}

// Start runs the heartbeat sweep every HeartbeatInterval until ctx is done
// or the returned stop function is called.
func (r *Registry) Start(ctx context.Context) func() {
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				r.Sweep(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
		})
	}
}

// CloseAll closes every session without touching terminal status.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.byTerminal = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.session.Close()
	}
}

// Sessions returns the number of open sessions of a terminal.
func (r *Registry) Sessions(terminalID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTerminal[terminalID])
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ConnectedTerminals returns the ids of terminals with at least one session.
func (r *Registry) ConnectedTerminals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byTerminal))
	for id := range r.byTerminal {
		out = append(out, id)
	}
	return out
}

func (r *Registry) lookup(connID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[connID]
}

func (r *Registry) remove(ctx context.Context, connID, reason string) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.detachLocked(c)
	remaining := len(r.byTerminal[c.TerminalID])
	r.mu.Unlock()

	r.logger.Info("Connection removed",
		zap.String("terminal_id", c.TerminalID),
		zap.String("connection_id", connID),
		zap.String("reason", reason),
		zap.Int("remaining_sessions", remaining))

	if remaining > 0 {
		r.mirrorOnline(ctx, c.TerminalID, remaining)
		return
	}
	if err := r.dir.MarkOffline(ctx, c.TerminalID); err != nil {
		r.logger.Warn("Failed to mark terminal offline", zap.String("terminal_id", c.TerminalID), zap.Error(err))
	}
	if r.presence != nil {
		if err := r.presence.Offline(ctx, c.TerminalID); err != nil {
			r.logger.Warn("Presence update failed", zap.String("terminal_id", c.TerminalID), zap.Error(err))
		}
	}
}

func (r *Registry) detachLocked(c *Conn) {
	delete(r.conns, c.ID)
	if peers := r.byTerminal[c.TerminalID]; peers != nil {
		delete(peers, c.ID)
		if len(peers) == 0 {
			delete(r.byTerminal, c.TerminalID)
		}
	}
}

func (r *Registry) mirrorOnline(ctx context.Context, terminalID string, sessions int) {
	if r.presence == nil {
		return
	}
	if err := r.presence.Online(ctx, terminalID, sessions); err != nil {
		r.logger.Warn("Presence update failed", zap.String("terminal_id", terminalID), zap.Error(err))
	}
}

func (r *Registry) send(ctx context.Context, c *Conn, msg protocol.Outbound) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode frame", zap.String("type", string(msg.Kind())), zap.Error(err))
		return
	}
	r.sendFrame(ctx, c, frame)
}

func (r *Registry) sendFrame(ctx context.Context, c *Conn, frame []byte) bool {
	if err := c.session.Send(ctx, frame); err != nil {
		r.OnError(ctx, c.ID, fmt.Errorf("send: %w", err))
		return false
	}
	return true
}
