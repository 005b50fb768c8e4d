package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/id"
	"github.com/clipnote/capsync/protocol"
	"github.com/clipnote/capsync/telemetry"
)

// State is the connection lifecycle state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// ErrSessionLost is returned by Connect after the server moved this tab's
// session elsewhere. The manager never reconnects past that point.
var ErrSessionLost = errors.New("editing session moved to another tab")

// Handlers receive inbound events. The manager never applies changes itself;
// persistence belongs to the owning service.
type Handlers struct {
	OnServerUpdate       func(changes []protocol.ChangeRecord, version int64)
	OnLockChanged        func(state string, holder *protocol.LockHolder)
	OnSessionTransferred func(newTabID string)
	OnSyncError          func(err *protocol.ServerError)
	OnStateChange        func(state State)
}

// Config holds the per-connection settings for one sync socket.
type Config struct {
	URL               string // full websocket endpoint for one (entity, database)
	TabID             string
	AuthToken         string
	ConnectTimeout    time.Duration
	Debounce          time.Duration
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	CompressThreshold int
	IDs               id.Generator
}

// Manager owns one websocket to the sync server for a single (entity,
// database) pair. Local changes are debounced into batched sync messages;
// messages survive disconnects in a FIFO queue and are replayed in order.
type Manager struct {
	conf     Config
	handlers Handlers

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation uint64
	detached   bool

	pending       []protocol.ChangeRecord
	debounceTimer *time.Timer

	queue    []*protocol.SyncMessage
	inflight []*protocol.SyncMessage
	version  int64

	attempts       int
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	sessionLost    bool
}

func NewManager(conf Config) *Manager {
	return &Manager{
		conf:  conf,
		state: StateDisconnected,
	}
}

// SetHandlers installs the event handlers. Call before Connect.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version returns the last server-confirmed database version.
func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// SetVersion seeds the tracked version from the local handle before the
// first connect.
func (m *Manager) SetVersion(v int64) {
	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if h := m.handlers.OnStateChange; h != nil && !m.detached {
		go h(s)
	}
}

// Connect opens the socket. Calling while already connecting or connected is
// a no-op. The handshake observes the configured hard timeout.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.sessionLost {
		m.mu.Unlock()
		return ErrSessionLost
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.detached = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.conf.ConnectTimeout}
	header := http.Header{}
	if m.conf.AuthToken != "" {
		header.Set("Authorization", "Bearer "+m.conf.AuthToken)
	}

	conn, resp, err := dialer.DialContext(ctx, m.dialURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		telemetry.ReconnectsTotal.With("failure").Inc()
		return fmt.Errorf("connect %s: %w", m.conf.URL, err)
	}

	m.mu.Lock()
	if m.detached {
		// Disconnect raced the handshake; the caller wanted this socket gone.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.generation++
	gen := m.generation
	m.attempts = 0
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	m.setStateLocked(StateConnected)

	// Unacked messages from the previous connection replay first, then the
	// queue built up while offline, strictly in enqueue order.
	m.queue = append(m.inflight, m.queue...)
	m.inflight = m.inflight[:0]
	m.flushQueueLocked()
	m.mu.Unlock()

	go m.readPump(conn, gen)
	go m.heartbeat(conn, stop)

	telemetry.ReconnectsTotal.With("success").Inc()
	return nil
}

func (m *Manager) dialURL() string {
	u := m.conf.URL
	sep := "?"
	if parsed, err := url.Parse(u); err == nil && parsed.RawQuery != "" {
		sep = "&"
	}
	return u + sep + "tabId=" + url.QueryEscape(m.conf.TabID)
}

// Disconnect detaches handlers first so the close frame cannot bounce back
// in as a reconnect, then tears down timers and the socket.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.detached = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// EnqueueChanges appends local changes to the pending buffer. A debounce
// window coalesces bursts into one batched sync message.
func (m *Manager) EnqueueChanges(changes []protocol.ChangeRecord) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, changes...)
	telemetry.PendingChanges.Set(float64(len(m.pending)))

	if m.debounceTimer == nil {
		m.debounceTimer = time.AfterFunc(m.conf.Debounce, m.flushPending)
	}
}

// flushPending drains the debounce buffer into a single sync message.
func (m *Manager) flushPending() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.debounceTimer = nil
	if len(m.pending) == 0 {
		return
	}

	changes := m.pending
	m.pending = nil
	telemetry.PendingChanges.Set(0)

	msg := protocol.NewSyncMessage(m.conf.IDs.NextID(), changes, m.version)
	m.queue = append(m.queue, msg)
	telemetry.QueuedMessages.Set(float64(len(m.queue)))

	if m.state == StateConnected && m.conn != nil {
		m.flushQueueLocked()
	}
}

// flushQueueLocked writes queued messages in order until the queue drains or
// a write fails. Failed writes keep their message queued; the read pump's
// close handling drives the reconnect.
func (m *Manager) flushQueueLocked() {
	for len(m.queue) > 0 {
		msg := m.queue[0]
		if err := m.writeLocked(msg); err != nil {
			log.Warn().Err(err).Uint64("message_id", msg.MessageID).Msg("Sync write failed, message stays queued")
			break
		}
		m.queue = m.queue[1:]
		m.inflight = append(m.inflight, msg)
		telemetry.SyncMessagesTotal.With("outbound").Inc()
	}
	telemetry.QueuedMessages.Set(float64(len(m.queue)))
}

func (m *Manager) writeLocked(msg *protocol.SyncMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode sync message: %w", err)
	}
	if m.conn == nil {
		return errors.New("socket not open")
	}
	if m.conf.CompressThreshold > 0 && len(data) > m.conf.CompressThreshold {
		return m.conn.WriteMessage(websocket.BinaryMessage, compressFrame(data))
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump dispatches inbound messages strictly in arrival order.
func (m *Manager) readPump(conn *websocket.Conn, gen uint64) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		if kind == websocket.BinaryMessage {
			if data, err = decompressFrame(data); err != nil {
				log.Warn().Err(err).Msg("Dropping undecodable binary frame")
				continue
			}
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		var unknown *protocol.UnknownMessageError
		if errors.As(err, &unknown) {
			log.Debug().Str("kind", unknown.Kind).Msg("Ignoring unknown server message type")
			return
		}
		log.Warn().Err(err).Msg("Dropping malformed server message")
		return
	}
	telemetry.SyncMessagesTotal.With("inbound").Inc()

	m.mu.Lock()
	if m.detached {
		m.mu.Unlock()
		return
	}
	handlers := m.handlers

	switch v := msg.(type) {
	case *protocol.Ack:
		for i, inflight := range m.inflight {
			if inflight.MessageID == v.MessageID {
				m.inflight = append(m.inflight[:i], m.inflight[i+1:]...)
				break
			}
		}
		if v.Version > m.version {
			m.version = v.Version
		}
		m.mu.Unlock()

	case *protocol.ServerUpdate:
		if v.Version > m.version {
			m.version = v.Version
		}
		m.mu.Unlock()
		if handlers.OnServerUpdate != nil {
			handlers.OnServerUpdate(v.Changes, v.Version)
		}

	case *protocol.LockChanged:
		m.mu.Unlock()
		if handlers.OnLockChanged != nil {
			handlers.OnLockChanged(v.State, v.Holder)
		}

	case *protocol.SessionTransferred:
		m.sessionLost = true
		m.mu.Unlock()
		if handlers.OnSessionTransferred != nil {
			handlers.OnSessionTransferred(v.NewTabID)
		}
		m.Disconnect()
		// Disconnect sets detached; session loss is still a terminal state
		// worth reflecting.
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()

	case *protocol.ServerError:
		m.mu.Unlock()
		log.Warn().Str("code", v.Code).Str("detail", v.Message).Msg("Sync server reported error")
		if handlers.OnSyncError != nil {
			handlers.OnSyncError(v)
		}

	default:
		m.mu.Unlock()
	}
}

// handleClosed reacts to the socket dying underneath the read pump.
func (m *Manager) handleClosed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen || m.detached {
		return
	}
	m.conn = nil
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}

	if m.sessionLost {
		m.setStateLocked(StateError)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.setStateLocked(StateDisconnected)
		return
	}

	log.Info().Err(err).Str("url", m.conf.URL).Msg("Sync socket lost, scheduling reconnect")
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next reconnect attempt with exponential
// backoff up to the configured ceiling.
func (m *Manager) scheduleReconnectLocked() {
	m.setStateLocked(StateReconnecting)
	m.attempts++

	delay := m.conf.InitialBackoff
	for i := 1; i < m.attempts && delay < m.conf.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > m.conf.MaxBackoff {
		delay = m.conf.MaxBackoff
	}

	m.reconnectTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background()); err != nil {
			m.mu.Lock()
			if !m.detached && !m.sessionLost {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
		}
	})
}

// heartbeat pings while connected. Send failures are swallowed; the read
// pump's close handling catches real disconnects.
func (m *Manager) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	if m.conf.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			_ = conn.WriteControl(websocket.PingMessage, nil, deadline)
		}
	}
}
