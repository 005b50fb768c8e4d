package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/protocol"
	"github.com/clipnote/capsync/telemetry"
)

// eventBufferSize bounds the notification channel. Slow consumers have
// events dropped rather than blocking the lock paths.
const eventBufferSize = 32

// ManagerConfig carries the identity and timing knobs for a Manager.
type ManagerConfig struct {
	ClientConfig
	PollInterval  time.Duration
	WarningWindow time.Duration
}

// Manager tracks exclusive edit locks per (entity, database) key. The server
// is authoritative; local state is a cache plus an expiry safety net.
type Manager struct {
	client        *Client
	userID        string
	tabID         string
	pollInterval  time.Duration
	warningWindow time.Duration
	entries       *xsync.MapOf[string, *lockEntry]
	events        chan Event
}

type lockEntry struct {
	mu        xsync.RBMutex
	key       Key
	state     State
	holder    *protocol.LockHolder
	expiresAt time.Time
	warned    bool
	stop      chan struct{}
}

func NewManager(conf ManagerConfig) *Manager {
	return &Manager{
		client:        NewClient(conf.ClientConfig),
		userID:        conf.UserID,
		tabID:         conf.TabID,
		pollInterval:  conf.PollInterval,
		warningWindow: conf.WarningWindow,
		entries:       xsync.NewMapOf[string, *lockEntry](),
		events:        make(chan Event, eventBufferSize),
	}
}

// Events exposes lock notifications. Delivery is best-effort.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Warn().
			Str("key", ev.Key.String()).
			Str("reason", string(ev.Reason)).
			Msg("Lock event dropped, consumer not keeping up")
	}
}

func (m *Manager) entry(key Key) *lockEntry {
	e, _ := m.entries.LoadOrCompute(key.String(), func() *lockEntry {
		return &lockEntry{key: key, state: StateReleased}
	})
	return e
}

// StateOf returns the locally cached state for a key.
func (m *Manager) StateOf(key Key) State {
	e, ok := m.entries.Load(key.String())
	if !ok {
		return StateReleased
	}
	rt := e.mu.RLock()
	defer e.mu.RUnlock(rt)
	return e.state
}

// CheckState queries the server and maps its answer onto the local state
// machine. Same user in another tab is a transfer condition, not a denial.
func (m *Manager) CheckState(ctx context.Context, key Key) (State, error) {
	e := m.entry(key)
	e.mu.Lock()
	e.state = StateChecking
	e.mu.Unlock()

	start := time.Now()
	resp, err := m.client.CheckState(ctx, key)
	telemetry.LockRequestSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.LockRequestsTotal.With("check", "error").Inc()
		return "", fmt.Errorf("check lock %s: %w", key, err)
	}
	telemetry.LockRequestsTotal.With("check", "ok").Inc()

	state := m.mapServerState(resp)

	e.mu.Lock()
	e.state = state
	e.holder = resp.Holder
	e.expiresAt = resp.ExpiresAt
	e.mu.Unlock()

	return state, nil
}

func (m *Manager) mapServerState(resp *StateResponse) State {
	switch {
	case resp.Processing:
		return StateServerProcessing
	case !resp.Locked:
		return StateReleased
	case resp.Holder == nil:
		return StateDenied
	case resp.Holder.UserID == m.userID && resp.Holder.TabID == m.tabID:
		return StateGranted
	case resp.Holder.UserID == m.userID:
		return StateTransferring
	default:
		return StateDenied
	}
}

// Acquire requests the lock and starts the expiry monitor on success. A
// failed acquire never leaves the entry in granted.
func (m *Manager) Acquire(ctx context.Context, key Key) (*Grant, error) {
	e := m.entry(key)
	e.mu.Lock()
	e.state = StateAcquiring
	e.mu.Unlock()

	start := time.Now()
	grant, err := m.client.Acquire(ctx, key)
	telemetry.LockRequestSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		e.mu.Lock()
		switch err.(type) {
		case *TransferredError:
			e.state = StateTransferring
			telemetry.LockRequestsTotal.With("acquire", "transferring").Inc()
		case *DeniedError:
			e.state = StateDenied
			if d, ok := err.(*DeniedError); ok {
				holder := d.Holder
				e.holder = &holder
			}
			telemetry.LockRequestsTotal.With("acquire", "denied").Inc()
		default:
			e.state = StateDenied
			telemetry.LockRequestsTotal.With("acquire", "error").Inc()
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	telemetry.LockRequestsTotal.With("acquire", "granted").Inc()
	telemetry.HeldLocks.Inc()

	stop := make(chan struct{})
	e.mu.Lock()
	e.state = StateGranted
	e.holder = &protocol.LockHolder{UserID: m.userID, TabID: m.tabID}
	e.expiresAt = grant.ExpiresAt
	e.warned = false
	e.stopExistingMonitor()
	e.stop = stop
	e.mu.Unlock()

	go m.monitor(e, stop)

	m.emit(Event{Key: key, State: StateGranted, Reason: ReasonAcquired, ExpiresAt: grant.ExpiresAt})
	return grant, nil
}

// Release stops the expiry monitor before talking to the server so a stale
// expiry tick cannot race a subsequent acquire.
func (m *Manager) Release(ctx context.Context, key Key) error {
	e := m.entry(key)

	e.mu.Lock()
	wasGranted := e.state == StateGranted
	e.stopExistingMonitor()
	e.state = StateReleased
	e.holder = nil
	e.mu.Unlock()

	start := time.Now()
	err := m.client.Release(ctx, key)
	telemetry.LockRequestSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.LockRequestsTotal.With("release", "error").Inc()
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	telemetry.LockRequestsTotal.With("release", "ok").Inc()
	if wasGranted {
		telemetry.HeldLocks.Dec()
	}

	m.emit(Event{Key: key, State: StateReleased, Reason: ReasonReleased})
	return nil
}

// ReleaseAll drops every granted lock. Teardown path: failures are logged,
// not returned, so one bad release does not strand the rest.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.entries.Range(func(_ string, e *lockEntry) bool {
		rt := e.mu.RLock()
		granted := e.state == StateGranted
		key := e.key
		e.mu.RUnlock(rt)

		if granted {
			if err := m.Release(ctx, key); err != nil {
				log.Warn().Err(err).Str("key", key.String()).Msg("Unable to release lock on teardown")
			}
		}
		return true
	})
}

// ApplyServerState folds a lock_changed push into local state. The server
// always wins over the local monitor; losing a granted lock this way raises
// a transferred (same user) or revoked (other user) notification.
func (m *Manager) ApplyServerState(key Key, state State, holder *protocol.LockHolder) {
	e := m.entry(key)

	e.mu.Lock()
	wasGranted := e.state == StateGranted
	if wasGranted && state != StateGranted {
		e.stopExistingMonitor()
		telemetry.HeldLocks.Dec()
	}
	e.state = state
	e.holder = holder
	e.mu.Unlock()

	reason := ReasonReleased
	if wasGranted && state != StateGranted {
		reason = ReasonRevoked
		if holder != nil && holder.UserID == m.userID {
			reason = ReasonTransferred
		}
	} else if state == StateGranted {
		reason = ReasonAcquired
	}

	m.emit(Event{Key: key, State: state, Reason: reason, Holder: holder})
}

// monitor is the client-side expiry safety net. It degrades to a no-op as
// soon as the state leaves granted, since a server push may already have
// resolved the lock.
func (m *Manager) monitor(e *lockEntry, stop chan struct{}) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if e.state != StateGranted || e.stop != stop {
			e.mu.Unlock()
			return
		}

		remaining := time.Until(e.expiresAt)
		if remaining <= 0 {
			e.state = StateExpired
			e.stop = nil
			e.mu.Unlock()

			telemetry.HeldLocks.Dec()
			telemetry.LockRequestsTotal.With("monitor", "expired").Inc()
			m.emit(Event{Key: e.key, State: StateExpired, Reason: ReasonExpired})
			return
		}

		if remaining <= m.warningWindow && !e.warned {
			e.warned = true
			expiresAt := e.expiresAt
			e.mu.Unlock()
			m.emit(Event{Key: e.key, State: StateGranted, Reason: ReasonExpiringSoon, ExpiresAt: expiresAt})
			continue
		}
		e.mu.Unlock()
	}
}

// stopExistingMonitor must be called with the entry lock held.
func (e *lockEntry) stopExistingMonitor() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}
