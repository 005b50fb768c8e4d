package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/db"
	"github.com/clipnote/capsync/lock"
	"github.com/clipnote/capsync/notify"
	"github.com/clipnote/capsync/protocol"
	"github.com/clipnote/capsync/transport"
)

// Spec describes the logical database a sync service manages.
type Spec struct {
	Entity        string
	Database      string
	Snapshot      []byte
	Bootstrap     string
	TrackedTables []string
}

// ErrNotInitialized is returned by operations before Initialize succeeds.
var ErrNotInitialized = errors.New("sync service not initialized")

// LockRequiredError is the fail-fast answer to a mutation attempted without
// holding the edit lock.
type LockRequiredError struct {
	Key lock.Key
}

func (e *LockRequiredError) Error() string {
	return fmt.Sprintf("edit lock for %s not held", e.Key)
}

// SyncService owns the full sync lifecycle for one (entity, database) pair:
// local handle, edit lock, change subscriptions, and the sync socket.
type SyncService struct {
	ctx  *SyncContext
	spec Spec
	key  lock.Key
	hub  *notify.Hub

	mu     sync.Mutex
	init   *future.Promise[struct{}]
	ready  bool
	closed bool
	handle *db.Handle
	conn   *transport.Manager
}

func newSyncService(ctx *SyncContext, spec Spec) *SyncService {
	return &SyncService{
		ctx:  ctx,
		spec: spec,
		key:  lock.Key{Entity: spec.Entity, Database: spec.Database},
		hub:  notify.NewHub(),
	}
}

// Initialize brings the service up: open the handle from its snapshot,
// acquire the edit lock, then connect the sync socket. Concurrent callers
// share the in-flight attempt and its eventual error.
func (s *SyncService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return db.ErrDatabaseClosed
	}
	if s.ready {
		s.mu.Unlock()
		return nil
	}
	if s.init != nil {
		f := s.init.Future()
		s.mu.Unlock()
		_, err := f.Get()
		return err
	}
	p := future.NewPromise[struct{}]()
	s.init = p
	s.mu.Unlock()

	err := s.initialize(ctx)

	s.mu.Lock()
	if err != nil {
		// A failed attempt resets to uninitialized so callers can retry.
		s.init = nil
	} else {
		s.ready = true
	}
	s.mu.Unlock()

	p.Set(struct{}{}, err)
	return err
}

func (s *SyncService) initialize(ctx context.Context) error {
	handle, err := db.Open(db.Config{
		Entity:        s.spec.Entity,
		Database:      s.spec.Database,
		Snapshot:      s.spec.Snapshot,
		Bootstrap:     s.spec.Bootstrap,
		TrackedTables: s.spec.TrackedTables,
		DataDir:       s.ctx.conf.DataDir,
		Registry:      s.ctx.handles,
	})
	if err != nil {
		return fmt.Errorf("open %s/%s: %w", s.spec.Entity, s.spec.Database, err)
	}

	grant, err := s.ctx.locks.Acquire(ctx, s.key)
	if err != nil {
		_ = handle.Close()
		return err
	}

	conn := transport.NewManager(s.transportConfig(grant))
	conn.SetVersion(handle.Version())
	conn.SetHandlers(transport.Handlers{
		OnServerUpdate:       s.applyRemote,
		OnLockChanged:        s.forwardLockChange,
		OnSessionTransferred: s.forwardSessionTransfer,
		OnSyncError: func(serverErr *protocol.ServerError) {
			log.Warn().Str("code", serverErr.Code).Str("detail", serverErr.Message).
				Str("key", s.key.String()).Msg("Sync error from server")
		},
	})

	if err := conn.Connect(ctx); err != nil {
		if relErr := s.ctx.locks.Release(context.Background(), s.key); relErr != nil {
			log.Warn().Err(relErr).Str("key", s.key.String()).Msg("Unable to release lock after failed connect")
		}
		_ = handle.Close()
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *SyncService) transportConfig(grant *lock.Grant) transport.Config {
	conf := s.ctx.conf
	wsURL := grant.SyncURL
	if wsURL == "" {
		wsURL = fmt.Sprintf("%s/v1/sync/%s/%s", conf.Server.WebSocketURL,
			url.PathEscape(s.spec.Entity), url.PathEscape(s.spec.Database))
	}
	return transport.Config{
		URL:               wsURL,
		TabID:             conf.TabID,
		AuthToken:         conf.Server.AuthToken,
		ConnectTimeout:    time.Duration(conf.Sync.ConnectTimeoutMS) * time.Millisecond,
		Debounce:          time.Duration(conf.Sync.DebounceMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(conf.Sync.HeartbeatIntervalS) * time.Second,
		InitialBackoff:    time.Duration(conf.Sync.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:        time.Duration(conf.Sync.MaxBackoffS) * time.Second,
		CompressThreshold: conf.Sync.CompressThresholdBytes,
		IDs:               s.ctx.ids,
	}
}

// applyRemote persists a server batch and only then notifies subscribers,
// so callbacks that read back always see the merged state.
func (s *SyncService) applyRemote(changes []protocol.ChangeRecord, version int64) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}

	if _, err := handle.ApplyChanges(changes); err != nil {
		log.Error().Err(err).Str("key", s.key.String()).Int64("version", version).
			Msg("Unable to apply server update")
		return
	}
	s.hub.Notify(changes)
}

func (s *SyncService) forwardLockChange(state string, holder *protocol.LockHolder) {
	s.ctx.locks.ApplyServerState(s.key, lock.State(state), holder)
}

func (s *SyncService) forwardSessionTransfer(newTabID string) {
	log.Info().Str("key", s.key.String()).Str("new_tab", newTabID).
		Msg("Editing session moved to another tab")
	s.ctx.locks.ApplyServerState(s.key, lock.StateTransferring, &protocol.LockHolder{
		UserID: s.ctx.conf.Server.UserID,
		TabID:  newTabID,
	})
}

// Subscribe registers a change callback scoped to this service's database.
func (s *SyncService) Subscribe(cb notify.Callback, opts notify.Options) (*notify.Subscription, error) {
	return s.hub.Subscribe(cb, opts)
}

// Query runs a read statement. Reads never require the lock.
func (s *SyncService) Query(sqlText string, params ...interface{}) (*db.QueryResult, error) {
	handle, err := s.readyHandle()
	if err != nil {
		return nil, err
	}
	return handle.Query(sqlText, params...)
}

// Mutate runs one write statement under the edit lock, then fans the
// captured changes out to subscribers and the sync socket.
func (s *SyncService) Mutate(sqlText string, params ...interface{}) (int64, error) {
	s.mu.Lock()
	if !s.ready || s.closed {
		s.mu.Unlock()
		return 0, ErrNotInitialized
	}
	handle := s.handle
	conn := s.conn
	s.mu.Unlock()

	if s.ctx.locks.StateOf(s.key) != lock.StateGranted {
		return 0, &LockRequiredError{Key: s.key}
	}

	before := handle.Version()
	affected, err := handle.Exec(sqlText, params...)
	if err != nil {
		return 0, err
	}

	changes, err := handle.GetChangesSince(before)
	if err != nil {
		return affected, fmt.Errorf("collect changes after write: %w", err)
	}
	if len(changes) > 0 {
		s.hub.Notify(changes)
		conn.EnqueueChanges(changes)
	}
	return affected, nil
}

func (s *SyncService) readyHandle() (*db.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.closed {
		return nil, ErrNotInitialized
	}
	return s.handle, nil
}

// Version reports the handle's database version.
func (s *SyncService) Version() (int64, error) {
	handle, err := s.readyHandle()
	if err != nil {
		return 0, err
	}
	return handle.Version(), nil
}

// Close tears the service down in dependency order: subscriptions first,
// then the socket, then the lock, then the handle. Reversing this risks a
// notification callback touching a closed handle.
func (s *SyncService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.ready = false
	handle := s.handle
	conn := s.conn
	s.handle = nil
	s.conn = nil
	s.mu.Unlock()

	s.hub.CloseAll()

	if conn != nil {
		conn.Disconnect()
	}

	if s.ctx.locks.StateOf(s.key) == lock.StateGranted {
		if err := s.ctx.locks.Release(ctx, s.key); err != nil {
			log.Warn().Err(err).Str("key", s.key.String()).Msg("Unable to release lock on close")
		}
	}

	if handle != nil {
		if err := handle.Close(); err != nil {
			return fmt.Errorf("close handle %s: %w", s.key, err)
		}
	}
	return nil
}
