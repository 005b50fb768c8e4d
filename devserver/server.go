package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/db"
	"github.com/clipnote/capsync/lock"
	"github.com/clipnote/capsync/protocol"
)

// DatabaseSpec tells the server how to bootstrap a logical database the
// first time a client syncs against it.
type DatabaseSpec struct {
	Bootstrap     string
	TrackedTables []string
}

// Config configures the reference server.
type Config struct {
	DataDir   string
	LockTTL   time.Duration
	JWTSecret []byte // empty disables auth
	Databases map[string]DatabaseSpec
}

// Server is a reference lock and sync authority. It keeps the server-held
// database copy per (entity, database), grants exclusive edit locks, and
// relays merged changes between connected tabs.
type Server struct {
	conf     Config
	registry *db.Registry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	locks   map[string]*lockState
	rooms   map[string]*room
	handles map[string]*db.Handle
}

type lockState struct {
	holder    protocol.LockHolder
	expiresAt time.Time
}

type room struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn  *websocket.Conn
	tabID string
	mu    sync.Mutex
}

func (c *client) send(msg protocol.ServerMessage) error {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func New(conf Config) *Server {
	return &Server{
		conf:     conf,
		registry: db.NewRegistry(),
		locks:    make(map[string]*lockState),
		rooms:    make(map[string]*room),
		handles:  make(map[string]*db.Handle),
	}
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)

	r.Route("/v1/locks/{entity}/{db}", func(r chi.Router) {
		r.Get("/", s.getLock)
		r.Post("/", s.acquireLock)
		r.Delete("/", s.releaseLock)
	})
	r.Get("/v1/sync/{entity}/{db}", s.sync)

	return r
}

func pairKey(r *http.Request) string {
	return chi.URLParam(r, "entity") + "/" + chi.URLParam(r, "db")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// holdsLock reports whether the tab currently holds the edit lock for the
// pair. The sync endpoint rejects changes from anyone else.
func (s *Server) holdsLock(key, tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	ls := s.locks[key]
	return ls != nil && ls.holder.TabID == tabID
}

// expireLocked drops the lock if its TTL passed. Callers hold s.mu.
func (s *Server) expireLocked(key string) {
	if ls, ok := s.locks[key]; ok && time.Now().After(ls.expiresAt) {
		delete(s.locks, key)
	}
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	key := pairKey(r)

	s.mu.Lock()
	s.expireLocked(key)
	ls := s.locks[key]
	s.mu.Unlock()

	if ls == nil {
		writeJSON(w, http.StatusOK, lock.StateResponse{Locked: false})
		return
	}
	holder := ls.holder
	writeJSON(w, http.StatusOK, lock.StateResponse{
		Locked:    true,
		Holder:    &holder,
		ExpiresAt: ls.expiresAt,
	})
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	key := pairKey(r)

	var req lock.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.expireLocked(key)
	ls := s.locks[key]

	var displaced *protocol.LockHolder
	switch {
	case ls == nil:
		// Free: grant.
	case ls.holder.UserID == req.UserID && ls.holder.TabID == req.TabID:
		// Re-acquire by the current holder refreshes the TTL.
	case ls.holder.UserID == req.UserID:
		// Same user in another tab: transfer the session.
		old := ls.holder
		displaced = &old
	default:
		holder := ls.holder
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, lock.StateResponse{Locked: true, Holder: &holder})
		return
	}

	state := &lockState{
		holder:    protocol.LockHolder{UserID: req.UserID, TabID: req.TabID},
		expiresAt: time.Now().Add(s.conf.LockTTL),
	}
	s.locks[key] = state
	s.mu.Unlock()

	if displaced != nil {
		s.notifyDisplaced(key, *displaced, state.holder)
	}

	holder := state.holder
	writeJSON(w, http.StatusOK, lock.StateResponse{
		Locked:    true,
		Holder:    &holder,
		ExpiresAt: state.expiresAt,
	})
}

// notifyDisplaced pushes session_transferred and lock_changed to the tab
// that just lost the lock to another tab of the same user.
func (s *Server) notifyDisplaced(key string, old, current protocol.LockHolder) {
	holder := current
	for _, c := range s.roomClients(key) {
		if c.tabID != old.TabID {
			continue
		}
		if err := c.send(&protocol.SessionTransferred{NewTabID: current.TabID}); err != nil {
			log.Warn().Err(err).Str("tab", c.tabID).Msg("Unable to push session transfer")
		}
		if err := c.send(&protocol.LockChanged{State: string(lock.StateTransferring), Holder: &holder}); err != nil {
			log.Warn().Err(err).Str("tab", c.tabID).Msg("Unable to push lock change")
		}
	}
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	key := pairKey(r)

	s.mu.Lock()
	s.expireLocked(key)
	_, held := s.locks[key]
	delete(s.locks, key)
	s.mu.Unlock()

	if !held {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	for _, c := range s.roomClients(key) {
		if err := c.send(&protocol.LockChanged{State: string(lock.StateReleased)}); err != nil {
			log.Warn().Err(err).Str("tab", c.tabID).Msg("Unable to push lock release")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) roomClients(key string) []*client {
	s.mu.Lock()
	rm := s.rooms[key]
	s.mu.Unlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	clients := make([]*client, 0, len(rm.clients))
	for c := range rm.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) handleFor(entity, database string) (*db.Handle, error) {
	key := entity + "/" + database

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[key]; ok {
		return h, nil
	}

	spec, ok := s.conf.Databases[database]
	if !ok {
		return nil, fmt.Errorf("unknown database %q", database)
	}
	h, err := db.Open(db.Config{
		Entity:        entity,
		Database:      database,
		Bootstrap:     spec.Bootstrap,
		TrackedTables: spec.TrackedTables,
		DataDir:       s.conf.DataDir,
		Registry:      s.registry,
	})
	if err != nil {
		return nil, fmt.Errorf("open server copy %s: %w", key, err)
	}
	s.handles[key] = h
	return h, nil
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	database := chi.URLParam(r, "db")
	key := entity + "/" + database
	tabID := r.URL.Query().Get("tabId")

	handle, err := s.handleFor(entity, database)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, tabID: tabID}
	s.joinRoom(key, c)
	defer s.leaveRoom(key, c)
	defer conn.Close()

	log.Info().Str("key", key).Str("tab", tabID).Msg("Sync client connected")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			if data, err = decompress(data); err != nil {
				log.Warn().Err(err).Msg("Undecodable binary sync frame")
				continue
			}
		}
		s.handleSync(key, handle, c, data)
	}
}

func (s *Server) handleSync(key string, handle *db.Handle, from *client, data []byte) {
	var msg protocol.SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = from.send(&protocol.ServerError{Code: "bad_message", Message: err.Error()})
		return
	}
	if msg.Checksum != protocol.BatchChecksum(msg.Changes) {
		_ = from.send(&protocol.ServerError{Code: "checksum_mismatch", Message: "batch checksum does not match"})
		return
	}
	if !s.holdsLock(key, from.tabID) {
		_ = from.send(&protocol.ServerError{Code: "lock_required", Message: "tab does not hold the edit lock"})
		return
	}

	version, err := handle.ApplyChanges(msg.Changes)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Unable to apply client changes")
		_ = from.send(&protocol.ServerError{Code: "apply_failed", Message: err.Error()})
		return
	}

	if err := from.send(&protocol.Ack{MessageID: msg.MessageID, Version: version}); err != nil {
		log.Warn().Err(err).Msg("Unable to ack sync message")
	}

	update := &protocol.ServerUpdate{
		Changes:  msg.Changes,
		Version:  version,
		Checksum: protocol.BatchChecksum(msg.Changes),
	}
	for _, c := range s.roomClients(key) {
		if c == from {
			continue
		}
		if err := c.send(update); err != nil {
			log.Warn().Err(err).Str("tab", c.tabID).Msg("Unable to relay server update")
		}
	}
}

func (s *Server) joinRoom(key string, c *client) {
	s.mu.Lock()
	rm := s.rooms[key]
	if rm == nil {
		rm = &room{clients: make(map[*client]struct{})}
		s.rooms[key] = rm
	}
	s.mu.Unlock()

	rm.mu.Lock()
	rm.clients[c] = struct{}{}
	rm.mu.Unlock()
}

func (s *Server) leaveRoom(key string, c *client) {
	s.mu.Lock()
	rm := s.rooms[key]
	s.mu.Unlock()
	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.clients, c)
	rm.mu.Unlock()
}

// Close releases the server-side handles.
func (s *Server) Close() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*db.Handle)
	s.mu.Unlock()

	for key, h := range handles {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Unable to close server copy")
		}
	}
}
