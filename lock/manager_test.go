package lock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipnote/capsync/protocol"
)

// fakeLockServer implements the lock endpoints with in-memory state.
type fakeLockServer struct {
	mu        sync.Mutex
	holder    *protocol.LockHolder
	expiresAt time.Time
	ttl       time.Duration
}

func (s *fakeLockServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/locks/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
			s.holder = nil
		}

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(StateResponse{
				Locked:    s.holder != nil,
				Holder:    s.holder,
				ExpiresAt: s.expiresAt,
			})

		case http.MethodPost:
			var req AcquireRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if s.holder != nil && !(s.holder.UserID == req.UserID && s.holder.TabID == req.TabID) {
				if s.holder.UserID == req.UserID {
					// Same user, different tab: hand the lock over.
					s.holder = &protocol.LockHolder{UserID: req.UserID, TabID: req.TabID}
					s.expiresAt = time.Now().Add(s.ttl)
					json.NewEncoder(w).Encode(StateResponse{
						Locked: true, Holder: s.holder, ExpiresAt: s.expiresAt,
					})
					return
				}
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(StateResponse{Locked: true, Holder: s.holder})
				return
			}
			s.holder = &protocol.LockHolder{UserID: req.UserID, TabID: req.TabID}
			s.expiresAt = time.Now().Add(s.ttl)
			json.NewEncoder(w).Encode(StateResponse{
				Locked: true, Holder: s.holder, ExpiresAt: s.expiresAt,
			})

		case http.MethodDelete:
			if s.holder == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			s.holder = nil
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}

func newTestManager(t *testing.T, userID, tabID string, srv *httptest.Server) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		ClientConfig: ClientConfig{
			BaseURL:        srv.URL,
			UserID:         userID,
			TabID:          tabID,
			RequestTimeout: 2 * time.Second,
		},
		PollInterval:  10 * time.Millisecond,
		WarningWindow: 50 * time.Millisecond,
	})
}

func waitForEvent(t *testing.T, m *Manager, reason Reason) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Reason == reason {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", reason)
		}
	}
}

func testKey() Key {
	return Key{Entity: "video-1", Database: "captions"}
}

func TestManager_AcquireRelease(t *testing.T) {
	fake := &fakeLockServer{ttl: time.Minute}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	m := newTestManager(t, "alice", "tab-1", srv)

	grant, err := m.Acquire(context.Background(), testKey())
	require.NoError(t, err)
	require.False(t, grant.ExpiresAt.IsZero())
	require.Equal(t, StateGranted, m.StateOf(testKey()))
	waitForEvent(t, m, ReasonAcquired)

	require.NoError(t, m.Release(context.Background(), testKey()))
	require.Equal(t, StateReleased, m.StateOf(testKey()))
	waitForEvent(t, m, ReasonReleased)
}

func TestManager_Exclusivity(t *testing.T) {
	fake := &fakeLockServer{ttl: time.Minute}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	alice := newTestManager(t, "alice", "tab-1", srv)
	bob := newTestManager(t, "bob", "tab-2", srv)

	_, err := alice.Acquire(context.Background(), testKey())
	require.NoError(t, err)

	_, err = bob.Acquire(context.Background(), testKey())
	require.Error(t, err)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	require.Equal(t, "alice", denied.Holder.UserID)
	require.Equal(t, StateDenied, bob.StateOf(testKey()))
	require.Equal(t, StateGranted, alice.StateOf(testKey()))
}

func TestManager_SameUserTransfer(t *testing.T) {
	fake := &fakeLockServer{ttl: time.Minute}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	tab1 := newTestManager(t, "alice", "tab-1", srv)
	tab2 := newTestManager(t, "alice", "tab-2", srv)

	_, err := tab1.Acquire(context.Background(), testKey())
	require.NoError(t, err)

	// The server hands the lock over within the same user.
	_, err = tab2.Acquire(context.Background(), testKey())
	require.NoError(t, err)
	require.Equal(t, StateGranted, tab2.StateOf(testKey()))

	// Tab 1 learns about the takeover via a pushed lock_changed.
	tab1.ApplyServerState(testKey(), StateTransferring, &protocol.LockHolder{
		UserID: "alice", TabID: "tab-2",
	})
	ev := waitForEvent(t, tab1, ReasonTransferred)
	require.Equal(t, StateTransferring, ev.State)
	require.Equal(t, StateTransferring, tab1.StateOf(testKey()))
}

func TestManager_CheckStateMapping(t *testing.T) {
	m := NewManager(ManagerConfig{
		ClientConfig: ClientConfig{UserID: "alice", TabID: "tab-1"},
	})

	cases := []struct {
		name string
		resp StateResponse
		want State
	}{
		{"processing", StateResponse{Processing: true, Locked: true}, StateServerProcessing},
		{"unlocked", StateResponse{}, StateReleased},
		{"own lock", StateResponse{Locked: true, Holder: &protocol.LockHolder{UserID: "alice", TabID: "tab-1"}}, StateGranted},
		{"own user other tab", StateResponse{Locked: true, Holder: &protocol.LockHolder{UserID: "alice", TabID: "tab-9"}}, StateTransferring},
		{"other user", StateResponse{Locked: true, Holder: &protocol.LockHolder{UserID: "bob", TabID: "tab-2"}}, StateDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, m.mapServerState(&tc.resp))
		})
	}
}

func TestManager_ExpiryMonitor(t *testing.T) {
	fake := &fakeLockServer{ttl: 80 * time.Millisecond}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	m := newTestManager(t, "alice", "tab-1", srv)

	_, err := m.Acquire(context.Background(), testKey())
	require.NoError(t, err)

	waitForEvent(t, m, ReasonExpiringSoon)
	waitForEvent(t, m, ReasonExpired)
	require.Equal(t, StateExpired, m.StateOf(testKey()))

	// Server-side expiry freed the lock, so a fresh acquire succeeds.
	_, err = m.Acquire(context.Background(), testKey())
	require.NoError(t, err)
	require.Equal(t, StateGranted, m.StateOf(testKey()))
}

func TestManager_ServerPushBeatsLocalExpiry(t *testing.T) {
	fake := &fakeLockServer{ttl: 50 * time.Millisecond}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	m := newTestManager(t, "alice", "tab-1", srv)
	_, err := m.Acquire(context.Background(), testKey())
	require.NoError(t, err)

	// The push lands before the local monitor fires; the monitor must then
	// stay quiet instead of double-reporting.
	m.ApplyServerState(testKey(), StateReleased, nil)
	require.Equal(t, StateReleased, m.StateOf(testKey()))

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StateReleased, m.StateOf(testKey()))
	for {
		select {
		case ev := <-m.Events():
			require.NotEqual(t, ReasonExpired, ev.Reason)
		default:
			return
		}
	}
}

func TestManager_ReleaseAll(t *testing.T) {
	fake := &fakeLockServer{ttl: time.Minute}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	m := newTestManager(t, "alice", "tab-1", srv)
	_, err := m.Acquire(context.Background(), testKey())
	require.NoError(t, err)

	m.ReleaseAll(context.Background())
	require.Equal(t, StateReleased, m.StateOf(testKey()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Nil(t, fake.holder)
}

func TestManager_ReleaseNotHeldIsSuccess(t *testing.T) {
	fake := &fakeLockServer{ttl: time.Minute}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	m := newTestManager(t, "alice", "tab-1", srv)
	require.NoError(t, m.Release(context.Background(), testKey()))
}
