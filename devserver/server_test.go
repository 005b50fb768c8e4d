package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipnote/capsync/hlc"
	"github.com/clipnote/capsync/id"
	"github.com/clipnote/capsync/lock"
	"github.com/clipnote/capsync/protocol"
	"github.com/clipnote/capsync/transport"
)

const captionDDL = `
CREATE TABLE captions (
	id   INTEGER PRIMARY KEY,
	text TEXT
);
`

func newTestServer(t *testing.T, secret []byte) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{
		DataDir:   t.TempDir(),
		LockTTL:   time.Minute,
		JWTSecret: secret,
		Databases: map[string]DatabaseSpec{
			"captions": {Bootstrap: captionDDL, TrackedTables: []string{"captions"}},
		},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, srv
}

func lockClient(srv *httptest.Server, userID, tabID, token string) *lock.Client {
	return lock.NewClient(lock.ClientConfig{
		BaseURL:        srv.URL,
		AuthToken:      token,
		UserID:         userID,
		TabID:          tabID,
		RequestTimeout: 2 * time.Second,
	})
}

func syncManager(srv *httptest.Server, tabID, token string, siteID uint64) *transport.Manager {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sync/video-1/captions"
	return transport.NewManager(transport.Config{
		URL:               wsURL,
		TabID:             tabID,
		AuthToken:         token,
		ConnectTimeout:    2 * time.Second,
		Debounce:          10 * time.Millisecond,
		HeartbeatInterval: time.Second,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		IDs:               id.NewHLCGenerator(hlc.NewClock(siteID)),
	})
}

func testChanges() []protocol.ChangeRecord {
	return []protocol.ChangeRecord{{
		Table:           "captions",
		PrimaryKey:      mustPK(1),
		ColumnID:        "text",
		Value:           mustValue("hello"),
		ColumnVersion:   1,
		DatabaseVersion: 1,
		SiteID:          "site-a",
		CausalLength:    1,
	}}
}

func TestServer_LockExclusivity(t *testing.T) {
	_, srv := newTestServer(t, nil)
	key := lock.Key{Entity: "video-1", Database: "captions"}

	alice := lockClient(srv, "alice", "tab-1", "")
	bob := lockClient(srv, "bob", "tab-2", "")

	_, err := alice.Acquire(context.Background(), key)
	require.NoError(t, err)

	_, err = bob.Acquire(context.Background(), key)
	var denied *lock.DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "alice", denied.Holder.UserID)

	state, err := bob.CheckState(context.Background(), key)
	require.NoError(t, err)
	require.True(t, state.Locked)
	require.Equal(t, "tab-1", state.Holder.TabID)
}

func TestServer_SameUserTransferPushesOutOldTab(t *testing.T) {
	_, srv := newTestServer(t, nil)
	key := lock.Key{Entity: "video-1", Database: "captions"}

	// Tab 1 holds the lock and listens on the sync socket.
	tab1 := syncManager(srv, "tab-1", "", 1)
	defer tab1.Disconnect()
	transferred := make(chan string, 1)
	tab1.SetHandlers(transport.Handlers{
		OnSessionTransferred: func(newTabID string) { transferred <- newTabID },
	})
	require.NoError(t, tab1.Connect(context.Background()))

	_, err := lockClient(srv, "alice", "tab-1", "").Acquire(context.Background(), key)
	require.NoError(t, err)

	// Same user acquires from tab 2; tab 1 must be pushed out.
	_, err = lockClient(srv, "alice", "tab-2", "").Acquire(context.Background(), key)
	require.NoError(t, err)

	select {
	case newTab := <-transferred:
		require.Equal(t, "tab-2", newTab)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session transfer push")
	}
}

func TestServer_LockExpiryFreesTheLock(t *testing.T) {
	s := New(Config{
		DataDir: t.TempDir(),
		LockTTL: 30 * time.Millisecond,
		Databases: map[string]DatabaseSpec{
			"captions": {Bootstrap: captionDDL, TrackedTables: []string{"captions"}},
		},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	key := lock.Key{Entity: "video-1", Database: "captions"}
	alice := lockClient(srv, "alice", "tab-1", "")
	bob := lockClient(srv, "bob", "tab-2", "")

	_, err := alice.Acquire(context.Background(), key)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// The expired lock no longer blocks anyone.
	_, err = bob.Acquire(context.Background(), key)
	require.NoError(t, err)
}

func TestServer_SyncAckAndRelay(t *testing.T) {
	_, srv := newTestServer(t, nil)

	key := lock.Key{Entity: "video-1", Database: "captions"}
	_, err := lockClient(srv, "alice", "tab-1", "").Acquire(context.Background(), key)
	require.NoError(t, err)

	sender := syncManager(srv, "tab-1", "", 1)
	defer sender.Disconnect()
	receiver := syncManager(srv, "tab-2", "", 2)
	defer receiver.Disconnect()

	relayed := make(chan []protocol.ChangeRecord, 1)
	receiver.SetHandlers(transport.Handlers{
		OnServerUpdate: func(changes []protocol.ChangeRecord, version int64) {
			relayed <- changes
		},
	})

	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))

	sender.EnqueueChanges(testChanges())

	select {
	case changes := <-relayed:
		require.Len(t, changes, 1)
		require.Equal(t, "text", changes[0].ColumnID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed update")
	}

	// The ack advanced the sender's tracked version past zero.
	require.Eventually(t, func() bool { return sender.Version() > 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_SyncRequiresEditLock(t *testing.T) {
	_, srv := newTestServer(t, nil)

	key := lock.Key{Entity: "video-1", Database: "captions"}
	_, err := lockClient(srv, "alice", "tab-1", "").Acquire(context.Background(), key)
	require.NoError(t, err)

	// Tab 2 never acquired the lock; its changes must be rejected unapplied.
	intruder := syncManager(srv, "tab-2", "", 2)
	defer intruder.Disconnect()
	holder := syncManager(srv, "tab-1", "", 1)
	defer holder.Disconnect()

	rejected := make(chan *protocol.ServerError, 1)
	intruder.SetHandlers(transport.Handlers{
		OnSyncError: func(serverErr *protocol.ServerError) { rejected <- serverErr },
	})
	relayed := make(chan []protocol.ChangeRecord, 1)
	holder.SetHandlers(transport.Handlers{
		OnServerUpdate: func(changes []protocol.ChangeRecord, version int64) { relayed <- changes },
	})

	require.NoError(t, intruder.Connect(context.Background()))
	require.NoError(t, holder.Connect(context.Background()))

	intruder.EnqueueChanges(testChanges())

	select {
	case serverErr := <-rejected:
		require.Equal(t, "lock_required", serverErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync rejection")
	}
	select {
	case <-relayed:
		t.Fatal("locked-out tab's changes were relayed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_RejectsBadBearer(t *testing.T) {
	s, srv := newTestServer(t, []byte("test-secret"))

	key := lock.Key{Entity: "video-1", Database: "captions"}
	_, err := lockClient(srv, "alice", "tab-1", "not-a-token").Acquire(context.Background(), key)
	require.ErrorIs(t, err, lock.ErrAuthRequired)

	token, err := s.IssueToken("alice")
	require.NoError(t, err)
	_, err = lockClient(srv, "alice", "tab-1", token).Acquire(context.Background(), key)
	require.NoError(t, err)
}

func TestServer_UnknownDatabase(t *testing.T) {
	_, srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/sync/video-1/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
