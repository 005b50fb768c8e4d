package lock

import (
	"fmt"
	"time"

	"github.com/clipnote/capsync/protocol"
)

// State is the lifecycle state of an exclusive edit lock for one key.
type State string

const (
	StateChecking         State = "checking"
	StateAcquiring        State = "acquiring"
	StateGranted          State = "granted"
	StateDenied           State = "denied"
	StateTransferring     State = "transferring"
	StateReleased         State = "released"
	StateExpired          State = "expired"
	StateServerProcessing State = "server_processing"
)

// Key identifies one lockable (entity, database) pair.
type Key struct {
	Entity   string
	Database string
}

func (k Key) String() string {
	return k.Entity + "/" + k.Database
}

// Reason tags why an Event was emitted.
type Reason string

const (
	ReasonAcquired     Reason = "acquired"
	ReasonReleased     Reason = "released"
	ReasonExpiringSoon Reason = "expiring_soon"
	ReasonExpired      Reason = "expired"
	ReasonTransferred  Reason = "transferred"
	ReasonRevoked      Reason = "revoked"
)

// Event is a lock state notification delivered on the manager's channel.
type Event struct {
	Key       Key
	State     State
	Reason    Reason
	Holder    *protocol.LockHolder
	ExpiresAt time.Time
}

// Grant is the server's confirmation of a successful acquire.
type Grant struct {
	ExpiresAt time.Time
	SyncURL   string
}

// DeniedError reports that another user holds the lock.
type DeniedError struct {
	Holder protocol.LockHolder
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("lock held by user %s (tab %s)", e.Holder.UserID, e.Holder.TabID)
}

// TransferredError reports that the same user took the lock from another tab.
type TransferredError struct {
	NewTabID string
}

func (e *TransferredError) Error() string {
	return fmt.Sprintf("session transferred to tab %s", e.NewTabID)
}

// ExpiredError reports a lock that passed its expiry while still held locally.
type ExpiredError struct {
	Key Key
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("lock expired for %s", e.Key)
}
