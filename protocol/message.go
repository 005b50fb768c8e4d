package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators as they appear on the wire.
const (
	TypeSync               = "sync"
	TypeAck                = "ack"
	TypeServerUpdate       = "server_update"
	TypeLockChanged        = "lock_changed"
	TypeSessionTransferred = "session_transferred"
	TypeError              = "error"
)

// SyncMessage is the outbound envelope: a batched set of local changes plus
// the sender's database version at batch time. Checksum covers Changes in
// order (see BatchChecksum).
type SyncMessage struct {
	Type      string         `json:"type"`
	MessageID uint64         `json:"messageId"`
	Changes   []ChangeRecord `json:"changes"`
	Version   int64          `json:"version"`
	Checksum  uint64         `json:"checksum"`
}

// NewSyncMessage builds an outbound envelope with its checksum filled in.
func NewSyncMessage(messageID uint64, changes []ChangeRecord, version int64) *SyncMessage {
	return &SyncMessage{
		Type:      TypeSync,
		MessageID: messageID,
		Changes:   changes,
		Version:   version,
		Checksum:  BatchChecksum(changes),
	}
}

// Encode serializes the envelope to a JSON text frame.
func (m *SyncMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// LockHolder describes who holds a lock, as reported by the server.
type LockHolder struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	TabID    string `json:"tabId"`
}

// ServerMessage is the inbound tagged union. Exactly one concrete type per
// wire discriminator; dispatchers switch exhaustively over these.
type ServerMessage interface {
	messageKind() string
}

// Ack confirms receipt of a sync message and carries the server's version
// after merging it.
type Ack struct {
	MessageID uint64 `json:"messageId"`
	Version   int64  `json:"version"`
}

// ServerUpdate delivers changes originated by other sites.
type ServerUpdate struct {
	Changes  []ChangeRecord `json:"changes"`
	Version  int64          `json:"version"`
	Checksum uint64         `json:"checksum"`
}

// LockChanged announces a server-side lock state transition.
type LockChanged struct {
	State  string      `json:"state"`
	Holder *LockHolder `json:"holder,omitempty"`
}

// SessionTransferred tells this tab that the editing session moved to
// another tab of the same user.
type SessionTransferred struct {
	NewTabID string `json:"newTabId"`
}

// ServerError is a structured error pushed by the server. It does not by
// itself close the connection.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Ack) messageKind() string                { return TypeAck }
func (ServerUpdate) messageKind() string       { return TypeServerUpdate }
func (LockChanged) messageKind() string        { return TypeLockChanged }
func (SessionTransferred) messageKind() string { return TypeSessionTransferred }
func (ServerError) messageKind() string        { return TypeError }

func (e *ServerError) Error() string {
	return fmt.Sprintf("sync server error %s: %s", e.Code, e.Message)
}

// UnknownMessageError reports an unrecognized wire discriminator. Callers
// log and ignore these rather than failing the connection, so a newer server
// can speak to an older client.
type UnknownMessageError struct {
	Kind string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown server message type %q", e.Kind)
}

type rawEnvelope struct {
	Type string `json:"type"`
}

// DecodeServerMessage parses one inbound JSON text frame into a pointer to
// its concrete message type. Dispatchers switch on the pointer types.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed server frame: %w", err)
	}

	switch env.Type {
	case TypeAck:
		var m Ack
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed ack: %w", err)
		}
		return &m, nil
	case TypeServerUpdate:
		var m ServerUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed server_update: %w", err)
		}
		if m.Checksum != 0 && m.Checksum != BatchChecksum(m.Changes) {
			return nil, fmt.Errorf("server_update checksum mismatch")
		}
		return &m, nil
	case TypeLockChanged:
		var m LockChanged
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed lock_changed: %w", err)
		}
		return &m, nil
	case TypeSessionTransferred:
		var m SessionTransferred
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed session_transferred: %w", err)
		}
		return &m, nil
	case TypeError:
		var m ServerError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return &m, nil
	default:
		return nil, &UnknownMessageError{Kind: env.Type}
	}
}

// EncodeServerMessage serializes an inbound-direction message the way the
// server emits it: payload fields flattened next to the type discriminator.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case ServerUpdate:
		if v.Checksum == 0 {
			v.Checksum = BatchChecksum(v.Changes)
			m = v
		}
	case *ServerUpdate:
		if v.Checksum == 0 {
			filled := *v
			filled.Checksum = BatchChecksum(filled.Changes)
			m = &filled
		}
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var frame map[string]json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("unencodable server message %T: %w", m, err)
	}
	kind, err := json.Marshal(m.messageKind())
	if err != nil {
		return nil, err
	}
	frame["type"] = kind

	return json.Marshal(frame)
}
