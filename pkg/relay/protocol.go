// Package relay implements the session relay: the server-side registry
// of shared story documents and their participants, and the client that
// mirrors live edits to and from it.
//
// The protocol is a small closed set of messages exchanged over a
// WebSocket, CBOR-encoded by default. One canonical in-memory copy of
// each shared document lives on the relay; participants hold their own
// local copies plus the right to propose transactions. There is no
// conflict resolution: transactions are applied in server receipt order.
package relay

import (
	"github.com/storycraft/storysync/pkg/ident"
	"github.com/storycraft/storysync/pkg/story"
)

// MsgType discriminates protocol messages.
type MsgType string

const (
	// MsgIdentify binds a durable client identity to the current
	// connection. With an empty identity the server mints one.
	MsgIdentify MsgType = "identify"
	// MsgIdentified confirms the bound identity back to the client.
	MsgIdentified MsgType = "identified"
	// MsgListSessions carries the current session list: id and display
	// name only, never document content. The server pushes it on every
	// new connection and rebroadcasts it when a session appears or is
	// discarded.
	MsgListSessions MsgType = "list_sessions"
	// MsgStartSession creates a session from a document snapshot; the
	// requester becomes host and sole participant.
	MsgStartSession MsgType = "start_session"
	// MsgSessionStarted confirms session creation to the host.
	MsgSessionStarted MsgType = "session_started"
	// MsgJoinSession asks to join an existing session.
	MsgJoinSession MsgType = "join_session"
	// MsgSessionJoined confirms a join and carries the full current
	// document.
	MsgSessionJoined MsgType = "session_joined"
	// MsgTransaction proposes a transaction (client to server) or
	// relays one (server to the other participants).
	MsgTransaction MsgType = "transaction"
	// MsgForwardToHost relays an opaque payload verbatim to the
	// session's host, without touching the canonical document.
	MsgForwardToHost MsgType = "forward_to_host"
	// MsgPresence carries ephemeral participant pose; it is relayed to
	// session peers and never stored. An empty presence signals
	// departure.
	MsgPresence MsgType = "presence"
	// MsgError reports a session-level failure to the requester only.
	MsgError MsgType = "error"
)

// SessionInfo is one entry of the session list.
type SessionInfo struct {
	ID   string `cbor:"id" json:"id"`
	Name string `cbor:"name,omitempty" json:"name,omitempty"`
}

// Presence is the ephemeral per-participant pose relayed to session
// peers. The zero value doubles as the departure signal the server
// synthesizes when a participant disconnects.
type Presence struct {
	Position    story.Vec3 `cbor:"position" json:"position"`
	Orientation story.Vec4 `cbor:"orientation" json:"orientation"`
	HeldID      ident.ID   `cbor:"heldId,omitempty" json:"heldId,omitempty"`
}

// IsZero reports whether p is the departure signal.
func (p Presence) IsZero() bool {
	return p == Presence{}
}

// Message is the single wire envelope. Only the fields relevant to Type
// are populated; Document carries a serialized story document (the
// story.Serialize JSON form) where a snapshot travels.
type Message struct {
	Type MsgType `cbor:"type" json:"type"`

	Identity ident.Identity `cbor:"identity,omitempty" json:"identity,omitempty"`
	From     ident.Identity `cbor:"from,omitempty" json:"from,omitempty"`

	SessionID string        `cbor:"sessionId,omitempty" json:"sessionId,omitempty"`
	Name      string        `cbor:"name,omitempty" json:"name,omitempty"`
	Sessions  []SessionInfo `cbor:"sessions,omitempty" json:"sessions,omitempty"`

	Document    []byte            `cbor:"document,omitempty" json:"document,omitempty"`
	Transaction story.Transaction `cbor:"transaction,omitempty" json:"transaction,omitempty"`
	Payload     []byte            `cbor:"payload,omitempty" json:"payload,omitempty"`
	Presence    *Presence         `cbor:"presence,omitempty" json:"presence,omitempty"`

	Error string `cbor:"error,omitempty" json:"error,omitempty"`
}
