// Package relay is the presence-and-routing engine of the chat relay. It
// tracks which connections are live and which of them have announced an
// identity, resolves the recipients of broadcast and direct messages, and
// enforces per-recipient block lists. All shared state sits behind a single
// Engine lock; outbound work is handed to the transport and persistence
// collaborators through ordered outboxes.
package relay

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by Engine operations.
var (
	// ErrUnidentifiedSender is returned for send/block/unblock events from a
	// connection that has not announced an identity yet.
	ErrUnidentifiedSender = errors.New("relay: sender has not announced an identity")

	// ErrUnknownConnection is returned when an announce arrives for a
	// connection that never connected or has already disconnected.
	ErrUnknownConnection = errors.New("relay: unknown connection")

	// ErrPersistenceUnavailable wraps failures of the persistence and mirror
	// collaborators. It only ever appears in log lines.
	ErrPersistenceUnavailable = errors.New("relay: persistence unavailable")
)

// Target selects the recipients of a message: Everyone, or the connection ID
// of a single recipient.
type Target string

// Everyone is the broadcast target selector.
const Everyone Target = "everyone"

// ParseTarget maps a client-supplied recipient field onto a Target. An empty
// value and the legacy "all" both mean broadcast.
func ParseTarget(s string) Target {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "all", string(Everyone):
		return Everyone
	}
	return Target(s)
}

// IsBroadcast reports whether t addresses every registered connection.
func (t Target) IsBroadcast() bool {
	return t == Everyone
}

// Identity is the display metadata bound to a live connection after announce.
type Identity struct {
	ConnID string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Message is a routed message as reported to the transport and persistence
// collaborators. Body is opaque and may carry an image data URL.
type Message struct {
	ID     string    `json:"id"`
	Sender Identity  `json:"sender"`
	Body   string    `json:"body"`
	Target Target    `json:"target"`
	SentAt time.Time `json:"sent_at"`
}

// Snapshot is the presence list pushed to every connection. Version grows by
// one with every registry mutation, so a client can drop stale snapshots.
type Snapshot struct {
	Version    uint64     `json:"version"`
	Identities []Identity `json:"identities"`
}

// State is the lifecycle state of a connection.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}
