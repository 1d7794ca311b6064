package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/metrics"
)

// Transport delivers outbound events to a single connection. Implementations
// should not block for long; a returned error is logged and otherwise ignored.
type Transport interface {
	PresenceChanged(connID string, snap Snapshot) error
	MessageRouted(connID string, msg Message) error
}

// Persistence is the durable message log. Both calls are best-effort.
type Persistence interface {
	LogMessage(ctx context.Context, msg Message) error
	PurgeAll(ctx context.Context) error
}

// Mirror is a write-behind copy of identities and block edges keyed by
// display name. The engine only writes to it; it is never consulted while
// routing.
type Mirror interface {
	SaveIdentity(ctx context.Context, id Identity) error
	SaveBlock(ctx context.Context, blocker, target Identity, blocked bool) error
	RemoveConnection(ctx context.Context, connID string) error
	Purge(ctx context.Context) error
}

// Config holds engine policy.
type Config struct {
	// EphemeralRetention purges the message log, the identity mirror and the
	// block graph when the last identified connection leaves.
	EphemeralRetention bool

	// PersistTimeout bounds each persistence and mirror call.
	PersistTimeout time.Duration
}

// DefaultConfig keeps the "ephemeral room" behaviour enabled.
func DefaultConfig() Config {
	return Config{
		EphemeralRetention: true,
		PersistTimeout:     5 * time.Second,
	}
}

// Engine owns the identity registry, the block graph and the lifecycle state
// of every live connection. One RWMutex guards all three, so every routing
// decision and every snapshot sees a single consistent view.
type Engine struct {
	config    Config
	transport Transport
	persist   Persistence
	mirror    Mirror

	mu       sync.RWMutex
	states   map[string]State // live connections only
	registry *Registry
	blocks   *BlockGraph
	version  uint64

	delivery *outbox // transport work, in mutation order
	storage  *outbox // persistence and mirror work

	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine. persist and mirror may be nil.
func NewEngine(config Config, transport Transport, persist Persistence, mirror Mirror) *Engine {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Engine{
		config:    config,
		transport: transport,
		persist:   persist,
		mirror:    mirror,
		states:    make(map[string]State),
		registry:  NewRegistry(),
		blocks:    NewBlockGraph(),
		delivery:  newOutbox("delivery"),
		storage:   newOutbox("storage"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// OnConnect registers a pending connection. The new connection is sent the
// current presence snapshot so it can render who is online before anyone
// else changes the registry. A repeated connect for the same ID is a no-op.
func (e *Engine) OnConnect(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[connID]; ok {
		return
	}
	e.states[connID] = StateConnected
	e.queuePresence(e.snapshotLocked(), []string{connID})
	e.updateGauges()
}

// OnAnnounce binds an identity to connID, replacing any earlier announce, and
// broadcasts the new presence snapshot to every live connection.
func (e *Engine) OnAnnounce(connID, name, color string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[connID]; !ok {
		return fmt.Errorf("%w: announce from %s", ErrUnknownConnection, connID)
	}

	id := Identity{ConnID: connID, Name: name, Color: color}
	e.registry.Announce(id)
	e.states[connID] = StateIdentified
	e.version++
	e.queuePresence(e.snapshotLocked(), e.liveLocked())
	e.queueMirror("save identity", func(ctx context.Context, m Mirror) error {
		return m.SaveIdentity(ctx, id)
	})
	e.updateGauges()
	return nil
}

// OnSend routes a message from connID. It is the inbound form of Route.
func (e *Engine) OnSend(connID, body string, target Target) ([]string, error) {
	return e.Route(connID, body, target)
}

// Route resolves the exact set of connections that receive body from
// senderID and queues delivery to each of them. A broadcast includes the
// sender itself; recipients that block the sender are skipped; a direct
// target that is not registered yields an empty set. The message is logged
// to persistence whatever the delivery outcome.
func (e *Engine) Route(senderID, body string, target Target) ([]string, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	sender, ok := e.registry.Resolve(senderID)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrUnidentifiedSender
	}

	var candidates []string
	if target.IsBroadcast() {
		for _, id := range e.registry.order {
			candidates = append(candidates, id.ConnID)
		}
	} else if _, ok := e.registry.Resolve(string(target)); ok {
		candidates = []string{string(target)}
	}

	recipients := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if e.blocks.IsBlocked(id, senderID) {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			continue
		}
		recipients = append(recipients, id)
	}
	if len(candidates) == 0 {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
	}

	msg := Message{
		ID:     e.newID(),
		Sender: sender,
		Body:   body,
		Target: target,
		SentAt: e.now(),
	}
	e.queueMessages(msg, recipients)
	e.queuePersist("log message", func(ctx context.Context, p Persistence) error {
		return p.LogMessage(ctx, msg)
	})

	metrics.MessagesTotal.WithLabelValues("delivered").Add(float64(len(recipients)))
	metrics.RouteLatency.Observe(time.Since(start).Seconds())
	return recipients, nil
}

// OnBlock adds targetID to the block set of connID.
func (e *Engine) OnBlock(connID, targetID string) error {
	return e.setBlocked(connID, targetID, true)
}

// OnUnblock removes targetID from the block set of connID.
func (e *Engine) OnUnblock(connID, targetID string) error {
	return e.setBlocked(connID, targetID, false)
}

func (e *Engine) setBlocked(connID, targetID string, blocked bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocker, ok := e.registry.Resolve(connID)
	if !ok {
		return ErrUnidentifiedSender
	}
	if blocked {
		e.blocks.Block(connID, targetID)
	} else {
		e.blocks.Unblock(connID, targetID)
	}

	target, ok := e.registry.Resolve(targetID)
	if !ok {
		target = Identity{ConnID: targetID}
	}
	e.queueMirror("save block", func(ctx context.Context, m Mirror) error {
		return m.SaveBlock(ctx, blocker, target, blocked)
	})
	return nil
}

// BlockList returns the connection IDs that connID currently blocks.
func (e *Engine) BlockList(connID string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.registry.Resolve(connID); !ok {
		return nil, ErrUnidentifiedSender
	}
	return e.blocks.Blocked(connID), nil
}

// OnDisconnect tears down connID. The identity is removed, the connection's
// own block set is forgotten and, if an identity was removed, the new
// snapshot is broadcast. When that leaves the registry empty and
// EphemeralRetention is on, every durable record is purged. Disconnecting an
// unknown connection is a no-op.
func (e *Engine) OnDisconnect(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[connID]; !ok {
		return
	}
	delete(e.states, connID)
	e.blocks.Forget(connID)
	removed := e.registry.Remove(connID)

	e.queueMirror("remove connection", func(ctx context.Context, m Mirror) error {
		return m.RemoveConnection(ctx, connID)
	})

	if removed {
		e.version++
		e.queuePresence(e.snapshotLocked(), e.liveLocked())
		if e.registry.Len() == 0 && e.config.EphemeralRetention {
			e.resetLocked()
		}
	}
	e.updateGauges()
}

// resetLocked implements the ephemeral room policy. Caller holds e.mu.
func (e *Engine) resetLocked() {
	log.Printf("relay: registry empty, purging durable state")
	e.blocks.Reset()
	metrics.PurgesTotal.Inc()
	e.queuePersist("purge", func(ctx context.Context, p Persistence) error {
		return p.PurgeAll(ctx)
	})
	e.queueMirror("purge", func(ctx context.Context, m Mirror) error {
		return m.Purge(ctx)
	})
}

// Snapshot returns the current presence snapshot.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// Resolve returns the identity announced on connID.
func (e *Engine) Resolve(connID string) (Identity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.Resolve(connID)
}

// State returns the lifecycle state of connID. Unknown connections report
// StateDisconnected.
func (e *Engine) State(connID string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[connID]
	if !ok {
		return StateDisconnected
	}
	return s
}

// Connections returns the number of live connections.
func (e *Engine) Connections() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}

// Close waits for queued deliveries and persistence writes to finish. Events
// arriving afterwards still mutate state but their outbound work is dropped.
func (e *Engine) Close() {
	e.delivery.Close()
	e.storage.Close()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{Version: e.version, Identities: e.registry.Snapshot()}
}

func (e *Engine) liveLocked() []string {
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) isLive(connID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.states[connID]
	return ok
}

func (e *Engine) updateGauges() {
	metrics.Connections.Set(float64(len(e.states)))
	metrics.Identities.Set(float64(e.registry.Len()))
}

// queuePresence fans snap out to recipients. A failure for one recipient
// does not stop delivery to the others.
func (e *Engine) queuePresence(snap Snapshot, recipients []string) {
	if e.transport == nil {
		return
	}
	metrics.PresenceBroadcasts.Inc()
	e.delivery.Push(func() {
		for _, id := range recipients {
			if !e.isLive(id) {
				continue
			}
			if err := e.transport.PresenceChanged(id, snap); err != nil {
				log.Printf("relay: presence to %s failed: %v", id, err)
			}
		}
	})
}

func (e *Engine) queueMessages(msg Message, recipients []string) {
	if e.transport == nil || len(recipients) == 0 {
		return
	}
	e.delivery.Push(func() {
		for _, id := range recipients {
			// The recipient may have disconnected after the decision.
			if !e.isLive(id) {
				continue
			}
			if err := e.transport.MessageRouted(id, msg); err != nil {
				log.Printf("relay: deliver %s to %s failed: %v", msg.ID, id, err)
			}
		}
	})
}

func (e *Engine) queuePersist(op string, fn func(ctx context.Context, p Persistence) error) {
	if e.persist == nil {
		return
	}
	p := e.persist
	e.storage.Push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
		defer cancel()
		if err := fn(ctx, p); err != nil {
			log.Printf("relay: %s: %v", op, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err))
		}
	})
}

func (e *Engine) queueMirror(op string, fn func(ctx context.Context, m Mirror) error) {
	if e.mirror == nil {
		return
	}
	m := e.mirror
	e.storage.Push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
		defer cancel()
		if err := fn(ctx, m); err != nil {
			log.Printf("relay: mirror %s: %v", op, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err))
		}
	})
}
