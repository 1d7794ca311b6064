package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
)

// recorder is an in-memory Transport.
type recorder struct {
	mu       sync.Mutex
	presence map[string][]Snapshot
	messages map[string][]Message
	failFor  map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		presence: make(map[string][]Snapshot),
		messages: make(map[string][]Message),
		failFor:  make(map[string]bool),
	}
}

func (r *recorder) PresenceChanged(connID string, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[connID] {
		return fmt.Errorf("write to %s failed", connID)
	}
	r.presence[connID] = append(r.presence[connID], snap)
	return nil
}

func (r *recorder) MessageRouted(connID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[connID] {
		return fmt.Errorf("write to %s failed", connID)
	}
	r.messages[connID] = append(r.messages[connID], msg)
	return nil
}

func (r *recorder) received(connID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages[connID]...)
}

func (r *recorder) snapshots(connID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.presence[connID]...)
}

// memStore is an in-memory Persistence and Mirror.
type memStore struct {
	mu       sync.Mutex
	logged   []Message
	purges   int
	idents   []Identity
	blocks   []string
	removed  []string
	mirrorPs int
	err      error
}

func (s *memStore) LogMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logged = append(s.logged, msg)
	return nil
}

func (s *memStore) PurgeAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	return s.err
}

func (s *memStore) SaveIdentity(_ context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idents = append(s.idents, id)
	return s.err
}

func (s *memStore) SaveBlock(_ context.Context, blocker, target Identity, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, fmt.Sprintf("%s->%s:%v", blocker.Name, target.Name, blocked))
	return s.err
}

func (s *memStore) RemoveConnection(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, connID)
	return s.err
}

func (s *memStore) Purge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrorPs++
	return s.err
}

func newTestEngine(t *testing.T) (*Engine, *recorder, *memStore) {
	t.Helper()
	rec := newRecorder()
	store := &memStore{}
	e := NewEngine(DefaultConfig(), rec, store, store)
	t.Cleanup(e.Close)
	return e, rec, store
}

func connectAndAnnounce(t *testing.T, e *Engine, connID, name, color string) {
	t.Helper()
	e.OnConnect(connID)
	if err := e.OnAnnounce(connID, name, color); err != nil {
		t.Fatalf("OnAnnounce(%s): %v", connID, err)
	}
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func assertRecipients(t *testing.T, got []string, want ...string) {
	t.Helper()
	g, w := sorted(got), sorted(want)
	if len(g) != len(w) {
		t.Fatalf("recipients = %v, want %v", g, w)
	}
	for i := range w {
		if g[i] != w[i] {
			t.Fatalf("recipients = %v, want %v", g, w)
		}
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"", Everyone},
		{"all", Everyone},
		{"ALL", Everyone},
		{"everyone", Everyone},
		{"  ", Everyone},
		{"conn-1", Target("conn-1")},
	}
	for _, tt := range tests {
		if got := ParseTarget(tt.in); got != tt.want {
			t.Errorf("ParseTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPresenceConsistency(t *testing.T) {
	e, _, _ := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))

	ids := []string{"c0", "c1", "c2", "c3", "c4", "c5"}
	announced := make(map[string]bool)
	connected := make(map[string]bool)

	for step := 0; step < 500; step++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			e.OnConnect(id)
			connected[id] = true
		case 1:
			err := e.OnAnnounce(id, "user-"+id, "red")
			if connected[id] {
				if err != nil {
					t.Fatalf("step %d: announce %s: %v", step, id, err)
				}
				announced[id] = true
			} else if !errors.Is(err, ErrUnknownConnection) {
				t.Fatalf("step %d: expected ErrUnknownConnection, got %v", step, err)
			}
		case 2:
			e.OnDisconnect(id)
			delete(connected, id)
			delete(announced, id)
		}

		snap := e.Snapshot()
		if len(snap.Identities) != len(announced) {
			t.Fatalf("step %d: snapshot has %d identities, model has %d", step, len(snap.Identities), len(announced))
		}
		for _, ident := range snap.Identities {
			if !announced[ident.ConnID] {
				t.Fatalf("step %d: snapshot contains %s which is not announced", step, ident.ConnID)
			}
		}
	}
}

func TestBroadcastBlocking(t *testing.T) {
	e, _, _ := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")
	connectAndAnnounce(t, e, "c", "carol", "green")

	if err := e.OnBlock("b", "a"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}

	got, err := e.OnSend("a", "hello", Everyone)
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got, "a", "c")
}

func TestBlockDoesNotConstrainBlockerSending(t *testing.T) {
	e, _, _ := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	if err := e.OnBlock("b", "a"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}

	got, err := e.OnSend("b", "still talking", Target("a"))
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got, "a")
}

func TestDirectBlocking(t *testing.T) {
	e, _, _ := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	if err := e.OnBlock("b", "a"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}

	got, err := e.OnSend("a", "psst", Target("b"))
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got)
}

func TestUnblockReversibility(t *testing.T) {
	e, _, _ := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	if err := e.OnBlock("b", "a"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}
	if err := e.OnUnblock("b", "a"); err != nil {
		t.Fatalf("OnUnblock: %v", err)
	}

	got, err := e.OnSend("a", "psst", Target("b"))
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got, "b")

	list, err := e.BlockList("b")
	if err != nil {
		t.Fatalf("BlockList: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty block list, got %v", list)
	}
}

func TestVanishedRecipient(t *testing.T) {
	e, _, store := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")

	got, err := e.OnSend("a", "anyone there?", Target("ghost"))
	if err != nil {
		t.Fatalf("expected no error for unknown recipient, got %v", err)
	}
	assertRecipients(t, got)

	// Connected but not announced is not addressable either.
	e.OnConnect("pending")
	got, err = e.OnSend("a", "hi", Target("pending"))
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got)

	e.Close()
	if len(store.logged) != 2 {
		t.Errorf("dropped messages should still be logged, got %d", len(store.logged))
	}
}

func TestUnidentifiedSenderRejection(t *testing.T) {
	e, rec, store := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	e.OnConnect("anon")

	got, err := e.OnSend("anon", "hello", Everyone)
	if !errors.Is(err, ErrUnidentifiedSender) {
		t.Fatalf("expected ErrUnidentifiedSender, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected zero recipients, got %v", got)
	}

	if err := e.OnBlock("anon", "a"); !errors.Is(err, ErrUnidentifiedSender) {
		t.Errorf("OnBlock: expected ErrUnidentifiedSender, got %v", err)
	}
	if err := e.OnUnblock("anon", "a"); !errors.Is(err, ErrUnidentifiedSender) {
		t.Errorf("OnUnblock: expected ErrUnidentifiedSender, got %v", err)
	}
	if _, err := e.BlockList("anon"); !errors.Is(err, ErrUnidentifiedSender) {
		t.Errorf("BlockList: expected ErrUnidentifiedSender, got %v", err)
	}

	e.Close()
	if len(store.logged) != 0 {
		t.Errorf("rejected message must not be persisted, got %d", len(store.logged))
	}
	if len(rec.received("a")) != 0 {
		t.Errorf("rejected message must not be delivered")
	}
}

func TestAnnounceUnknownConnection(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if err := e.OnAnnounce("nobody", "eve", "black"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}

	e.OnConnect("late")
	e.OnDisconnect("late")
	if err := e.OnAnnounce("late", "eve", "black"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("announce after disconnect: expected ErrUnknownConnection, got %v", err)
	}
	if n := len(e.Snapshot().Identities); n != 0 {
		t.Errorf("expected empty registry, got %d identities", n)
	}
}

func TestIdempotentDisconnect(t *testing.T) {
	e, _, store := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	e.OnDisconnect("b")
	first := e.Snapshot()
	e.OnDisconnect("b")
	second := e.Snapshot()

	if first.Version != second.Version {
		t.Errorf("redundant disconnect bumped version %d -> %d", first.Version, second.Version)
	}
	if len(second.Identities) != 1 || second.Identities[0].ConnID != "a" {
		t.Errorf("unexpected snapshot: %+v", second)
	}
	if e.State("b") != StateDisconnected {
		t.Errorf("expected b disconnected, got %s", e.State("b"))
	}

	e.Close()
	if len(store.removed) != 1 {
		t.Errorf("expected one mirror removal, got %v", store.removed)
	}
}

func TestFullResetTrigger(t *testing.T) {
	e, _, store := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")
	e.OnConnect("lurker")

	e.OnDisconnect("a")
	e.OnDisconnect("lurker")
	e.Close()
	store.mu.Lock()
	purges := store.purges
	store.mu.Unlock()
	if purges != 0 {
		t.Fatalf("purge triggered with identities still online")
	}

	e2, _, store2 := newTestEngine(t)
	connectAndAnnounce(t, e2, "a", "alice", "red")
	connectAndAnnounce(t, e2, "b", "bob", "blue")
	e2.OnDisconnect("a")
	e2.OnDisconnect("b")
	e2.OnDisconnect("b")
	e2.Close()

	if store2.purges != 1 {
		t.Errorf("expected exactly one purge, got %d", store2.purges)
	}
	if store2.mirrorPs != 1 {
		t.Errorf("expected exactly one mirror purge, got %d", store2.mirrorPs)
	}
}

func TestResetClearsBlockGraph(t *testing.T) {
	e, _, _ := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")
	if err := e.OnBlock("b", "a"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}

	e.OnDisconnect("a")
	e.OnDisconnect("b")

	e.mu.RLock()
	n := e.blocks.Len()
	e.mu.RUnlock()
	if n != 0 {
		t.Errorf("expected empty block graph after reset, got %d blockers", n)
	}
}

func TestEphemeralRetentionDisabled(t *testing.T) {
	store := &memStore{}
	config := DefaultConfig()
	config.EphemeralRetention = false
	e := NewEngine(config, newRecorder(), store, store)

	connectAndAnnounce(t, e, "a", "alice", "red")
	e.OnDisconnect("a")
	e.Close()

	if store.purges != 0 || store.mirrorPs != 0 {
		t.Errorf("purge ran with retention policy disabled (%d/%d)", store.purges, store.mirrorPs)
	}
}

func TestPresenceFanOut(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	e.OnConnect("pending")
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")
	e.OnDisconnect("b")
	e.Close()

	// Every live connection, announced or not, sees every change in order.
	for _, id := range []string{"pending", "a"} {
		snaps := rec.snapshots(id)
		if len(snaps) == 0 {
			t.Fatalf("%s received no presence", id)
		}
		last := snaps[len(snaps)-1]
		if len(last.Identities) != 1 || last.Identities[0].ConnID != "a" {
			t.Errorf("%s: last snapshot = %+v", id, last)
		}
		for i := 1; i < len(snaps); i++ {
			if snaps[i].Version < snaps[i-1].Version {
				t.Errorf("%s: snapshot versions out of order: %d after %d", id, snaps[i].Version, snaps[i-1].Version)
			}
		}
	}

	// A connection gets the current snapshot on connect, then each change.
	if n := len(rec.snapshots("pending")); n != 4 {
		t.Errorf("pending: expected 4 snapshots, got %d", n)
	}
}

func TestPresenceIsolatesFailures(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	rec.failFor["broken"] = true

	e.OnConnect("broken")
	e.OnConnect("ok")
	if err := e.OnAnnounce("ok", "alice", "red"); err != nil {
		t.Fatalf("OnAnnounce: %v", err)
	}
	e.Close()

	if len(rec.snapshots("ok")) == 0 {
		t.Error("a failing recipient blocked presence to others")
	}
}

func TestDeliverySkipsDepartedRecipient(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	// Hold the delivery outbox so the disconnect lands before delivery runs.
	gate := make(chan struct{})
	e.delivery.Push(func() { <-gate })

	got, err := e.OnSend("a", "hello", Everyone)
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got, "a", "b")

	e.OnDisconnect("b")
	close(gate)
	e.Close()

	if n := len(rec.received("b")); n != 0 {
		t.Errorf("departed recipient received %d messages", n)
	}
	if n := len(rec.received("a")); n != 1 {
		t.Errorf("sender expected its own echo, got %d messages", n)
	}
}

func TestPersistenceFailureDoesNotBlockDelivery(t *testing.T) {
	rec := newRecorder()
	store := &memStore{err: errors.New("database down")}
	e := NewEngine(DefaultConfig(), rec, store, store)

	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	got, err := e.OnSend("a", "hi", Target("b"))
	if err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	assertRecipients(t, got, "b")
	e.Close()

	msgs := rec.received("b")
	if len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Fatalf("expected delivery despite persistence failure, got %+v", msgs)
	}
}

func TestMessageCarriesSenderIdentity(t *testing.T) {
	e, rec, store := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")

	if _, err := e.OnSend("a", "data:image/png;base64,AAAA", Target("b")); err != nil {
		t.Fatalf("OnSend: %v", err)
	}
	e.Close()

	msgs := rec.received("b")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Sender.Name != "alice" || m.Sender.Color != "red" || m.Sender.ConnID != "a" {
		t.Errorf("unexpected sender: %+v", m.Sender)
	}
	if m.Target != Target("b") || m.ID == "" || m.SentAt.IsZero() {
		t.Errorf("unexpected message metadata: %+v", m)
	}
	if len(store.logged) != 1 || store.logged[0].ID != m.ID {
		t.Errorf("logged message does not match delivered message")
	}
}

func TestMirrorWrites(t *testing.T) {
	e, _, store := newTestEngine(t)
	connectAndAnnounce(t, e, "a", "alice", "red")
	connectAndAnnounce(t, e, "b", "bob", "blue")
	if err := e.OnBlock("b", "a"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}
	if err := e.OnBlock("b", "offline"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}
	if err := e.OnUnblock("b", "a"); err != nil {
		t.Fatalf("OnUnblock: %v", err)
	}
	e.Close()

	if len(store.idents) != 2 {
		t.Errorf("expected 2 mirrored identities, got %d", len(store.idents))
	}
	want := []string{"bob->alice:true", "bob->:true", "bob->alice:false"}
	if len(store.blocks) != len(want) {
		t.Fatalf("mirrored blocks = %v, want %v", store.blocks, want)
	}
	for i := range want {
		if store.blocks[i] != want[i] {
			t.Errorf("block %d = %q, want %q", i, store.blocks[i], want[i])
		}
	}
}

func TestEndToEndScenario(t *testing.T) {
	e, rec, store := newTestEngine(t)
	connectAndAnnounce(t, e, "X", "alice", "red")
	connectAndAnnounce(t, e, "Y", "bob", "blue")
	connectAndAnnounce(t, e, "Z", "carol", "green")

	if err := e.OnBlock("Y", "X"); err != nil {
		t.Fatalf("OnBlock: %v", err)
	}

	got, err := e.OnSend("X", "hi", Everyone)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	assertRecipients(t, got, "X", "Z")

	got, err = e.OnSend("X", "psst", Target("Y"))
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	assertRecipients(t, got)

	if err := e.OnUnblock("Y", "X"); err != nil {
		t.Fatalf("OnUnblock: %v", err)
	}
	got, err = e.OnSend("X", "psst again", Target("Y"))
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	assertRecipients(t, got, "Y")

	e.OnDisconnect("Z")
	e.OnDisconnect("Y")
	if n := len(e.Snapshot().Identities); n != 1 {
		t.Fatalf("expected 1 identity before last disconnect, got %d", n)
	}
	e.OnDisconnect("X")
	if n := len(e.Snapshot().Identities); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
	e.Close()

	if store.purges != 1 {
		t.Errorf("expected purge after last disconnect, got %d", store.purges)
	}
	if len(store.logged) != 3 {
		t.Errorf("expected 3 logged messages, got %d", len(store.logged))
	}
	if n := len(rec.received("Y")); n != 1 {
		t.Errorf("Y expected exactly 1 message, got %d", n)
	}
	if n := len(rec.received("Z")); n != 1 {
		t.Errorf("Z expected exactly 1 message, got %d", n)
	}
}

func TestConcurrentSessions(t *testing.T) {
	e, _, store := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", n)
			e.OnConnect(id)
			if err := e.OnAnnounce(id, fmt.Sprintf("user-%d", n), "red"); err != nil {
				t.Errorf("OnAnnounce(%s): %v", id, err)
				return
			}
			for m := 0; m < 10; m++ {
				if _, err := e.OnSend(id, "hello", Everyone); err != nil {
					t.Errorf("OnSend(%s): %v", id, err)
				}
				_ = e.OnBlock(id, fmt.Sprintf("conn-%d", (n+1)%50))
				_ = e.Snapshot()
			}
			e.OnDisconnect(id)
		}(i)
	}
	wg.Wait()

	if n := len(e.Snapshot().Identities); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
	if n := e.Connections(); n != 0 {
		t.Fatalf("expected no live connections, got %d", n)
	}
	e.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.purges < 1 {
		t.Error("expected at least one purge once everyone left")
	}
	if len(store.logged) != 500 {
		t.Errorf("expected 500 logged messages, got %d", len(store.logged))
	}
}
