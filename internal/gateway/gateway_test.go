package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/ws"
)

// fakeSender records every frame by connection ID.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{}
	fail   bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][]map[string]interface{})}
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection not found")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.frames[connID] = append(s.frames[connID], m)
	return nil
}

// ofType returns the frames of msgType sent to connID, in order.
func (s *fakeSender) ofType(connID, msgType string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range s.frames[connID] {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

type fakeLimiter struct {
	allow bool
	retry int
}

func (l *fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, nil
}

func (l *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) int {
	return l.retry
}

type harness struct {
	engine  *relay.Engine
	sender  *fakeSender
	gw      *Gateway
	handler map[string]ws.MessageHandler
}

// newHarness wires a real engine to a gateway over a fake sender. Handlers
// are called directly so no sockets are involved.
func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	sender := newFakeSender()
	engine := relay.NewEngine(relay.DefaultConfig(), NewTransport(sender), nil, nil)
	gw := New(engine, sender, limiter, ratelimit.RuleMessage)
	h := &harness{engine: engine, sender: sender, gw: gw}
	h.handler = map[string]ws.MessageHandler{
		protocol.TypeLogin:       gw.handleLogin,
		protocol.TypeSendMessage: gw.handleSend,
		protocol.TypeBlockUser:   gw.handleBlock,
		protocol.TypeUnblockUser: gw.handleUnblock,
		protocol.TypeBlockList:   gw.handleBlockList,
	}
	return h
}

func (h *harness) call(connID, msgType string, msg interface{}) {
	h.handler[msgType](&ws.Connection{ID: connID}, msg)
}

func (h *harness) login(connID, name string) {
	h.engine.OnConnect(connID)
	h.call(connID, protocol.TypeLogin, protocol.LoginMsg{Username: name, Color: "#abcdef"})
}

func lastErrorCode(s *fakeSender, connID string) string {
	errs := s.ofType(connID, protocol.TypeError)
	if len(errs) == 0 {
		return ""
	}
	code, _ := errs[len(errs)-1]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func TestTransport_Frames(t *testing.T) {
	sender := newFakeSender()
	tr := NewTransport(sender)

	snap := relay.Snapshot{Version: 3, Identities: []relay.Identity{{ConnID: "c1", Name: "alice", Color: "red"}}}
	if err := tr.PresenceChanged("c2", snap); err != nil {
		t.Fatalf("PresenceChanged: %v", err)
	}
	sentAt := time.UnixMilli(1700000000123)
	msg := relay.Message{ID: "m1", Sender: snap.Identities[0], Body: "hi", Target: relay.Everyone, SentAt: sentAt}
	if err := tr.MessageRouted("c2", msg); err != nil {
		t.Fatalf("MessageRouted: %v", err)
	}

	list := sender.ofType("c2", protocol.TypeUpdateUserList)
	if len(list) != 1 || list[0]["version"].(float64) != 3 {
		t.Fatalf("unexpected presence frames: %v", list)
	}
	users := list[0]["users"].([]interface{})
	if len(users) != 1 || users[0].(map[string]interface{})["name"] != "alice" {
		t.Errorf("unexpected users: %v", users)
	}

	recv := sender.ofType("c2", protocol.TypeReceiveMessage)
	if len(recv) != 1 {
		t.Fatalf("expected 1 receive_message, got %d", len(recv))
	}
	f := recv[0]
	if f["id"] != "m1" || f["message"] != "hi" || f["recipient_id"] != "everyone" {
		t.Errorf("unexpected frame: %v", f)
	}
	if f["ts"].(float64) != float64(sentAt.UnixMilli()) {
		t.Errorf("ts = %v", f["ts"])
	}
	if f["sender"].(map[string]interface{})["id"] != "c1" {
		t.Errorf("sender = %v", f["sender"])
	}

	sender.fail = true
	if err := tr.PresenceChanged("c2", snap); err == nil {
		t.Error("expected send failure to surface")
	}
}

func TestUserList_EmptyIsNotNull(t *testing.T) {
	data, err := json.Marshal(UserList(relay.Snapshot{}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"users":[]`) {
		t.Errorf("expected empty array, got %s", data)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func TestLogin(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  string
	}{
		{"valid", "alice", ""},
		{"trimmed", "  bob  ", ""},
		{"empty", "", protocol.CodeInvalidName},
		{"whitespace", "   ", protocol.CodeInvalidName},
		{"too long", strings.Repeat("x", MaxNameLength+1), protocol.CodeInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.engine.OnConnect("c1")
			h.call("c1", protocol.TypeLogin, protocol.LoginMsg{Username: tt.username})
			h.engine.Close()

			_, identified := h.engine.Resolve("c1")
			if got := lastErrorCode(h.sender, "c1"); got != tt.wantErr {
				t.Errorf("error code = %q, want %q", got, tt.wantErr)
			}
			if identified != (tt.wantErr == "") {
				t.Errorf("identified = %v", identified)
			}
			if tt.wantErr == "" {
				id, _ := h.engine.Resolve("c1")
				if id.Name != strings.TrimSpace(tt.username) {
					t.Errorf("name = %q", id.Name)
				}
			}
		})
	}
}

func TestSend_RequiresLogin(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.OnConnect("c1")
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "hi", RecipientID: "everyone"})
	h.engine.Close()

	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeNotIdentified {
		t.Errorf("error code = %q, want %q", got, protocol.CodeNotIdentified)
	}
	if n := len(h.sender.ofType("c1", protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("expected no delivery, got %d", n)
	}
}

func TestSend_EmptyBody(t *testing.T) {
	h := newHarness(t, nil)
	h.login("c1", "alice")
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: ""})
	h.engine.Close()

	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeBadMessage {
		t.Errorf("error code = %q", got)
	}
}

func TestSend_BroadcastAndDirect(t *testing.T) {
	h := newHarness(t, nil)
	h.login("c1", "alice")
	h.login("c2", "bob")
	h.login("c3", "carol")

	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "all", RecipientID: ""})
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "psst", RecipientID: "c2"})
	h.engine.Close()

	counts := map[string]int{"c1": 1, "c2": 2, "c3": 1}
	for id, want := range counts {
		if got := len(h.sender.ofType(id, protocol.TypeReceiveMessage)); got != want {
			t.Errorf("%s received %d messages, want %d", id, got, want)
		}
	}
	direct := h.sender.ofType("c2", protocol.TypeReceiveMessage)[1]
	if direct["recipient_id"] != "c2" || direct["message"] != "psst" {
		t.Errorf("unexpected direct frame: %v", direct)
	}
}

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"ok", "hello", nil},
		{"empty", "", ErrEmptyBody},
		{"max chars", strings.Repeat("a", MaxBodyChars), nil},
		{"too many chars", strings.Repeat("a", MaxBodyChars+1), ErrBodyTooLarge},
		{"too many bytes", strings.Repeat("😀", MaxBodyBytes/4+1), ErrBodyTooLarge},
		{"invalid utf8", "bad \xff byte", ErrInvalidUTF8},
		{"image", "data:image/png;base64," + strings.Repeat("A", 3*MaxBodyBytes), nil},
		{"image too large", "data:image/png;base64," + strings.Repeat("A", MaxImageBytes), ErrBodyTooLarge},
		{"text behind image prefix", "data:image/" + strings.Repeat("a", MaxBodyChars), ErrBodyTooLarge},
		{"non-base64 payload", "data:image/png;base64," + strings.Repeat("a b ", MaxBodyChars/4), ErrBodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateBody(tt.body); !errors.Is(err, tt.want) {
				t.Errorf("ValidateBody = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSend_TooLarge(t *testing.T) {
	h := newHarness(t, nil)
	h.login("c1", "alice")
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: strings.Repeat("x", MaxBodyBytes+1)})
	h.engine.Close()

	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeTooLarge {
		t.Errorf("error code = %q", got)
	}
}

func TestSend_Filtered(t *testing.T) {
	h := newHarness(t, nil)
	f, err := moderation.NewFilter(moderation.RuleURL)
	if err != nil {
		t.Fatal(err)
	}
	h.gw.SetFilter(f)
	h.login("c1", "alice")
	h.login("c2", "bob")

	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "visit http://evil.com"})
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "clean"})
	image := "data:image/png;base64,aHR0cDovL2V2aWwuY29t"
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: image})
	h.engine.Close()

	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeRejected {
		t.Errorf("error code = %q", got)
	}
	recv := h.sender.ofType("c2", protocol.TypeReceiveMessage)
	if len(recv) != 2 || recv[0]["message"] != "clean" || recv[1]["message"] != image {
		t.Errorf("unexpected deliveries: %v", recv)
	}
}

func TestIsImage(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"data:image/png;base64,iVBORw0KGgo=", true},
		{"data:image/svg+xml;base64,PHN2Zz4=", true},
		{"data:image/png;base64,", true},
		{"data:image/ visit http://evil.com", false},
		{"data:image/png;base64,abc http://evil.com", false},
		{"data:image/png,rawbytes", false},
		{"hello", false},
	}

	for _, tt := range tests {
		if got := IsImage(tt.body); got != tt.want {
			t.Errorf("IsImage(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestSend_FakeImageIsFiltered(t *testing.T) {
	h := newHarness(t, nil)
	f, err := moderation.NewFilter(moderation.RuleURL)
	if err != nil {
		t.Fatal(err)
	}
	h.gw.SetFilter(f)
	h.login("c1", "alice")
	h.login("c2", "bob")

	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "data:image/ visit http://evil.com"})
	h.engine.Close()

	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeRejected {
		t.Errorf("error code = %q", got)
	}
	if n := len(h.sender.ofType("c2", protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("fake image was delivered %d times", n)
	}
}

func TestSend_RateLimited(t *testing.T) {
	h := newHarness(t, &fakeLimiter{allow: false, retry: 7})
	h.login("c1", "alice")
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "hi"})
	h.engine.Close()

	frames := h.sender.ofType("c1", protocol.TypeRateLimited)
	if len(frames) != 1 || frames[0]["retry_after"].(float64) != 7 {
		t.Fatalf("unexpected rate_limited frames: %v", frames)
	}
	if n := len(h.sender.ofType("c1", protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("throttled message was delivered %d times", n)
	}
}

func TestBlock_FiltersAndRepliesWithList(t *testing.T) {
	h := newHarness(t, nil)
	h.login("c1", "alice")
	h.login("c2", "bob")

	h.call("c2", protocol.TypeBlockUser, protocol.BlockUserMsg{UserID: "c1"})
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "blocked"})
	h.call("c2", protocol.TypeUnblockUser, protocol.UnblockUserMsg{UserID: "c1"})
	h.call("c1", protocol.TypeSendMessage, protocol.SendMessageMsg{Message: "after"})
	h.engine.Close()

	recv := h.sender.ofType("c2", protocol.TypeReceiveMessage)
	if len(recv) != 1 || recv[0]["message"] != "after" {
		t.Errorf("unexpected deliveries to blocker: %v", recv)
	}

	lists := h.sender.ofType("c2", protocol.TypeBlockList)
	if len(lists) != 2 {
		t.Fatalf("expected 2 block_list replies, got %d", len(lists))
	}
	if b := lists[0]["blocked"].([]interface{}); len(b) != 1 || b[0] != "c1" {
		t.Errorf("after block: %v", b)
	}
	if b := lists[1]["blocked"].([]interface{}); len(b) != 0 {
		t.Errorf("after unblock: %v", b)
	}
}

func TestBlock_Validation(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.OnConnect("c1")

	h.call("c1", protocol.TypeBlockUser, protocol.BlockUserMsg{UserID: "c2"})
	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeNotIdentified {
		t.Errorf("unidentified block: code = %q", got)
	}

	h.call("c1", protocol.TypeLogin, protocol.LoginMsg{Username: "alice"})
	h.call("c1", protocol.TypeBlockUser, protocol.BlockUserMsg{UserID: " "})
	if got := lastErrorCode(h.sender, "c1"); got != protocol.CodeBadMessage {
		t.Errorf("empty target: code = %q", got)
	}

	h.call("c1", protocol.TypeBlockList, protocol.BlockListRequestMsg{})
	h.engine.Close()
	if n := len(h.sender.ofType("c1", protocol.TypeBlockList)); n != 1 {
		t.Errorf("expected 1 block_list reply, got %d", n)
	}
}

func TestRegister_RoutesThroughDispatcher(t *testing.T) {
	h := newHarness(t, nil)
	d := ws.NewMessageDispatcher()
	h.gw.Register(d)

	h.engine.OnConnect("c1")
	// new_user is an alias of login.
	d.Dispatch(&ws.Connection{ID: "c1"}, []byte(`{"type":"new_user","username":"alice"}`))
	h.engine.Close()

	if id, ok := h.engine.Resolve("c1"); !ok || id.Name != "alice" {
		t.Errorf("expected alice to be announced, got %+v ok=%v", id, ok)
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func TestUsersHandler(t *testing.T) {
	h := newHarness(t, nil)
	h.login("c1", "alice")
	h.login("c2", "bob")
	h.engine.Close()

	srv := UsersHandler(h.engine)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /users: %d", rec.Code)
	}
	var list protocol.UpdateUserListMsg
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Users) != 2 || list.Users[0].Name != "alice" || list.Users[1].Name != "bob" {
		t.Errorf("unexpected users: %+v", list.Users)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/c2", nil))
	var one protocol.UserInfo
	json.Unmarshal(rec.Body.Bytes(), &one)
	if rec.Code != http.StatusOK || one.Name != "bob" {
		t.Errorf("GET /users/c2: %d %+v", rec.Code, one)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /users/nope: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/users/c1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /users/c1: %d", rec.Code)
	}
}
