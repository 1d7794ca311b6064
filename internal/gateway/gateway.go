package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/ws"
)

// MaxNameLength bounds a display name, in runes.
const MaxNameLength = 64

// Limiter throttles sends. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Gateway handles client messages for one engine.
type Gateway struct {
	engine  *relay.Engine
	sender  Sender
	limiter Limiter // nil disables throttling
	rule    ratelimit.Rule
	filter  *moderation.Filter // nil accepts every body
}

// New creates a Gateway. limiter may be nil.
func New(engine *relay.Engine, sender Sender, limiter Limiter, rule ratelimit.Rule) *Gateway {
	return &Gateway{
		engine:  engine,
		sender:  sender,
		limiter: limiter,
		rule:    rule,
	}
}

// SetFilter screens every send_message body with f. Call before Register.
func (g *Gateway) SetFilter(f *moderation.Filter) {
	g.filter = f
}

// Register installs the gateway's handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeLogin, g.handleLogin)
	d.Register(protocol.TypeNewUser, g.handleLogin)
	d.Register(protocol.TypeSendMessage, g.handleSend)
	d.Register(protocol.TypeBlockUser, g.handleBlock)
	d.Register(protocol.TypeUnblockUser, g.handleUnblock)
	d.Register(protocol.TypeBlockList, g.handleBlockList)
}

// -----------------------------------------------------------------------
// login / new_user
// -----------------------------------------------------------------------

func (g *Gateway) handleLogin(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LoginMsg)
	if !ok {
		return
	}

	name := strings.TrimSpace(m.Username)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		g.sendError(conn.ID, protocol.CodeInvalidName, "username must be 1-64 characters")
		return
	}

	if err := g.engine.OnAnnounce(conn.ID, name, strings.TrimSpace(m.Color)); err != nil {
		// The connection went away while the frame was in flight.
		log.Printf("gateway: announce conn=%s: %v", conn.ID, err)
		return
	}
	log.Printf("gateway: conn=%s announced as %q", conn.ID, name)
}

// -----------------------------------------------------------------------
// send_message
// -----------------------------------------------------------------------

func (g *Gateway) handleSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	if err := ValidateBody(m.Message); err != nil {
		g.sendError(conn.ID, bodyErrorCode(err), err.Error())
		return
	}

	if g.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		allowed, _ := g.limiter.Allow(ctx, conn.ID, g.rule)
		if !allowed {
			retry := g.limiter.RetryAfter(ctx, conn.ID, g.rule)
			cancel()
			metrics.RateLimitedTotal.Inc()
			g.send(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
			return
		}
		cancel()
	}

	// Text rules do not apply to base64 image payloads.
	if !IsImage(m.Message) {
		if res := g.filter.Check(m.Message); res.Rejected {
			metrics.MessagesTotal.WithLabelValues("filtered").Inc()
			log.Printf("gateway: conn=%s message rejected by rule %s", conn.ID, res.Rule)
			g.sendError(conn.ID, protocol.CodeRejected, res.Reason)
			return
		}
	}

	if _, err := g.engine.OnSend(conn.ID, m.Message, relay.ParseTarget(m.RecipientID)); err != nil {
		g.rejectUnidentified(conn.ID, err)
	}
}

// -----------------------------------------------------------------------
// block_user / unblock_user / block_list
// -----------------------------------------------------------------------

func (g *Gateway) handleBlock(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.BlockUserMsg)
	if !ok {
		return
	}
	g.setBlocked(conn.ID, m.UserID, true)
}

func (g *Gateway) handleUnblock(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UnblockUserMsg)
	if !ok {
		return
	}
	g.setBlocked(conn.ID, m.UserID, false)
}

func (g *Gateway) setBlocked(connID, target string, blocked bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		g.sendError(connID, protocol.CodeBadMessage, "user_id is required")
		return
	}

	var err error
	if blocked {
		err = g.engine.OnBlock(connID, target)
	} else {
		err = g.engine.OnUnblock(connID, target)
	}
	if err != nil {
		g.rejectUnidentified(connID, err)
		return
	}
	g.sendBlockList(connID)
}

func (g *Gateway) handleBlockList(conn *ws.Connection, msg interface{}) {
	g.sendBlockList(conn.ID)
}

func (g *Gateway) sendBlockList(connID string) {
	blocked, err := g.engine.BlockList(connID)
	if err != nil {
		g.rejectUnidentified(connID, err)
		return
	}
	g.send(connID, protocol.TypeBlockList, protocol.BlockListMsg{Blocked: blocked})
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func (g *Gateway) rejectUnidentified(connID string, err error) {
	if errors.Is(err, relay.ErrUnidentifiedSender) {
		g.sendError(connID, protocol.CodeNotIdentified, "login first")
		return
	}
	log.Printf("gateway: conn=%s: %v", connID, err)
	g.sendError(connID, protocol.CodeInternal, "request failed")
}

func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("gateway: build %s for conn=%s: %v", msgType, connID, err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		log.Printf("gateway: send %s to conn=%s: %v", msgType, connID, err)
	}
}

func (g *Gateway) sendError(connID, code, message string) {
	if err := g.sender.SendMessage(connID, protocol.NewErrorMessage(code, message)); err != nil {
		log.Printf("gateway: send error to conn=%s: %v", connID, err)
	}
}
