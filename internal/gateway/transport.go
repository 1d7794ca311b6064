// Package gateway connects the WebSocket layer to the relay engine. Inbound,
// it turns protocol messages into engine events; outbound, it implements
// relay.Transport by encoding presence and routed messages as frames.
package gateway

import (
	"fmt"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/relay"
)

// Sender writes one frame to one connection. *ws.Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Transport implements relay.Transport on a Sender.
type Transport struct {
	sender Sender
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport creates a Transport writing through sender.
func NewTransport(sender Sender) *Transport {
	return &Transport{sender: sender}
}

// PresenceChanged sends an update_user_list frame.
func (t *Transport) PresenceChanged(connID string, snap relay.Snapshot) error {
	data, err := protocol.NewServerMessage(protocol.TypeUpdateUserList, UserList(snap))
	if err != nil {
		return err
	}
	if err := t.sender.SendMessage(connID, data); err != nil {
		return fmt.Errorf("gateway: presence to %s: %w", connID, err)
	}
	return nil
}

// MessageRouted sends a receive_message frame.
func (t *Transport) MessageRouted(connID string, msg relay.Message) error {
	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		ID:          msg.ID,
		Message:     msg.Body,
		Sender:      userInfo(msg.Sender),
		RecipientID: string(msg.Target),
		Ts:          msg.SentAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := t.sender.SendMessage(connID, data); err != nil {
		return fmt.Errorf("gateway: deliver %s to %s: %w", msg.ID, connID, err)
	}
	return nil
}

// UserList converts a snapshot to its wire form. Users is never null.
func UserList(snap relay.Snapshot) protocol.UpdateUserListMsg {
	users := make([]protocol.UserInfo, 0, len(snap.Identities))
	for _, id := range snap.Identities {
		users = append(users, userInfo(id))
	}
	return protocol.UpdateUserListMsg{Type: protocol.TypeUpdateUserList, Version: snap.Version, Users: users}
}

func userInfo(id relay.Identity) protocol.UserInfo {
	return protocol.UserInfo{ID: id.ConnID, Name: id.Name, Color: id.Color}
}
