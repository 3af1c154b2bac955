// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package model defines the envelopes exchanged between chanrelay and its clients.
package model

import (
	"encoding/json"
	"fmt"
)

// Envelope types.
const (
	TypeJoin      = "join"
	TypeMessage   = "message"
	TypeSystem    = "system"
	TypeBroadcast = "broadcast"
	TypeError     = "error"
)

// Sender labels attached to broadcast copies.
// Other members are never told who sent a message.
const (
	SenderSelf  = "You"
	SenderOther = "User"
)

// An Envelope is sent to clients.
// All Envelopes should wrap DefaultMessage, so they have a Type field which marshals to json as "type."
type Envelope interface {
	EnvelopeType() string
}

// DefaultMessage implements Envelope, and has a type.
type DefaultMessage struct {
	Type string `json:"type"`
}

// EnvelopeType gets the type of a DefaultMessage.
func (msg DefaultMessage) EnvelopeType() string {
	return msg.Type
}

// A SystemMessage is a notice generated by the relay itself.
// Message is usually a string, but join confirmations also carry a ConnectedResult.
type SystemMessage struct {
	DefaultMessage
	Message interface{} `json:"message"`
	Channel string      `json:"channel,omitempty"`
}

// NewSystemMessage creates a system notice, optionally scoped to a channel.
func NewSystemMessage(message interface{}, channel string) SystemMessage {
	return SystemMessage{
		DefaultMessage: DefaultMessage{TypeSystem},
		Message:        message,
		Channel:        channel,
	}
}

// A BroadcastMessage carries a payload relayed to channel members.
type BroadcastMessage struct {
	DefaultMessage
	Message interface{} `json:"message,omitempty"`
	Sender  string      `json:"sender,omitempty"`
	Channel string      `json:"channel,omitempty"`
}

// NewBroadcastMessage creates a broadcast envelope.
// A nil or empty json.RawMessage payload leaves the message key out entirely.
func NewBroadcastMessage(payload interface{}, sender, channel string) BroadcastMessage {
	msg := BroadcastMessage{
		DefaultMessage: DefaultMessage{TypeBroadcast},
		Sender:         sender,
		Channel:        channel,
	}
	if raw, ok := payload.(json.RawMessage); !ok || len(raw) > 0 {
		msg.Message = payload
	}
	return msg
}

// An ErrorMessage is sent to clients when a request cannot be honoured.
type ErrorMessage struct {
	DefaultMessage
	Message string `json:"message"`
}

// NewErrorMessage creates an error message with the specified reason.
func NewErrorMessage(reason string) ErrorMessage {
	return ErrorMessage{
		DefaultMessage: DefaultMessage{TypeError},
		Message:        reason,
	}
}

// JoinResult answers a join that carried a correlation id.
type JoinResult struct {
	ID     json.RawMessage `json:"id"`
	Result string          `json:"result"`
}

// NewJoinResult creates the correlated reply for a successful join.
func NewJoinResult(id json.RawMessage, channel string) JoinResult {
	return JoinResult{
		ID:     id,
		Result: fmt.Sprintf("Successfully joined channel: %s", channel),
	}
}

// ConnectedResult is the structured join confirmation expected by plugin clients.
type ConnectedResult struct {
	Result string `json:"result"`
}

// NewConnectedResult creates the structured join confirmation for channel.
func NewConnectedResult(channel string) ConnectedResult {
	return ConnectedResult{Result: fmt.Sprintf("Connected to channel: %s", channel)}
}

// Encode serializes an envelope into a single text frame.
func Encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}
