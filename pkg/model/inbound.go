// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package model

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object with a string "type".
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidChannelName is returned when "channel" is missing, empty, or not a string.
	ErrInvalidChannelName = errors.New("invalid channel name")
)

// A Request is a parsed envelope received from a client.
type Request interface {
	RequestType() string
}

// JoinRequest asks to add the sender to a channel.
type JoinRequest struct {
	Channel string
	// ID is the raw correlation id, if any. It is echoed back verbatim.
	ID json.RawMessage
}

// RequestType implements Request.
func (JoinRequest) RequestType() string { return TypeJoin }

// Correlated reports whether the sender expects the join to be answered with its id.
// Only ids that are truthy in JavaScript terms count: null, false, 0 and "" do not.
func (req JoinRequest) Correlated() bool {
	raw := bytes.TrimSpace(req.ID)
	switch string(raw) {
	case "", "null", "false", `""`:
		return false
	}
	if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return f != 0
	}
	return true
}

// ChannelRequest asks to relay Message to every member of Channel.
type ChannelRequest struct {
	Channel string
	Message json.RawMessage
}

// RequestType implements Request.
func (ChannelRequest) RequestType() string { return TypeMessage }

// UnknownRequest is any envelope whose type the relay does not handle.
type UnknownRequest struct {
	Type string
}

// RequestType implements Request.
func (req UnknownRequest) RequestType() string { return req.Type }

type rawRequest struct {
	Type    string          `json:"type"`
	Channel json.RawMessage `json:"channel"`
	ID      json.RawMessage `json:"id"`
	Message json.RawMessage `json:"message"`
}

// ParseRequest parses a frame received from a client.
// Errors have ErrMalformedFrame or ErrInvalidChannelName as their cause.
func ParseRequest(frame []byte) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	switch raw.Type {
	case TypeJoin:
		name, err := channelName(raw.Channel)
		if err != nil {
			return nil, errors.Wrap(err, "join")
		}
		return JoinRequest{Channel: name, ID: raw.ID}, nil

	case TypeMessage:
		name, err := channelName(raw.Channel)
		if err != nil {
			return nil, errors.Wrap(err, "message")
		}
		return ChannelRequest{Channel: name, Message: raw.Message}, nil
	}

	return UnknownRequest{Type: raw.Type}, nil
}

func channelName(raw json.RawMessage) (string, error) {
	var name string
	if len(raw) == 0 || json.Unmarshal(raw, &name) != nil || name == "" {
		return "", ErrInvalidChannelName
	}
	return name, nil
}
