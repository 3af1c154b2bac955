// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/chanrelay/pkg/model"
)

// Texts of the notices sent to clients.
const (
	welcomeNotice       = "Please join a channel to start chatting"
	newMemberNotice     = "A new user has joined the channel"
	memberLeftNotice    = "A user has left the channel"
	channelRequiredText = "Channel name is required"
	joinFirstText       = "You must join the channel first"
)

func (r *Relay) handleConnect(c Conn) {
	if err := r.reg.Add(c); err != nil {
		r.log.WithFields(logrus.Fields{
			"conn":  c.ID(),
			"error": err,
		}).Warn("Cannot add connection")
		return
	}
	r.log.WithField("conn", c.ID()).Debug("Connection added")
	r.send(c, model.NewSystemMessage(welcomeNotice, ""))
}

func (r *Relay) handleFrame(c Conn, frame []byte) {
	// If a connection sends frames quickly, but is closed before all of them are handled,
	// the frames handled after it was removed should be ignored.
	if !r.reg.Registered(c) {
		return
	}

	req, err := model.ParseRequest(frame)
	if err != nil {
		if errors.Cause(err) == model.ErrInvalidChannelName {
			r.send(c, model.NewErrorMessage(channelRequiredText))
			return
		}
		r.log.WithFields(logrus.Fields{
			"conn":  c.ID(),
			"error": err,
		}).Warn("Dropping malformed frame")
		return
	}

	switch req := req.(type) {
	case model.JoinRequest:
		r.handleJoin(c, req)
	case model.ChannelRequest:
		r.handleChannelMessage(c, req)
	default:
		r.log.WithFields(logrus.Fields{
			"conn": c.ID(),
			"type": req.RequestType(),
		}).Debug("Ignoring envelope of unknown type")
	}
}

func (r *Relay) handleJoin(c Conn, req model.JoinRequest) {
	name, err := r.reg.Join(c, req.Channel)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"conn":    c.ID(),
			"channel": req.Channel,
			"error":   err,
		}).Warn("Cannot join channel")
		r.send(c, model.NewErrorMessage(channelRequiredText))
		return
	}
	r.log.WithFields(logrus.Fields{
		"conn":        c.ID(),
		"channel":     name,
		"members":     r.reg.Size(name),
		"memberships": len(r.reg.ChannelsOf(c)),
	}).Info("Joined channel")

	// Automation clients correlate this reply with their join request.
	if req.Correlated() {
		r.send(c, model.NewBroadcastMessage(model.NewJoinResult(req.ID, name), "", name))
	}
	// Both confirmations are expected by different clients: keep them, and keep their order.
	r.send(c, model.NewSystemMessage(fmt.Sprintf("Joined channel: %s", name), name))
	r.send(c, model.NewSystemMessage(model.NewConnectedResult(name), name))

	r.broadcast(name, othersThan(c), model.NewSystemMessage(newMemberNotice, name))
}

func (r *Relay) handleChannelMessage(c Conn, req model.ChannelRequest) {
	if !r.reg.IsMember(c, req.Channel) {
		r.log.WithFields(logrus.Fields{
			"conn":    c.ID(),
			"channel": req.Channel,
			"error":   ErrNotAMember,
		}).Debug("Rejecting message")
		r.send(c, model.NewErrorMessage(joinFirstText))
		return
	}

	own, err := model.Encode(model.NewBroadcastMessage(req.Message, model.SenderSelf, req.Channel))
	if err != nil {
		r.logEncodeError(c, err)
		return
	}
	other, err := model.Encode(model.NewBroadcastMessage(req.Message, model.SenderOther, req.Channel))
	if err != nil {
		r.logEncodeError(c, err)
		return
	}

	failures := r.reg.Broadcast(req.Channel, nil, func(member Conn) []byte {
		if member.ID() == c.ID() {
			return own
		}
		return other
	})
	r.logSendFailures(req.Channel, failures)
}

func (r *Relay) handleClose(c Conn, cause error) {
	fields := logrus.Fields{"conn": c.ID()}
	if cause != nil {
		fields["error"] = cause
	}

	if !r.reg.Registered(c) {
		r.log.WithFields(fields).Debug("Closed connection was not registered")
		return
	}

	departures := r.reg.Remove(c)
	fields["channels"] = len(departures)
	r.log.WithFields(fields).Info("Connection closed")

	for _, dep := range departures {
		frame, err := model.Encode(model.NewSystemMessage(memberLeftNotice, dep.Channel))
		if err != nil {
			r.logEncodeError(c, err)
			continue
		}
		r.logSendFailures(dep.Channel, r.reg.BroadcastTo(dep.Remaining, frame))
	}
}

// send sends one envelope to c, if c can still be written to.
func (r *Relay) send(c Conn, msg model.Envelope) {
	if !c.Writable() {
		return
	}
	frame, err := model.Encode(msg)
	if err != nil {
		r.logEncodeError(c, err)
		return
	}
	if err := c.Send(frame); err != nil {
		r.log.WithFields(logrus.Fields{
			"conn":  c.ID(),
			"type":  msg.EnvelopeType(),
			"error": err,
		}).Warn("Cannot send to connection")
	}
}

// broadcast sends the same envelope to the members of a channel selected by include.
func (r *Relay) broadcast(name string, include func(Conn) bool, msg model.Envelope) {
	frame, err := model.Encode(msg)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"channel": name,
			"error":   err,
		}).Error("Cannot encode envelope")
		return
	}
	failures := r.reg.Broadcast(name, include, func(Conn) []byte { return frame })
	r.logSendFailures(name, failures)
}

func (r *Relay) logSendFailures(channel string, failures []SendFailure) {
	for _, failure := range failures {
		r.log.WithFields(logrus.Fields{
			"conn":    failure.Conn.ID(),
			"channel": channel,
			"error":   failure.Err,
		}).Warn("Cannot send to channel member")
	}
}

func (r *Relay) logEncodeError(c Conn, err error) {
	r.log.WithFields(logrus.Fields{
		"conn":  c.ID(),
		"error": err,
	}).Error("Cannot encode envelope")
}

func othersThan(c Conn) func(Conn) bool {
	return func(member Conn) bool {
		return member.ID() != c.ID()
	}
}
