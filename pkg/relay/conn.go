// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import "github.com/pkg/errors"

var (
	// ErrConnClosed is returned when sending to a connection that is closing or closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrNotAMember is returned when a connection uses a channel it has not joined.
	ErrNotAMember = errors.New("not a member of channel")
)

// Conn is a client connection as seen by the relay.
// The transport owns the connection; the relay only holds references to it
// until it is told the connection closed.
type Conn interface {
	// ID uniquely identifies the connection for its whole lifetime.
	ID() string
	// Writable reports whether frames can still be queued.
	Writable() bool
	// Send queues a frame for delivery without blocking.
	// Frames sent to one connection are delivered in the order they were sent.
	Send(frame []byte) error
}

// A SendFailure records a member that could not be sent a frame.
type SendFailure struct {
	Conn Conn
	Err  error
}

// deliverAll sends each writable member the frame built for it.
// A failure on one member never stops delivery to the others.
func deliverAll(members []Conn, include func(Conn) bool, frame func(Conn) []byte) (delivered int, failures []SendFailure) {
	for _, member := range members {
		if include != nil && !include(member) {
			continue
		}
		if !member.Writable() {
			continue
		}
		if err := member.Send(frame(member)); err != nil {
			failures = append(failures, SendFailure{Conn: member, Err: err})
			continue
		}
		delivered++
	}
	return delivered, failures
}
