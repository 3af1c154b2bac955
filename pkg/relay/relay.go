// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package relay routes envelopes between connections that share a channel.
//
// Every connection event is handled by a single dispatcher goroutine,
// so channel membership changes and the frames they produce are serialized.
package relay

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the number of events that may be waiting for the dispatcher.
const DefaultQueueSize = 256

type eventKind int

const (
	eventConnected eventKind = iota
	eventReceived
	eventClosed
)

func (k eventKind) String() string {
	switch k {
	case eventConnected:
		return "connected"
	case eventReceived:
		return "received"
	case eventClosed:
		return "closed"
	}
	return "unknown"
}

type event struct {
	kind  eventKind
	conn  Conn
	frame []byte
	err   error // Why the connection closed, if it wasn't a clean close
}

// Relay contains state for a running relay.
type Relay struct {
	log    logrus.FieldLogger
	reg    *Registry
	events chan event
	done   chan struct{} // Closed once Run stops accepting events

	senders atomic.Int64 // enqueue calls in progress
}

// New creates a relay around reg. Events are queued until Run is called.
func New(log logrus.FieldLogger, reg *Registry, queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Relay{
		log:    log,
		reg:    reg,
		events: make(chan event, queueSize),
		done:   make(chan struct{}),
	}
}

// Registry returns the registry this relay routes with.
func (r *Relay) Registry() *Registry {
	return r.reg
}

// Connected tells the relay a connection was accepted.
// It must be called before any Received call for the same connection.
func (r *Relay) Connected(c Conn) {
	r.enqueue(event{kind: eventConnected, conn: c})
}

// Received hands the relay a frame read from c.
func (r *Relay) Received(c Conn, frame []byte) {
	r.enqueue(event{kind: eventReceived, conn: c, frame: frame})
}

// Closed tells the relay c is gone. err is the transport error that ended it, or nil.
func (r *Relay) Closed(c Conn, err error) {
	r.enqueue(event{kind: eventClosed, conn: c, err: err})
}

// enqueue blocks while the queue is full, so a flooding connection slows down its own reader.
// Events arriving after Run stopped are dropped; every other event is dispatched before Run returns.
func (r *Relay) enqueue(ev event) {
	r.senders.Add(1)
	defer r.senders.Add(-1)

	select {
	case <-r.done:
		r.dropped(ev)
		return
	default:
	}
	select {
	case r.events <- ev:
	case <-r.done:
		r.dropped(ev)
	}
}

func (r *Relay) dropped(ev event) {
	r.log.WithFields(logrus.Fields{
		"conn":  ev.conn.ID(),
		"event": ev.kind,
	}).Debug("Relay stopped; dropping event")
}

// Run dispatches events until ctx is done.
// Events already queued when ctx is done, or being queued at that moment, are still handled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("Relay started")

	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)

		case <-ctx.Done():
			close(r.done)
			// A sender that got past the done check may still be queueing.
			for {
				r.drain()
				if r.senders.Load() == 0 && len(r.events) == 0 {
					break
				}
				runtime.Gosched()
			}
			r.log.WithFields(logrus.Fields{
				"connections": r.reg.Stats().NumConns,
			}).Info("Relay stopped")
			return nil
		}
	}
}

func (r *Relay) drain() {
	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		default:
			return
		}
	}
}

func (r *Relay) dispatch(ev event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{
				"conn":  ev.conn.ID(),
				"event": ev.kind,
				"panic": rec,
			}).Error("Recovered while handling event")
		}
	}()

	switch ev.kind {
	case eventConnected:
		r.handleConnect(ev.conn)
	case eventReceived:
		r.handleFrame(ev.conn, ev.frame)
	case eventClosed:
		r.handleClose(ev.conn, ev.err)
	}
}
