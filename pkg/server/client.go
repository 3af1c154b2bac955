// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/chanrelay/pkg/relay"
)

// client is one WebSocket connection.
// Frames sent to it are appended to pending, and written by writePump in order.
// The queue is unbounded, so Send never blocks the relay and never drops a frame.
type client struct {
	id           string
	conn         *websocket.Conn
	queueLock    sync.Mutex
	pending      [][]byte      // Frames waiting to be written, oldest first
	wake         chan struct{} // Signalled when pending becomes non-empty
	done         chan struct{} // Closed when the client is stopped
	stopOnce     sync.Once
	closeCode    int    // Status of the close frame written when stopped, or 0 for none
	closeText    string // Reason in the close frame
	stopErr      error  // Why the server stopped the client, if it was not a clean close
	writeTimeout time.Duration
	log          logrus.FieldLogger
}

func newClient(conn *websocket.Conn, cfg Config, log logrus.FieldLogger) *client {
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()
	return &client{
		id:           id,
		conn:         conn,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		log: log.WithFields(logrus.Fields{
			"conn":        id,
			"remote_addr": conn.RemoteAddr().String(),
		}),
	}
}

// ID implements relay.Conn.
func (c *client) ID() string {
	return c.id
}

// Writable implements relay.Conn.
func (c *client) Writable() bool {
	return !c.stopped()
}

// Send implements relay.Conn. It never blocks.
func (c *client) Send(frame []byte) error {
	if c.stopped() {
		return relay.ErrConnClosed
	}
	c.queueLock.Lock()
	c.pending = append(c.pending, frame)
	c.queueLock.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
		// writePump has a wakeup waiting already.
	}
	return nil
}

// takePending removes and returns every queued frame.
func (c *client) takePending() [][]byte {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	frames := c.pending
	c.pending = nil
	return frames
}

func (c *client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// stop stops a client. If code is not 0, a close frame with code and text
// is written after the frames already queued.
// Stop is idempotent; only the first call has any effect.
func (c *client) stop(code int, text string, cause error) {
	c.stopOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.stopErr = cause
		close(c.done)
	})
}

func (c *client) String() string {
	return "Client(" + c.id + ")"
}

// readPump hands every frame read from the connection to the relay,
// and tells the relay when the connection is gone.
func (c *client) readPump(rl *relay.Relay) {
	var cause error
	defer func() {
		c.stop(0, "", nil)
		// stopErr was set by the first stop, which has happened before stop returned.
		if c.stopErr != nil {
			cause = c.stopErr
		}
		rl.Closed(c, cause)
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			cause = c.classifyReadError(err)
			return
		}
		rl.Received(c, frame)
	}
}

// classifyReadError logs why reading stopped. It returns nil for an orderly close.
func (c *client) classifyReadError(err error) error {
	switch {
	case c.stopped():
		// The connection was closed from this side.
		return nil
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithError(err).Warn("Frame exceeded maximum size")
		return err
	case isExpectedCloseError(err):
		c.log.WithError(err).Debug("Client disconnected")
		return nil
	default:
		c.log.WithError(err).Warn("Error reading from client")
		return err
	}
}

// writePump writes queued frames until the client is stopped,
// then flushes what is left, writes the close frame and closes the connection.
func (c *client) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("Error closing connection")
		}
	}()

	for {
		select {
		case <-c.wake:
			if err := c.writeAll(c.takePending()); err != nil {
				c.log.WithError(err).Warn("Error writing to client")
				c.stop(0, "", errors.Wrap(err, "Write"))
				return
			}

		case <-c.done:
			if c.closeCode == 0 {
				return
			}
			c.writeAll(c.takePending())
			c.writeClose()
			return
		}
	}
}

// writeAll writes frames in order, one WebSocket message each.
func (c *client) writeAll(frames [][]byte) error {
	for _, frame := range frames {
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *client) writeClose() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout)); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Debug("Error writing close frame")
	}
}

func isExpectedCloseError(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent)
}
