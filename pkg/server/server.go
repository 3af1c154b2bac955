// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server accepts WebSocket connections and hands them to a relay.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/chanrelay/pkg/relay"
)

// Defaults used when a Config field is zero.
const (
	DefaultMaxMessageSize = 16 << 20
	DefaultWriteTimeout   = 10 * time.Second

	defaultReadHeaderTimeout = 10 * time.Second
)

// Config holds the transport settings of a Server.
type Config struct {
	// MaxMessageSize is the largest frame accepted from a client, in bytes.
	// Larger frames close the connection. Negative means unlimited.
	MaxMessageSize int64

	// WriteTimeout bounds every write to a client.
	WriteTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return cfg
}

// Server Contains state for a chanrelay WebSocket server.
type Server struct {
	cfg      Config
	relay    *relay.Relay
	log      logrus.FieldLogger
	http     *http.Server
	upgrader websocket.Upgrader

	lock    sync.Mutex
	clients map[*client]struct{}
	closing bool
	wg      sync.WaitGroup // One per tracked client, done when both pumps have stopped
}

// New creates a server which feeds connections to rl.
func New(cfg Config, rl *relay.Relay, log logrus.FieldLogger) *Server {
	srv := &Server{
		cfg:   cfg.withDefaults(),
		relay: rl,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers, plugins and scripts all connect from different origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	srv.http = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

// Listen binds addr. A server that cannot bind its port cannot do anything useful,
// so callers should treat the error as fatal.
func Listen(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "Listen")
	}
	return listener, nil
}

// Serve accepts connections on listener until Shutdown is called.
func (srv *Server) Serve(listener net.Listener) error {
	srv.log.WithFields(logrus.Fields{
		"addr":             listener.Addr().String(),
		"max_message_size": srv.cfg.MaxMessageSize,
	}).Info("Listening for incoming connections")

	if err := srv.http.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Serve")
	}
	return nil
}

// Shutdown stops accepting connections, closes every open one with a going away status,
// and waits for them to finish until ctx is done.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.lock.Lock()
	srv.closing = true
	clients := make([]*client, 0, len(srv.clients))
	for c := range srv.clients {
		clients = append(clients, c)
	}
	srv.lock.Unlock()

	// Hijacked connections are not tracked by http.Server, so they are closed here.
	err := srv.http.Shutdown(ctx)
	srv.log.WithField("connections", len(clients)).Info("Closing connections")
	for _, c := range clients {
		c.stop(websocket.CloseGoingAway, "Server shutting down", nil)
	}

	finished := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Wait for connections to close")
	}
	return errors.Wrap(err, "Shutdown HTTP server")
}

// track adds c to the set of open clients. It returns false once the server is shutting down.
func (srv *Server) track(c *client) bool {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.closing {
		return false
	}
	srv.clients[c] = struct{}{}
	srv.wg.Add(1)
	return true
}

func (srv *Server) untrack(c *client) {
	srv.lock.Lock()
	delete(srv.clients, c)
	srv.lock.Unlock()
	srv.wg.Done()
}

func (srv *Server) shuttingDown() bool {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return srv.closing
}

// serveClient runs c until it closes. The relay is told about c before any of its frames.
func (srv *Server) serveClient(c *client) {
	srv.relay.Connected(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	go func() {
		c.readPump(srv.relay)
		<-writerDone
		srv.untrack(c)
	}()
}
