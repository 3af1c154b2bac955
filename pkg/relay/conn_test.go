package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var errBroken = errors.New("broken pipe")

// fakeConn records the frames sent to it.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return ErrConnClosed
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// take returns the frames received so far as strings, and forgets them.
func (c *fakeConn) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]string, len(c.frames))
	for i, frame := range c.frames {
		frames[i] = string(frame)
	}
	c.frames = nil
	return frames
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// decodeFrames decodes frames into generic envelopes.
func decodeFrames(t *testing.T, frames []string) []map[string]interface{} {
	t.Helper()
	envelopes := make([]map[string]interface{}, len(frames))
	for i, frame := range frames {
		require.NoError(t, json.Unmarshal([]byte(frame), &envelopes[i]), "frame %d: %s", i, frame)
	}
	return envelopes
}
