package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/chanrelay/pkg/relay"
)

type testServer struct {
	*Server
	url string
	reg *relay.Registry
}

// startServer runs a relay and serves it over httptest until the test ends.
func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	reg := relay.NewRegistry()
	rl := relay.New(log, reg, 0)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		rl.Run(ctx)
	}()

	srv := New(cfg, rl, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-stopped
	})
	return &testServer{Server: srv, url: ts.URL, reg: reg}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	assert.Equal(t, "Please join a channel to start chatting", readEnvelope(t, conn)["message"])
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &env), string(frame))
	return env
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestLiveness(t *testing.T) {
	ts := startServer(t, Config{})

	for _, path := range []string{"/", "/anything/at/all"} {
		resp, err := http.Get(ts.url + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"), path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), path)
		assert.Equal(t, LivenessText, string(body), path)
	}
}

func TestPreflight(t *testing.T) {
	ts := startServer(t, Config{})

	req, err := http.NewRequest(http.MethodOptions, ts.url+"/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestRelayOverWebSocket(t *testing.T) {
	ts := startServer(t, Config{})
	a := ts.dial(t)

	send(t, a, `{"type":"join","channel":"design-1","id":"req-1"}`)
	joined := readEnvelope(t, a)
	assert.Equal(t, "broadcast", joined["type"])
	assert.Equal(t, map[string]interface{}{
		"id":     "req-1",
		"result": "Successfully joined channel: design-1",
	}, joined["message"])
	assert.Equal(t, "Joined channel: design-1", readEnvelope(t, a)["message"])
	assert.Equal(t, map[string]interface{}{"result": "Connected to channel: design-1"}, readEnvelope(t, a)["message"])

	b := ts.dial(t)
	send(t, b, `{"type":"join","channel":"design-1"}`)
	readEnvelope(t, b)
	readEnvelope(t, b)
	assert.Equal(t, "A new user has joined the channel", readEnvelope(t, a)["message"])

	send(t, a, `{"type":"message","channel":"design-1","message":{"cmd":"ping"}}`)
	own := readEnvelope(t, a)
	other := readEnvelope(t, b)
	assert.Equal(t, "You", own["sender"])
	assert.Equal(t, "User", other["sender"])
	assert.Equal(t, map[string]interface{}{"cmd": "ping"}, other["message"])
	assert.Equal(t, "design-1", other["channel"])

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	left := readEnvelope(t, a)
	assert.Equal(t, "system", left["type"])
	assert.Equal(t, "A user has left the channel", left["message"])

	require.Eventually(t, func() bool {
		return ts.reg.Stats().NumConns == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// collectMessages reads n broadcast payloads from conn in the background.
func collectMessages(conn *websocket.Conn, n int) <-chan []interface{} {
	out := make(chan []interface{}, 1)
	go func() {
		defer close(out)
		payloads := make([]interface{}, 0, n)
		defer func() { out <- payloads }()
		for len(payloads) < n {
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env map[string]interface{}
			if json.Unmarshal(frame, &env) != nil || env["type"] != "broadcast" {
				continue
			}
			payloads = append(payloads, env["message"])
		}
	}()
	return out
}

func TestBurstReachesEveryMemberInOrder(t *testing.T) {
	const n = 1000
	ts := startServer(t, Config{})
	a := ts.dial(t)
	b := ts.dial(t)
	for _, conn := range []*websocket.Conn{a, b} {
		send(t, conn, `{"type":"join","channel":"c"}`)
		readEnvelope(t, conn)
		readEnvelope(t, conn)
	}
	readEnvelope(t, a) // b joined

	fromA := collectMessages(a, n)
	fromB := collectMessages(b, n)
	for i := 0; i < n; i++ {
		send(t, a, fmt.Sprintf(`{"type":"message","channel":"c","message":%d}`, i))
	}

	for name, got := range map[string][]interface{}{"a": <-fromA, "b": <-fromB} {
		require.Len(t, got, n, name)
		for i, payload := range got {
			require.Equal(t, float64(i), payload, "%s frame %d", name, i)
		}
	}
	assert.Equal(t, 2, ts.reg.Stats().NumConns)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	ts := startServer(t, Config{})
	a := ts.dial(t)

	send(t, a, `{not json`)
	send(t, a, `{"type":"message","channel":"room","message":"early"}`)
	assert.Equal(t, map[string]interface{}{
		"type":    "error",
		"message": "You must join the channel first",
	}, readEnvelope(t, a))
}

func TestBinaryFramesAreParsed(t *testing.T) {
	ts := startServer(t, Config{})
	a := ts.dial(t)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"join","channel":"bin"}`)))
	assert.Equal(t, "Joined channel: bin", readEnvelope(t, a)["message"])
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	ts := startServer(t, Config{MaxMessageSize: 64})
	a := ts.dial(t)

	send(t, a, `{"type":"message","channel":"room","message":"`+strings.Repeat("x", 128)+`"}`)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)

	require.Eventually(t, func() bool {
		return ts.reg.Stats().NumConns == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	ts := startServer(t, Config{})
	conns := []*websocket.Conn{ts.dial(t), ts.dial(t)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/", nil)
	assert.Error(t, err, "upgrades are refused while shutting down")
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestStatsHandler(t *testing.T) {
	ts := startServer(t, Config{})
	a := ts.dial(t)
	send(t, a, `{"type":"join","channel":"room"}`)
	readEnvelope(t, a)
	readEnvelope(t, a)

	log, _ := test.NewNullLogger()
	rec := httptest.NewRecorder()
	NewStatsHandler(ts.reg, log).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatsPath, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var stats relay.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.NumConns)
	assert.Equal(t, 1, stats.NumChannels)
	assert.Equal(t, 1, stats.MaxConns)
}
