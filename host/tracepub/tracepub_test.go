package tracepub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/ardnew/softdap/pkg"
)

func TestClientOptionsFromURL(t *testing.T) {
	tests := []struct {
		url    string
		broker string
		prefix string
		user   string
		client string
	}{
		{url: "mqtt://broker:1883", broker: "tcp://broker:1883"},
		{url: "ssl://broker:8883/lab/probe1", broker: "ssl://broker:8883", prefix: "lab/probe1/"},
		{url: "mqtt://me:pw@broker:1883/x/?client-id=dap", broker: "tcp://broker:1883", prefix: "x/", user: "me", client: "dap"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			opts, prefix, err := ClientOptionsFromURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.prefix, prefix)
			require.Len(t, opts.Servers, 1)
			assert.Equal(t, tt.broker, opts.Servers[0].String())
			assert.Equal(t, tt.user, opts.Username)
			assert.Equal(t, tt.client, opts.ClientID)
		})
	}

	_, _, err := ClientOptionsFromURL("/no/host")
	require.True(t, errors.Is(err, pkg.ErrInvalidParameter))
}

type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Error() error                   { return t.err }

// fakeClient records publishes. Methods it does not override panic.
type fakeClient struct {
	paho.Client
	topics   []string
	payloads [][]byte
	fail     error
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	if c.fail != nil {
		return token{c.fail}
	}
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return token{}
}

func TestMQTTSinkWrite(t *testing.T) {
	fc := &fakeClient{}
	s := &MQTTSink{Client: fc, Topic: "lab/swo"}

	buf := []byte("trace")
	n, err := s.Write(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	buf[0] = 'X'

	n, err = s.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"lab/swo"}, fc.topics)
	assert.Equal(t, "trace", string(fc.payloads[0]))
	assert.Equal(t, uint64(1), s.Published())

	fc.fail = errors.New("broker gone")
	_, err = s.Write([]byte("more"))
	require.Error(t, err)
	assert.Equal(t, uint64(1), s.Published())
}

func TestNewMQTTSinkTopic(t *testing.T) {
	s, err := NewMQTTSink("mqtt://broker:1883/lab", "")
	require.NoError(t, err)
	assert.Equal(t, "lab/"+DefaultTopic, s.Topic)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	return ws
}

func TestWebSocketHubFanOut(t *testing.T) {
	hub := NewWebSocketHub(0)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	waitFor(t, func() bool { return hub.Clients() == 2 })

	n, err := hub.Write([]byte("swo"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, ws := range []*websocket.Conn{a, b} {
		var msg []byte
		require.NoError(t, websocket.Message.Receive(ws, &msg))
		assert.Equal(t, "swo", string(msg))
	}

	require.NoError(t, a.Close())
	waitFor(t, func() bool { return hub.Clients() == 1 })

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())
	_, err = hub.Write([]byte("late"))
	require.True(t, errors.Is(err, pkg.ErrNotRunning))
	b.Close()
}

func TestWebSocketHubDropsForSlowClient(t *testing.T) {
	hub := NewWebSocketHub(1)
	ch := make(chan []byte, 1)
	hub.clients[nil] = ch

	hub.Write([]byte("one"))
	hub.Write([]byte("two"))
	assert.Equal(t, uint64(1), hub.Dropped())
	assert.Equal(t, "one", string(<-ch))
	delete(hub.clients, nil)
}

func TestPublishConsoleAndWebSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var console bytes.Buffer
	subscribed := make(chan *websocket.Conn, 1)
	received := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Publish(context.Background(), Targets{Console: &console, Listen: addr},
			func(ctx context.Context, w io.Writer) (int64, error) {
				var ws *websocket.Conn
				deadline := time.Now().Add(2 * time.Second)
				for ws == nil && time.Now().Before(deadline) {
					ws, _ = websocket.Dial("ws://"+addr, "", "http://"+addr)
					if ws == nil {
						time.Sleep(5 * time.Millisecond)
					}
				}
				if ws == nil {
					return 0, errors.New("no subscriber")
				}
				subscribed <- ws

				// The hub registers the client after the handshake; repeat
				// until the subscriber has seen a message.
				var total int64
				for {
					n, err := w.Write([]byte("swo"))
					total += int64(n)
					if err != nil {
						return total, err
					}
					select {
					case <-received:
						return total, nil
					case <-time.After(10 * time.Millisecond):
					}
				}
			})
	}()

	ws := <-subscribed
	defer ws.Close()
	var msg []byte
	require.NoError(t, websocket.Message.Receive(ws, &msg))
	assert.Equal(t, "swo", string(msg))
	close(received)
	require.NoError(t, <-done)
	assert.True(t, strings.HasPrefix(console.String(), "swo"))
}

func TestPublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Publish(ctx, Targets{}, func(ctx context.Context, w io.Writer) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)
}
