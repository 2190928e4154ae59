package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recorder struct {
	mu       sync.Mutex
	messages []Message
	statuses []Status
}

func (r *recorder) handler() Handler {
	return Handler{
		OnMessage: func(m Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnStatus: func(s Status, _ error) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) ofType(typ string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) hasStatus(s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func (r *recorder) count(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.statuses {
		if got == s {
			n++
		}
	}
	return n
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestClientIdentifiesAndRelays(t *testing.T) {
	server, srv := startServer(t, ServerConfig{})

	rec := &recorder{}
	client := NewClient("cam0", ClientConfig{URL: wsURL(srv, "/ws/streamer")}, rec.handler(), zerolog.Nop())
	client.Start(context.Background())
	defer client.Close()

	require.Eventually(t, func() bool { return client.CommittedID() == "cam0" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cam0"}, server.StreamerIDs())
	assert.True(t, rec.hasStatus(StatusUp))

	player, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/player?streamer=cam0"), nil)
	require.NoError(t, err)
	defer player.Close()

	require.Eventually(t, func() bool { return len(rec.ofType(TypePlayerConnected)) == 1 }, 2*time.Second, 10*time.Millisecond)
	joined := rec.ofType(TypePlayerConnected)[0]
	assert.True(t, joined.DataChannel)
	assert.NotEmpty(t, joined.PlayerID)

	require.NoError(t, client.Send(Message{Type: TypeOffer, PlayerID: joined.PlayerID, SDP: "v=0 offer"}))

	_ = player.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := player.ReadMessage()
		require.NoError(t, err)
		msg, err := PixelStreaming{}.Decode(data)
		require.NoError(t, err)
		if msg.Type == TypeOffer {
			assert.Equal(t, "v=0 offer", msg.SDP)
			break
		}
	}

	answer := `{"type":"answer","playerId":"ignored","sdp":"v=0 answer"}`
	require.NoError(t, player.WriteMessage(websocket.TextMessage, []byte(answer)))

	require.Eventually(t, func() bool { return len(rec.ofType(TypeAnswer)) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.ofType(TypeAnswer)[0]
	assert.Equal(t, joined.PlayerID, got.PlayerID)
	assert.Equal(t, "cam0", got.StreamerID)

	player.Close()
	require.Eventually(t, func() bool { return len(rec.ofType(TypePlayerDisconnected)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerSuffixesTakenStreamerID(t *testing.T) {
	_, srv := startServer(t, ServerConfig{})
	url := wsURL(srv, "/ws/streamer")

	first := NewClient("cam0", ClientConfig{URL: url}, Handler{}, zerolog.Nop())
	first.Start(context.Background())
	defer first.Close()
	require.Eventually(t, func() bool { return first.CommittedID() == "cam0" }, 2*time.Second, 10*time.Millisecond)

	second := NewClient("cam0", ClientConfig{URL: url}, Handler{}, zerolog.Nop())
	second.Start(context.Background())
	defer second.Close()
	require.Eventually(t, func() bool { return second.CommittedID() == "cam02" }, 2*time.Second, 10*time.Millisecond)
}

func TestClientAnswersPing(t *testing.T) {
	pongs := make(chan Message, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","time":42}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := (PixelStreaming{}).Decode(data); err == nil && msg.Type == TypePong {
				select {
				case pongs <- msg:
				default:
				}
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient("cam0", ClientConfig{URL: wsURL(srv, "/")}, Handler{}, zerolog.Nop())
	client.Start(context.Background())
	defer client.Close()

	select {
	case msg := <-pongs:
		assert.EqualValues(t, 42, msg.Time)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv, "/ws/streamer")
	srv.Close()

	rec := &recorder{}
	client := NewClient("cam0", ClientConfig{
		URL:            url,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxRetries:     2,
	}, rec.handler(), zerolog.Nop())
	client.Start(context.Background())
	defer client.Close()

	require.Eventually(t, func() bool { return rec.hasStatus(StatusFailed) }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, rec.hasStatus(StatusUp))
}

func TestClientSendAfterClose(t *testing.T) {
	client := NewClient("cam0", ClientConfig{URL: "ws://127.0.0.1:1/"}, Handler{}, zerolog.Nop())
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(Message{Type: TypePong}), ErrClosed)
	require.NoError(t, client.Close())
}

func TestClientQueueFull(t *testing.T) {
	client := NewClient("cam0", ClientConfig{URL: "ws://127.0.0.1:1/", SendBuffer: 1}, Handler{}, zerolog.Nop())
	defer client.Close()

	require.NoError(t, client.Send(Message{Type: TypePong}))
	assert.ErrorIs(t, client.Send(Message{Type: TypePong}), ErrQueueFull)
}

func TestStreamerEndpointRequiresToken(t *testing.T) {
	_, srv := startServer(t, ServerConfig{TokenSecret: "s3cret"})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/streamer"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueToken("s3cret", "cam0", time.Minute)
	require.NoError(t, err)

	client := NewClient("cam0", ClientConfig{URL: wsURL(srv, "/ws/streamer"), Token: token}, Handler{}, zerolog.Nop())
	client.Start(context.Background())
	defer client.Close()
	require.Eventually(t, func() bool { return client.CommittedID() == "cam0" }, 2*time.Second, 10*time.Millisecond)
}

func TestPlayerRejectedWithoutStreamer(t *testing.T) {
	_, srv := startServer(t, ServerConfig{})

	resp, err := http.Get(srv.URL + "/ws/player?streamer=nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientWaitsBeforeReconnecting(t *testing.T) {
	var (
		mu      sync.Mutex
		accepts []time.Time
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		accepts = append(accepts, time.Now())
		first := len(accepts) == 1
		mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"identify"}`))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"endpointIdConfirm","committedId":"cam0"}`))
		if first {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	client := NewClient("cam0", ClientConfig{
		URL:            wsURL(srv, "/"),
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, rec.handler(), zerolog.Nop())
	client.Start(context.Background())
	defer client.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(accepts) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, rec.hasStatus(StatusDown))

	mu.Lock()
	gap := accepts[1].Sub(accepts[0])
	mu.Unlock()
	// randomization may shorten the first interval to half
	assert.GreaterOrEqual(t, gap, 100*time.Millisecond)

	require.Eventually(t, func() bool { return rec.count(StatusUp) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.hasStatus(StatusFailed))
}

func TestClientGivesUpOnRepeatedDrops(t *testing.T) {
	var (
		mu      sync.Mutex
		accepts int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepts++
		mu.Unlock()
		conn.Close()
	}))
	defer srv.Close()

	rec := &recorder{}
	client := NewClient("cam0", ClientConfig{
		URL:            wsURL(srv, "/"),
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		MaxRetries:     2,
	}, rec.handler(), zerolog.Nop())
	client.Start(context.Background())
	defer client.Close()

	require.Eventually(t, func() bool { return rec.hasStatus(StatusFailed) }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, accepts)
}
