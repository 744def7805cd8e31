package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/config"
	"github.com/bloodbridge/chat-client/internal/session"
	"github.com/bloodbridge/chat-client/internal/transport"
)

func TestNewTransport(t *testing.T) {
	cfg := config.Default()

	tr, err := newTransport(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &transport.WS{}, tr)

	cfg.Gateway.Kind = config.TransportNATS
	tr, err = newTransport(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &transport.NATS{}, tr)

	cfg.Gateway.Kind = "carrier-pigeon"
	_, err = newTransport(cfg, nil)
	assert.Error(t, err)
}

func TestHealthzBeforeStart(t *testing.T) {
	tr, err := newTransport(config.Default(), nil)
	require.NoError(t, err)
	m := session.New(tr, nil, session.DefaultConfig(), nil)
	defer m.Close()

	srv := httptest.NewServer(newRouter(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestPrintChanges(t *testing.T) {
	alice := chat.Identity{ID: "u1", Name: "Alice"}
	bob := chat.Identity{ID: "u2", Name: "Bob"}
	at := time.Date(2024, 5, 1, 15, 4, 0, 0, time.UTC)
	c1 := chat.Chat{ID: "c1", Participants: []chat.Identity{alice, bob}, Unread: map[string]int{"u1": 1}}

	prev := session.Snapshot{Identity: alice, Started: true, State: transport.Connecting}
	cur := session.Snapshot{
		Identity:     alice,
		Started:      true,
		State:        transport.Connected,
		Chats:        []chat.Chat{c1},
		ActiveChatID: "c1",
		Messages: []chat.Message{
			{ID: "m1", ChatID: "c1", Sender: bob, Content: "hi", CreatedAt: at},
			{ID: "local-1", ChatID: "c1", Sender: alice, Content: "pending", Provisional: true},
		},
		Typing: map[string]chat.Typist{"c1": {UserID: "u2", UserName: "Bob"}},
	}

	var out bytes.Buffer
	printChanges(&out, prev, cur)

	assert.Equal(t, "state: connected\n"+
		"chat c1 with Bob: 1 unread\n"+
		"[3:04PM] Bob: hi\n"+
		"Bob is typing...\n", out.String())

	out.Reset()
	printChanges(&out, cur, cur)
	assert.Empty(t, out.String())
}
