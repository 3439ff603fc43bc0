package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/pulsemarket/internal/persist"
)

func TestFrameWrapsPayload(t *testing.T) {
	out, err := frame("markets", []byte(`{"id":"m1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"markets","payload":{"id":"m1"}}`, string(out))

	out, err = frame("pulse", []byte("not json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pulse","payload":"not json"}`, string(out))
}

func TestProtoFrameMirrorsEnvelope(t *testing.T) {
	out, err := frame("markets", []byte(`{"id":"m1","pulse":42}`))
	require.NoError(t, err)
	bin, err := protoFrame(out)
	require.NoError(t, err)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(bin, &st))
	assert.Equal(t, "markets", st.Fields["type"].GetStringValue())
	payload := st.Fields["payload"].GetStructValue()
	require.NotNil(t, payload)
	assert.Equal(t, "m1", payload.Fields["id"].GetStringValue())
	assert.Equal(t, float64(42), payload.Fields["pulse"].GetNumberValue())

	_, err = protoFrame([]byte("nope"))
	assert.Error(t, err)
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"markets": true, "vault:*": true}}
	assert.True(t, c.isSubscribed("markets"))
	assert.True(t, c.isSubscribed("vault:a"))
	assert.False(t, c.isSubscribed("pulse"))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"markets"}})
	c.handleSubscription(subscribeMsg{Action: "SUBSCRIBE", Channels: []string{"pulse"}})
	assert.False(t, c.isSubscribed("markets"))
	assert.True(t, c.isSubscribed("pulse"))
}

func TestHubForwardsBusMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := persist.NewMemoryBus()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Channels: []string{"markets", "pulse"},
		Status:   func() any { return map[string]any{"mode": "local"} },
	})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var status Envelope
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status.Type)
	assert.JSONEq(t, `{"mode":"local"}`, string(status.Payload))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = bus.Publish(ctx, "markets", []byte(`{"id":"m1"}`))
			}
		}
	}()

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "markets", env.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "m1", payload["id"])
}
