package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (s *recSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recSender) Name() string { return "rec" }

func (s *recSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func TestNotifierFiltersAndDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &recSender{}
	n := NewNotifier([]Sender{s}, []string{"market_resolved", " market_voided "}, discardLogger())
	go n.Run(ctx)

	require.NoError(t, n.Notify(ctx, "market_resolved", "m1 resolved", "YES"))
	require.NoError(t, n.Notify(ctx, "timing_malformed", "m2 malformed", ""))
	require.NoError(t, n.Notify(ctx, "market_voided", "m3 voided", ""))

	assert.Eventually(t, func() bool { return len(s.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1 resolved", "m3 voided"}, s.sent())
}

func TestNotifierWithoutSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.False(t, n.Enabled())
	for i := 0; i < queueSize+10; i++ {
		require.NoError(t, n.Notify(context.Background(), "market_resolved", "t", "m"))
	}
}

func TestNotifyNowJoinsFailures(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &recSender{}, &recSender{err: boom}
	n := NewNotifier([]Sender{bad, ok}, nil, discardLogger())

	err := n.NotifyNow(context.Background(), "title", "msg")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"title"}, ok.sent(), "later senders still receive")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "market_resolved", "m1 -> YES"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*market\\_resolved*\nm1 -> YES", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}
