package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordSender) Name() string { return "record" }

func (r *recordSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestNotifierFiltersEvents(t *testing.T) {
	rec := &recordSender{}
	n := NewNotifier([]Sender{rec}, []string{"whale"}, 0, discardLogger())

	if err := n.Notify(context.Background(), "archive", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), "whale", "w", "b"); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 1 || rec.titles[0] != "w" {
		t.Fatalf("titles = %v, want [w]", rec.titles)
	}
}

func TestNotifierThrottles(t *testing.T) {
	rec := &recordSender{}
	n := NewNotifier([]Sender{rec}, nil, 2, discardLogger())

	for i := 0; i < 5; i++ {
		if err := n.Notify(context.Background(), "whale", "w", "b"); err != nil {
			t.Fatal(err)
		}
	}
	if rec.count() != 2 {
		t.Fatalf("sent %d, want 2 (burst)", rec.count())
	}
	if n.Suppressed() != 3 {
		t.Fatalf("suppressed = %d, want 3", n.Suppressed())
	}
}

func TestNotifierReportsSenderFailure(t *testing.T) {
	bad := &recordSender{err: errors.New("boom")}
	good := &recordSender{}
	n := NewNotifier([]Sender{bad, good}, nil, 0, discardLogger())

	err := n.Notify(context.Background(), "whale", "w", "b")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want sender failure", err)
	}
	if good.count() != 1 {
		t.Fatal("failure of one sender must not stop the others")
	}
}

func TestNotifierStopsCallingFailingSender(t *testing.T) {
	bad := &recordSender{err: errors.New("webhook gone")}
	good := &recordSender{}
	n := NewNotifier([]Sender{bad, good}, nil, 0, discardLogger())

	var last error
	for i := 0; i < senderFailureThreshold+2; i++ {
		last = n.Notify(context.Background(), "whale", "w", "b")
	}
	if bad.count() != senderFailureThreshold {
		t.Fatalf("failing sender called %d times, want %d", bad.count(), senderFailureThreshold)
	}
	if !strings.Contains(last.Error(), domain.ErrCircuitOpen.Error()) {
		t.Fatalf("last err = %v, want circuit open", last)
	}
	if good.count() != senderFailureThreshold+2 {
		t.Fatalf("healthy sender called %d times", good.count())
	}
}

func TestNotifierWithoutSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, 1, discardLogger())
	if n.Enabled() {
		t.Fatal("Enabled() with no senders")
	}
	if err := n.Notify(context.Background(), "whale", "w", "b"); err != nil {
		t.Fatal(err)
	}
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	if err := d.Send(context.Background(), "title", "body"); err != nil {
		t.Fatal(err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "title" || got.Embeds[0].Description != "body" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestDiscordSenderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "retry after 3") {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var msg telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&msg)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	if err := s.Send(context.Background(), "title", "body"); err != nil {
		t.Fatal(err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if msg.ChatID != "42" || msg.Text != "title\nbody" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestTelegramSenderHidesTokenOnTransportError(t *testing.T) {
	s := NewTelegramSender("SECRET", "42")
	s.apiBase = "http://127.0.0.1:1"
	err := s.Send(context.Background(), "t", "m")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Fatalf("error leaks token: %v", err)
	}
}

type chanSubscriber struct {
	ch      chan []byte
	channel string
}

func (c *chanSubscriber) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	c.channel = channel
	return c.ch, nil
}

func TestRelayWhalesForwardsTopTier(t *testing.T) {
	rec := &recordSender{}
	n := NewNotifier([]Sender{rec}, []string{EventWhale}, 0, discardLogger())
	sub := &chanSubscriber{ch: make(chan []byte, 4)}

	small, _ := json.Marshal(domain.WhaleEvent{InstrumentID: "m1", Notional: 2500, WhaleTier: 2, Side: "BUY"})
	big, _ := json.Marshal(domain.WhaleEvent{InstrumentID: "m2", Notional: 15000, WhaleTier: 3, Side: "SELL",
		Timestamp: time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)})
	sub.ch <- small
	sub.ch <- []byte("not json")
	sub.ch <- big
	close(sub.ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = n.RelayWhales(ctx, sub, "whale:events", 3)

	if sub.channel != "whale:events" {
		t.Fatalf("subscribed to %q", sub.channel)
	}
	if rec.count() != 1 {
		t.Fatalf("alerts = %d, want 1", rec.count())
	}
	if rec.titles[0] != "Whale tier 3: $15000 SELL" {
		t.Fatalf("title = %q", rec.titles[0])
	}
}
