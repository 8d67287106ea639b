package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
)

type record struct {
	topic   schema.Topic
	key     string
	payload any
}

type capture struct {
	mu      sync.Mutex
	records []record
	notify  chan struct{}
}

func newCapture() *capture {
	return &capture{notify: make(chan struct{}, 64)}
}

func (c *capture) Publish(_ context.Context, topic schema.Topic, key string, _ schema.EventType, payload any, _ ...eventlog.PublishOption) (int64, error) {
	c.mu.Lock()
	c.records = append(c.records, record{topic: topic, key: key, payload: payload})
	n := len(c.records)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return int64(n), nil
}

func (c *capture) snapshot() []record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record(nil), c.records...)
}

func (c *capture) waitFor(t *testing.T, n int) []record {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, have %d", n, len(c.snapshot()))
		}
	}
}

func registry(t *testing.T) *schema.InstrumentRegistry {
	t.Helper()
	reg, err := schema.NewInstrumentRegistry(schema.Instrument{
		ID:       "NIFTY",
		Symbol:   "NIFTY",
		Exchange: "NSE",
		LotSize:  decimal.NewFromInt(50),
		TickSize: decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestTickFileSkipsInvalidLines(t *testing.T) {
	body := strings.Join([]string{
		`# session open`,
		`{"instrument_id":"NIFTY","timestamp":"2026-03-02T03:45:00Z","last_price":"100.05","volume":"10"}`,
		``,
		`not json`,
		`{"instrument_id":"BANKNIFTY","last_price":"200"}`,
		`{"instrument_id":"NIFTY","last_price":"0"}`,
		`{"instrument_id":"NIFTY","last_price":"100.10"}`,
	}, "\n")
	stamp := time.Date(2026, 3, 2, 3, 46, 0, 0, time.UTC)
	pub := newCapture()
	feed := NewTickFile("ticks.jsonl", pub, WithLogger(nil), WithInstruments(registry(t)),
		WithClock(func() time.Time { return stamp }))

	lines, err := feed.Consume(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if lines != 5 {
		t.Fatalf("expected 5 records read, got %d", lines)
	}
	got := pub.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 ticks published, got %d", len(got))
	}
	first := got[0].payload.(schema.Tick)
	if got[0].topic != schema.TopicTick || got[0].key != "NIFTY" || first.Source != "tickfile" {
		t.Fatalf("unexpected first record %+v", got[0])
	}
	if second := got[1].payload.(schema.Tick); !second.Timestamp.Equal(stamp) {
		t.Fatalf("expected missing timestamp stamped with clock, got %s", second.Timestamp)
	}
}

func TestSignalFileValidatesSignals(t *testing.T) {
	body := strings.Join([]string{
		`{"signal_id":"s-1","strategy_id":"orb","instrument_id":"NIFTY","direction":"enter_long","strength":0.8}`,
		`{"signal_id":"s-2","strategy_id":"orb","instrument_id":"NIFTY","direction":"sideways"}`,
		`{"signal_id":"","strategy_id":"orb","instrument_id":"NIFTY","direction":"exit"}`,
	}, "\n")
	path := filepath.Join(t.TempDir(), "signals.jsonl")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	pub := newCapture()
	if err := NewSignalFile(path, pub, WithLogger(nil)).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := pub.snapshot()
	if len(got) != 1 || got[0].topic != schema.TopicSignal {
		t.Fatalf("expected one signal, got %+v", got)
	}
	if sig := got[0].payload.(schema.Signal); sig.SignalID != "s-1" || sig.Timestamp.IsZero() {
		t.Fatalf("unexpected signal %+v", sig)
	}
}

func TestFileFeedMissingFile(t *testing.T) {
	feed := NewTickFile(filepath.Join(t.TempDir(), "missing.jsonl"), newCapture(), WithLogger(nil))
	if err := feed.Run(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWebSocketFeedReconnects(t *testing.T) {
	var mu sync.Mutex
	sessions := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		sessions++
		session := sessions
		mu.Unlock()
		ctx := r.Context()
		if session == 1 {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"instrument_id":"NIFTY","last_price":"100"}`))
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{broken`))
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`[{"instrument_id":"NIFTY","last_price":"101"},{"instrument_id":"NIFTY","last_price":"102"}]`))
		<-ctx.Done()
	}))
	defer srv.Close()

	pub := newCapture()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := NewWebSocketFeed(url, pub, WithLogger(nil), WithMaxReconnectInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	got := pub.waitFor(t, 3)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"100", "101", "102"}
	for i, rec := range got[:3] {
		if price := rec.payload.(schema.Tick).LastPrice.String(); price != want[i] {
			t.Fatalf("tick %d: expected %s, got %s", i, want[i], price)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if sessions < 2 {
		t.Fatalf("expected a reconnect, got %d sessions", sessions)
	}
}
