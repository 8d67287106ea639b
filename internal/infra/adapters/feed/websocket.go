package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
)

// WebSocketFeed consumes a stream of JSON ticks. Each text message carries a
// tick object or an array of ticks.
type WebSocketFeed struct {
	url string
	in  *ingester
}

// NewWebSocketFeed constructs a tick feed for url.
func NewWebSocketFeed(url string, publisher eventlog.Publisher, opts ...Option) *WebSocketFeed {
	return &WebSocketFeed{url: url, in: newIngester("wsfeed", publisher, opts)}
}

// Run keeps a session alive until ctx ends, reconnecting with exponential backoff.
func (f *WebSocketFeed) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = f.in.opts.maxInterval
	if policy.InitialInterval > policy.MaxInterval {
		policy.InitialInterval = policy.MaxInterval
	}
	policy.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err == nil {
			policy.Reset()
			f.in.logf("connected to %s", f.url)
			conn.SetReadLimit(f.in.opts.readLimit)
			err = f.read(ctx, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.in.logf("session %s: %v", f.url, err)
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = f.in.opts.maxInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (f *WebSocketFeed) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := f.handle(ctx, data); err != nil {
			return err
		}
	}
}

func (f *WebSocketFeed) handle(ctx context.Context, data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] != '[' {
		return f.in.tick(ctx, data)
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		f.in.drop(ctx, "malformed", "batch %q: %v", truncate(data), err)
		return nil
	}
	for _, raw := range batch {
		if err := f.in.tick(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}
