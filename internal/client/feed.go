package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/smartmark/smartmark/internal/feed"
	"github.com/smartmark/smartmark/internal/reconcile"
)

// readyTimeout bounds the wait for the server's ready frame.
const readyTimeout = 10 * time.Second

// FeedConn is one change feed subscription. It is not reconnected
// automatically; after Next reports reconcile.ErrConnection the caller
// dials again and resynchronizes.
type FeedConn struct {
	conn    *websocket.Conn
	pending []feed.Event
	logger  *log.Logger
}

// DialFeed opens a subscription and waits until the server confirms it.
// Events published after DialFeed returns are guaranteed to be delivered
// while the connection lasts.
func (c *Client) DialFeed(ctx context.Context) (*FeedConn, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to subscribe: %w", reconcile.ErrUnauthorized)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to dial feed: %v", reconcile.ErrConnection, err)
	}

	f := &FeedConn{
		conn:   conn,
		logger: log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	for {
		ev, err := f.read(readyCtx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: no ready frame within %s", reconcile.ErrConnection, readyTimeout)
			}
			return nil, err
		}
		if ev.Type == feed.EventReady {
			return f, nil
		}
		f.pending = append(f.pending, ev)
	}
}

// SetLogger replaces the logger used for malformed frames.
func (f *FeedConn) SetLogger(logger *log.Logger) {
	if logger != nil {
		f.logger = logger
	}
}

// Next blocks until the next event arrives. Malformed frames are skipped.
func (f *FeedConn) Next(ctx context.Context) (feed.Event, error) {
	if len(f.pending) > 0 {
		ev := f.pending[0]
		f.pending = f.pending[1:]
		return ev, nil
	}
	for {
		ev, err := f.read(ctx)
		if err != nil {
			return feed.Event{}, err
		}
		if ev.Type != feed.EventReady {
			return ev, nil
		}
	}
}

func (f *FeedConn) read(ctx context.Context) (feed.Event, error) {
	for {
		_, data, err := f.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return feed.Event{}, ctx.Err()
			}
			return feed.Event{}, fmt.Errorf("%w: %v", reconcile.ErrConnection, err)
		}
		ev, err := feed.Decode(data)
		if err != nil {
			f.logger.Printf("Skipping malformed frame: %v", err)
			continue
		}
		return ev, nil
	}
}

// Close ends the subscription.
func (f *FeedConn) Close() error {
	return f.conn.Close(websocket.StatusNormalClosure, "")
}
