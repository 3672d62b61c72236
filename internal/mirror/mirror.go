// Package mirror keeps a reconciliation engine subscribed to the change feed
// of one user for as long as the mirror runs.
//
// The lifecycle is:
//  1. Open the feed subscription and wait for the server to confirm it
//  2. Fetch a snapshot and Initialize the engine with it
//  3. Apply feed events, including any that arrived during step 2
//  4. On connection loss, wait ReconnectDelay and start again at step 1
//
// Subscribing before taking the snapshot means no mutation can fall between
// the two; events already reflected in the snapshot are ignored by the
// engine.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/feed"
	"github.com/smartmark/smartmark/internal/reconcile"
)

// Engine is the part of the reconciliation engine a mirror drives.
type Engine interface {
	Initialize(records []bookmark.Record)
	ApplyFeedEvent(ev feed.Event)
}

// Snapshotter fetches the authoritative collection.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]bookmark.Record, error)
}

// Feed is one open subscription.
type Feed interface {
	Next(ctx context.Context) (feed.Event, error)
	Close() error
}

// DialFunc opens a subscription. It returns once the server confirms it.
type DialFunc func(ctx context.Context) (Feed, error)

// Status describes the subscription state.
type Status int

const (
	StatusConnecting Status = iota
	StatusLive
	StatusReconnecting
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusReconnecting:
		return "reconnecting"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Config holds mirror configuration.
type Config struct {
	// ReconnectDelay is how long to wait before resubscribing after the
	// connection drops (default: 2s)
	ReconnectDelay time.Duration

	// OnStatus is called on every status change (optional)
	OnStatus func(Status)

	// Logger for mirror activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay: 2 * time.Second,
	}
}

// Mirror owns the feed subscription for one engine.
type Mirror struct {
	engine    Engine
	snapshots Snapshotter
	dial      DialFunc
	config    *Config
	logger    *log.Logger

	mu      sync.Mutex
	status  Status
	err     error
	syncs   int
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a mirror. Use Start to subscribe.
func New(engine Engine, snapshots Snapshotter, dial DialFunc, config *Config) (*Mirror, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshotter cannot be nil")
	}
	if dial == nil {
		return nil, fmt.Errorf("dial cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}

	return &Mirror{
		engine:    engine,
		snapshots: snapshots,
		dial:      dial,
		config:    config,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start subscribes and loads the first snapshot before returning, so the
// engine holds a complete view once Start succeeds. Reconnects happen in the
// background until Stop is called or ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("mirror already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.setStatus(StatusConnecting)
	f, err := m.connect()
	if err != nil {
		m.cancel()
		m.finish(err)
		return fmt.Errorf("initial sync failed: %w", err)
	}

	m.wg.Add(1)
	go m.run(f)
	return nil
}

// Stop unsubscribes and waits for the feed pump to exit. It is safe to call
// more than once.
func (m *Mirror) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Done is closed once the mirror stops for good.
func (m *Mirror) Done() <-chan struct{} { return m.done }

// Err returns the error that stopped the mirror, if any.
func (m *Mirror) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Status returns the current subscription state.
func (m *Mirror) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Syncs returns how many snapshots have been loaded.
func (m *Mirror) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// connect opens the feed, then loads a snapshot into the engine.
func (m *Mirror) connect() (Feed, error) {
	f, err := m.dial(m.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	records, err := m.snapshots.Snapshot(m.ctx)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	m.engine.Initialize(records)

	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()

	m.logger.Printf("Synced %d bookmarks", len(records))
	m.setStatus(StatusLive)
	return f, nil
}

func (m *Mirror) run(f Feed) {
	defer m.wg.Done()

	for {
		err := m.pump(f)
		_ = f.Close()

		if m.ctx.Err() != nil {
			m.finish(nil)
			return
		}
		if errors.Is(err, reconcile.ErrUnauthorized) {
			m.logger.Printf("Subscription rejected: %v", err)
			m.finish(err)
			return
		}

		m.logger.Printf("Feed lost: %v (resubscribing in %s)", err, m.config.ReconnectDelay)
		m.setStatus(StatusReconnecting)

		for {
			select {
			case <-m.ctx.Done():
				m.finish(nil)
				return
			case <-time.After(m.config.ReconnectDelay):
			}

			f, err = m.connect()
			if err == nil {
				break
			}
			if errors.Is(err, reconcile.ErrUnauthorized) {
				m.logger.Printf("Subscription rejected: %v", err)
				m.finish(err)
				return
			}
			if m.ctx.Err() != nil {
				m.finish(nil)
				return
			}
			m.logger.Printf("Resubscribe failed: %v", err)
		}
	}
}

// pump applies events until the feed fails or the mirror stops.
func (m *Mirror) pump(f Feed) error {
	for {
		ev, err := f.Next(m.ctx)
		if err != nil {
			return err
		}
		m.engine.ApplyFeedEvent(ev)
	}
}

func (m *Mirror) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()

	if changed && m.config.OnStatus != nil {
		m.config.OnStatus(s)
	}
}

func (m *Mirror) finish(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	m.setStatus(StatusStopped)
	close(m.done)
}
