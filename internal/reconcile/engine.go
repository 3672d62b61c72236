package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/feed"
)

// PlaceholderPrefix namespaces IDs minted locally for provisional records.
// Record store IDs never carry it.
const PlaceholderPrefix = "local-"

// IsPlaceholder reports whether id was minted locally.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

func newPlaceholder() string {
	return PlaceholderPrefix + uuid.Must(uuid.NewV7()).String()
}

// Gateway performs authoritative mutations on the record store.
type Gateway interface {
	Create(ctx context.Context, title, url string) (bookmark.Record, error)
	Delete(ctx context.Context, id string) error
}

// Session reports the signed-in user, if any.
type Session interface {
	UserID() (string, bool)
}

// StaticSession is a Session fixed for the lifetime of the engine.
type StaticSession string

// UserID implements Session. The empty string means signed out.
func (s StaticSession) UserID() (string, bool) {
	return string(s), s != ""
}

// Clock supplies timestamps for provisional records.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds engine configuration
type Config struct {
	// Gateway confirms mutations (required)
	Gateway Gateway

	// Session gates mutations (required)
	Session Session

	// Clock stamps provisional records (default: system clock)
	Clock Clock

	// MutationTimeout bounds every gateway call (default: 10s)
	MutationTimeout time.Duration

	// DeletedHistory caps how many deleted IDs are remembered once no
	// create is in flight (default: 4096)
	DeletedHistory int

	// Logger for engine activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Clock:           systemClock{},
		MutationTimeout: 10 * time.Second,
		DeletedHistory:  4096,
	}
}

// tombstone remembers a record removed by an optimistic delete so it can be
// put back if the gateway refuses.
type tombstone struct {
	record   bookmark.Record
	mutation *Mutation
}

// Engine holds the canonical view of one user's collection.
//
// All entry points are serialized by a single mutex and never block on the
// network. Gateway calls run in their own goroutines and report back through
// the same mutex, so a gateway response and a feed event for the same record
// are applied one after the other, never interleaved.
type Engine struct {
	mu sync.Mutex

	// view is newest-first and unique by ID.
	view []bookmark.Record

	// provisionals are creates awaiting the gateway, keyed by placeholder.
	provisionals map[string]*Mutation

	// tombstones are deletes awaiting the gateway, keyed by record ID.
	tombstones map[string]*tombstone

	// deleted holds IDs whose deletion was observed. A later created event
	// or gateway response for them is stale. Record IDs are never reused,
	// so the set survives Initialize; deletedOrder trims it oldest first.
	deleted      map[string]struct{}
	deletedOrder []string
	deletedCap   int

	watchers    map[int]chan struct{}
	nextWatcher int
	closed      bool

	gateway Gateway
	session Session
	clock   Clock
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates an engine with an empty view.
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if config.Session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}

	defaults := DefaultConfig()
	clock := config.Clock
	if clock == nil {
		clock = defaults.Clock
	}
	timeout := config.MutationTimeout
	if timeout <= 0 {
		timeout = defaults.MutationTimeout
	}
	deletedCap := config.DeletedHistory
	if deletedCap <= 0 {
		deletedCap = defaults.DeletedHistory
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		view:         []bookmark.Record{},
		provisionals: make(map[string]*Mutation),
		tombstones:   make(map[string]*tombstone),
		deleted:      make(map[string]struct{}),
		deletedCap:   deletedCap,
		watchers:     make(map[int]chan struct{}),
		gateway:      config.Gateway,
		session:      config.Session,
		clock:        clock,
		timeout:      timeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}, nil
}

// Initialize replaces the view with an authoritative snapshot.
//
// It is called once before the change feed is applied and again after every
// reconnect. Creates still in flight stay at the front of the view and
// records with a delete in flight stay hidden. A pending delete whose record
// is missing from the snapshot is settled as confirmed.
func (e *Engine) Initialize(records []bookmark.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	snapshot := make([]bookmark.Record, len(records))
	copy(snapshot, records)
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].CreatedAt.After(snapshot[j].CreatedAt)
	})

	seen := make(map[string]bool, len(snapshot))
	view := make([]bookmark.Record, 0, len(snapshot)+len(e.provisionals))

	pending := make([]bookmark.Record, 0, len(e.provisionals))
	for _, rec := range e.view {
		if _, ok := e.provisionals[rec.ID]; ok {
			pending = append(pending, rec)
		}
	}
	for _, rec := range pending {
		seen[rec.ID] = true
		view = append(view, rec)
	}

	for _, rec := range snapshot {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		if _, ok := e.tombstones[rec.ID]; ok {
			continue
		}
		if _, ok := e.deleted[rec.ID]; ok {
			// Snapshot taken before the deletion reached the server's index.
			continue
		}
		view = append(view, rec)
	}

	for id, ts := range e.tombstones {
		if !seen[id] {
			delete(e.tombstones, id)
			e.rememberDeletedLocked(id)
			ts.mutation.resolve(bookmark.Record{}, nil)
		}
	}

	e.view = view
	e.notifyLocked()
}

// OptimisticCreate inserts a provisional record at the front of the view and
// asks the gateway to create it. It returns immediately.
//
// The returned Mutation settles when the gateway answers or the timeout
// expires. On failure the provisional record has already been removed.
func (e *Engine) OptimisticCreate(title, url string) (*Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	userID, ok := e.session.UserID()
	if !ok {
		return nil, ErrUnauthorized
	}
	if err := bookmark.ValidateFields(title, url); err != nil {
		return nil, err
	}

	rec := bookmark.Record{
		ID:        newPlaceholder(),
		Title:     title,
		URL:       url,
		UserID:    userID,
		CreatedAt: e.clock.Now(),
	}
	e.view = append([]bookmark.Record{rec}, e.view...)

	m := newMutation(OpCreate, rec.ID)
	e.provisionals[rec.ID] = m
	e.notifyLocked()

	e.wg.Add(1)
	go e.runCreate(m, title, url)

	return m, nil
}

// OptimisticDelete removes a record from the view and asks the gateway to
// delete it. It returns immediately.
//
// Returns ErrNotFound when id is not in the view and ErrProvisional when it
// names a record that has not been confirmed yet; the view is untouched in
// both cases.
func (e *Engine) OptimisticDelete(id string) (*Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.session.UserID(); !ok {
		return nil, ErrUnauthorized
	}
	if _, ok := e.provisionals[id]; ok {
		return nil, ErrProvisional
	}

	idx := e.indexLocked(id)
	if idx < 0 {
		return nil, ErrNotFound
	}

	rec := e.view[idx]
	e.removeAtLocked(idx)

	m := newMutation(OpDelete, id)
	e.tombstones[id] = &tombstone{record: rec, mutation: m}
	e.notifyLocked()

	e.wg.Add(1)
	go e.runDelete(m)

	return m, nil
}

// ApplyFeedEvent merges one change feed notification into the view.
//
// Events are idempotent: duplicates, events for records already confirmed
// locally, and deletes of unknown records are ignored.
func (e *Engine) ApplyFeedEvent(ev feed.Event) {
	if err := ev.Validate(); err != nil {
		e.logger.Printf("Ignoring malformed feed event: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	switch ev.Type {
	case feed.EventCreated:
		rec := *ev.Record
		if e.indexLocked(rec.ID) >= 0 {
			return
		}
		if _, ok := e.tombstones[rec.ID]; ok {
			return
		}
		if _, ok := e.deleted[rec.ID]; ok {
			return
		}
		e.insertOrderedLocked(rec)
		e.notifyLocked()

	case feed.EventDeleted:
		id := ev.RecordID()
		e.rememberDeletedLocked(id)

		if ts, ok := e.tombstones[id]; ok {
			// Confirmed by the feed; a late gateway failure must not roll back.
			delete(e.tombstones, id)
			ts.mutation.resolve(bookmark.Record{}, nil)
		}
		if idx := e.indexLocked(id); idx >= 0 {
			e.removeAtLocked(idx)
			e.notifyLocked()
		}
	}
}

// View returns a copy of the canonical view, newest first.
func (e *Engine) View() []bookmark.Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]bookmark.Record, len(e.view))
	copy(out, e.view)
	return out
}

// Len returns the number of records in the view.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.view)
}

// Pending returns the number of mutations awaiting the gateway.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.provisionals) + len(e.tombstones)
}

// Changes returns a channel that receives a value after the view changes.
// Bursts of changes coalesce into one notification. The channel is closed
// by Close; call the returned function to stop watching earlier.
func (e *Engine) Changes() (<-chan struct{}, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan struct{}, 1)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.watchers[id]; ok {
			delete(e.watchers, id)
			close(ch)
		}
	}
}

// Close cancels in-flight gateway calls and waits for them to settle. Their
// optimistic changes are rolled back and their mutations fail with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	for id, ch := range e.watchers {
		close(ch)
		delete(e.watchers, id)
	}
	e.mu.Unlock()
}

func (e *Engine) runCreate(m *Mutation, title, url string) {
	defer e.wg.Done()

	rec, err := callWithTimeout(e.ctx, e.timeout, func(ctx context.Context) (bookmark.Record, error) {
		return e.gateway.Create(ctx, title, url)
	})
	if err == nil && rec.ID == "" {
		err = fmt.Errorf("gateway returned a record without id")
	}
	e.completeCreate(m, rec, err)
}

func (e *Engine) completeCreate(m *Mutation, rec bookmark.Record, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	placeholder := m.ID()
	delete(e.provisionals, placeholder)
	idx := e.indexLocked(placeholder)

	if err != nil {
		if idx >= 0 {
			e.removeAtLocked(idx)
			e.notifyLocked()
		}
		e.logger.Printf("Create %s rolled back: %v", placeholder, err)
		m.resolve(bookmark.Record{}, &GatewayError{Op: OpCreate, ID: placeholder, Err: err})
		return
	}

	_, known := e.deleted[rec.ID]
	e.pruneDeletedLocked()
	switch {
	case idx < 0:
	case known || e.indexLocked(rec.ID) >= 0:
		// The feed merged it first, or it is already gone again.
		e.removeAtLocked(idx)
		e.notifyLocked()
	default:
		e.view[idx] = rec
		e.notifyLocked()
	}
	m.resolve(rec, nil)
}

func (e *Engine) runDelete(m *Mutation) {
	defer e.wg.Done()

	_, err := callWithTimeout(e.ctx, e.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.gateway.Delete(ctx, m.ID())
	})
	e.completeDelete(m, err)
}

func (e *Engine) completeDelete(m *Mutation, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := m.ID()
	ts, ok := e.tombstones[id]
	if !ok || ts.mutation != m {
		// Already settled by the feed or a snapshot.
		m.resolve(bookmark.Record{}, nil)
		return
	}
	delete(e.tombstones, id)

	if err == nil {
		e.rememberDeletedLocked(id)
		m.resolve(bookmark.Record{}, nil)
		return
	}

	if e.indexLocked(id) < 0 {
		// Ordered insertion puts a record that was newest back at the front.
		e.insertOrderedLocked(ts.record)
		e.notifyLocked()
	}
	e.logger.Printf("Delete %s rolled back: %v", id, err)
	m.resolve(bookmark.Record{}, &GatewayError{Op: OpDelete, ID: id, Err: err})
}

// callWithTimeout runs fn under a deadline derived from parent. A result that
// arrives after the deadline is dropped.
func callWithTimeout[T any](parent context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil {
			return zero, classify(parent, ctx, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, classify(parent, ctx, ctx.Err())
	}
}

func classify(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return ErrClosed
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.view {
		if e.view[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) rememberDeletedLocked(id string) {
	if _, ok := e.deleted[id]; ok {
		return
	}
	e.deleted[id] = struct{}{}
	e.deletedOrder = append(e.deletedOrder, id)
	e.pruneDeletedLocked()
}

// pruneDeletedLocked forgets the oldest deletions beyond the cap. Nothing is
// forgotten while a create is in flight, since its gateway response may name
// any of them.
func (e *Engine) pruneDeletedLocked() {
	n := len(e.deletedOrder) - e.deletedCap
	if n <= 0 || len(e.provisionals) > 0 {
		return
	}
	for _, id := range e.deletedOrder[:n] {
		delete(e.deleted, id)
	}
	e.deletedOrder = slices.Delete(e.deletedOrder, 0, n)
}

func (e *Engine) removeAtLocked(idx int) {
	e.view = append(e.view[:idx:idx], e.view[idx+1:]...)
}

// insertOrderedLocked places rec before the first record created earlier
// than it.
func (e *Engine) insertOrderedLocked(rec bookmark.Record) {
	idx := len(e.view)
	for i := range e.view {
		if e.view[i].CreatedAt.Before(rec.CreatedAt) {
			idx = i
			break
		}
	}
	e.view = append(e.view, bookmark.Record{})
	copy(e.view[idx+1:], e.view[idx:])
	e.view[idx] = rec
}

func (e *Engine) notifyLocked() {
	for _, ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
