// Package importer turns bookmark files dropped into a folder into
// optimistic creates.
//
// The importer:
// 1. Imports every bookmark file already in the folder on Start
// 2. Watches the folder for new or rewritten *.json, *.yaml, *.yml and *.toml files
// 3. Debounces bursts of writes to the same file
// 4. Renames each imported file to <name>.imported so it is never read twice
package importer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/reconcile"
)

// ImportedSuffix is appended to files once their entries are submitted.
const ImportedSuffix = ".imported"

// Creator accepts optimistic creates. *reconcile.Engine satisfies it.
type Creator interface {
	OptimisticCreate(title, url string) (*reconcile.Mutation, error)
}

// Result reports the outcome of importing one file.
type Result struct {
	// Path is the file as it was found in the folder.
	Path string

	// Mutations holds one handle per submitted entry.
	Mutations []*reconcile.Mutation

	// Err is set when the file could not be read or an entry was refused.
	Err error
}

// Config holds importer configuration.
type Config struct {
	// DebounceInterval is how long a file must stay quiet before it is read
	DebounceInterval time.Duration

	// Logger for importer activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[import] ", log.LstdFlags),
	}
}

// Importer watches one folder.
type Importer struct {
	dir     string
	creator Creator
	config  *Config

	watcher  *fsnotify.Watcher
	queue    map[string]time.Time // path -> last event
	queueMu  sync.Mutex
	results  chan Result
	mu       sync.Mutex
	running  bool
	finished bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an importer for dir. Use Start to begin watching.
func New(dir string, creator Creator, config *Config) (*Importer, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if creator == nil {
		return nil, fmt.Errorf("creator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Importer{
		dir:     abs,
		creator: creator,
		config:  config,
		watcher: watcher,
		queue:   make(map[string]time.Time),
		results: make(chan Result, 100),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start imports the files already present and begins watching.
func (im *Importer) Start() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.running || im.finished {
		return fmt.Errorf("importer already started")
	}

	if err := os.MkdirAll(im.dir, 0755); err != nil {
		return fmt.Errorf("failed to create import directory: %w", err)
	}
	if err := im.watcher.Add(im.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", im.dir, err)
	}
	im.config.Logger.Printf("Watching: %s", im.dir)

	existing, err := im.pendingFiles()
	if err != nil {
		_ = im.watcher.Remove(im.dir)
		return err
	}
	now := time.Now()
	im.queueMu.Lock()
	for _, path := range existing {
		// Already settled on disk; no need to wait.
		im.queue[path] = now.Add(-im.config.DebounceInterval)
	}
	im.queueMu.Unlock()

	im.running = true
	im.wg.Add(2)
	go im.watchLoop()
	go im.processQueue()

	return nil
}

// Stop stops watching and waits for in-progress imports. Results is closed
// afterwards. An importer that was never started still releases its watcher.
func (im *Importer) Stop() error {
	im.mu.Lock()
	if im.finished {
		im.mu.Unlock()
		return nil
	}
	im.running = false
	im.finished = true
	im.mu.Unlock()

	im.cancel()

	if err := im.watcher.Close(); err != nil {
		im.config.Logger.Printf("Error closing watcher: %v", err)
	}

	im.wg.Wait()
	close(im.results)
	return nil
}

// IsRunning reports whether the importer is watching.
func (im *Importer) IsRunning() bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.running
}

// Results delivers one Result per processed file.
func (im *Importer) Results() <-chan Result {
	return im.results
}

// pendingFiles lists importable files in the folder, sorted by name.
func (im *Importer) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read import directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := bookmark.FormatForPath(entry.Name()); !ok {
			continue
		}
		paths = append(paths, filepath.Join(im.dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (im *Importer) watchLoop() {
	defer im.wg.Done()

	for {
		select {
		case <-im.ctx.Done():
			return

		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if _, ok := bookmark.FormatForPath(event.Name); !ok {
				continue
			}

			im.queueMu.Lock()
			im.queue[event.Name] = time.Now()
			im.queueMu.Unlock()

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (im *Importer) processQueue() {
	defer im.wg.Done()

	ticker := time.NewTicker(im.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-im.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range im.ready() {
				res := im.ImportFile(path)
				select {
				case im.results <- res:
				case <-im.ctx.Done():
					return
				}
			}
		}
	}
}

// ready removes and returns the paths that have been quiet long enough.
func (im *Importer) ready() []string {
	im.queueMu.Lock()
	defer im.queueMu.Unlock()

	now := time.Now()
	var paths []string
	for path, at := range im.queue {
		if now.Sub(at) < im.config.DebounceInterval {
			continue
		}
		paths = append(paths, path)
		delete(im.queue, path)
	}
	sort.Strings(paths)
	return paths
}

// ImportFile submits every entry of the file at path and renames it.
//
// Entries are validated up front, so a malformed file submits nothing and
// stays in place for the user to fix.
func (im *Importer) ImportFile(path string) Result {
	res := Result{Path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		res.Err = fmt.Errorf("file disappeared: %s", path)
		return res
	}

	entries, err := bookmark.ReadEntryFile(path)
	if err != nil {
		im.config.Logger.Printf("Skipping %s: %v", filepath.Base(path), err)
		res.Err = err
		return res
	}

	for _, e := range entries {
		m, err := im.creator.OptimisticCreate(e.Title, e.URL)
		if err != nil {
			res.Err = fmt.Errorf("failed to import %q from %s: %w", e.Title, filepath.Base(path), err)
			break
		}
		res.Mutations = append(res.Mutations, m)
	}

	if len(res.Mutations) > 0 || res.Err == nil {
		if err := os.Rename(path, path+ImportedSuffix); err != nil {
			im.config.Logger.Printf("Warning: failed to mark %s imported: %v", filepath.Base(path), err)
		}
	}

	im.config.Logger.Printf("Imported %d of %d bookmarks from %s", len(res.Mutations), len(entries), filepath.Base(path))
	return res
}
