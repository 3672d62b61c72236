package importer

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/reconcile"
)

// recordingCreator remembers every submitted entry.
type recordingCreator struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (c *recordingCreator) OptimisticCreate(title, url string) (*reconcile.Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.titles = append(c.titles, title)
	return nil, nil
}

func (c *recordingCreator) submitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.titles...)
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func nextResult(t *testing.T, im *Importer) Result {
	t.Helper()
	select {
	case res := <-im.Results():
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for import result")
		return Result{}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", &recordingCreator{}, nil); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := New(t.TempDir(), nil, nil); err == nil {
		t.Error("expected error for nil creator")
	}
}

func TestImporter_StartStop(t *testing.T) {
	im, err := New(filepath.Join(t.TempDir(), "inbox"), &recordingCreator{}, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := im.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !im.IsRunning() {
		t.Error("Importer should be running after Start()")
	}
	if err := im.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := im.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if im.IsRunning() {
		t.Error("Importer should not be running after Stop()")
	}
	if _, ok := <-im.Results(); ok {
		t.Error("Results should be closed after Stop()")
	}
	if err := im.Start(); err == nil {
		t.Error("Start() after Stop() should fail")
	}
}

func TestImporter_ExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `[{"title":"Go","url":"https://go.dev"},{"title":"Blog","url":"https://go.dev/blog"}]`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a bookmark file")

	creator := &recordingCreator{}
	im, err := New(dir, creator, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := im.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer im.Stop()

	res := nextResult(t, im)
	if res.Err != nil {
		t.Fatalf("import failed: %v", res.Err)
	}
	if len(res.Mutations) != 2 {
		t.Errorf("expected 2 submitted entries, got %d", len(res.Mutations))
	}

	got := creator.submitted()
	if len(got) != 2 || got[0] != "Go" || got[1] != "Blog" {
		t.Errorf("submitted %v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "a.json"+ImportedSuffix)); err != nil {
		t.Errorf("expected file to be marked imported: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file should be left alone: %v", err)
	}
}

func TestImporter_WatchesNewFiles(t *testing.T) {
	dir := t.TempDir()
	creator := &recordingCreator{}
	im, err := New(dir, creator, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := im.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer im.Stop()

	tests := []struct {
		name    string
		content string
		title   string
	}{
		{name: "one.yaml", content: "title: YAML\nurl: https://yaml.org\n", title: "YAML"},
		{name: "two.toml", content: "[[bookmarks]]\ntitle = \"TOML\"\nurl = \"https://toml.io\"\n", title: "TOML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFile(t, filepath.Join(dir, tt.name), tt.content)

			res := nextResult(t, im)
			if res.Err != nil {
				t.Fatalf("import failed: %v", res.Err)
			}
			if filepath.Base(res.Path) != tt.name {
				t.Errorf("Path = %s, want %s", res.Path, tt.name)
			}
			got := creator.submitted()
			if got[len(got)-1] != tt.title {
				t.Errorf("last submitted = %q, want %q", got[len(got)-1], tt.title)
			}
		})
	}
}

func TestImportFile_InvalidLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeFile(t, path, `[{"title":"Good","url":"https://good.example.com"},{"title":"","url":"https://bad.example.com"}]`)

	creator := &recordingCreator{}
	im, err := New(dir, creator, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	defer im.Stop()

	res := im.ImportFile(path)

	var verr *bookmark.ValidationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("expected validation error, got %v", res.Err)
	}
	if n := len(creator.submitted()); n != 0 {
		t.Errorf("nothing should be submitted from an invalid file, got %d", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("invalid file should stay in place: %v", err)
	}
}

func TestImportFile_Unauthorized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	writeFile(t, path, `{"title":"Go","url":"https://go.dev"}`)

	im, err := New(dir, &recordingCreator{err: reconcile.ErrUnauthorized}, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer im.Stop()

	res := im.ImportFile(path)
	if !errors.Is(res.Err, reconcile.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", res.Err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("refused file should stay in place: %v", err)
	}
}

// okGateway confirms every create.
type okGateway struct {
	mu sync.Mutex
	n  int
}

func (g *okGateway) Create(ctx context.Context, title, url string) (bookmark.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return bookmark.Record{ID: title, Title: title, URL: url, CreatedAt: time.Now()}, nil
}

func (g *okGateway) Delete(ctx context.Context, id string) error { return nil }

func TestImporter_FeedsEngine(t *testing.T) {
	eng, err := reconcile.New(&reconcile.Config{
		Gateway: &okGateway{},
		Session: reconcile.StaticSession("user-1"),
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("reconcile.New() failed: %v", err)
	}
	defer eng.Close()
	eng.Initialize(nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "list.json")
	writeFile(t, path, `{"bookmarks":[{"title":"a","url":"https://a.example.com"},{"title":"b","url":"https://b.example.com"}]}`)

	im, err := New(dir, eng, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer im.Stop()

	res := im.ImportFile(path)
	if res.Err != nil {
		t.Fatalf("ImportFile() failed: %v", res.Err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, m := range res.Mutations {
		if err := m.Wait(ctx); err != nil {
			t.Fatalf("mutation %s failed: %v", m.ID(), err)
		}
	}
	if n := eng.Len(); n != 2 {
		t.Errorf("expected 2 bookmarks in view, got %d", n)
	}
}
