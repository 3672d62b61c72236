package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartmark/smartmark/internal/api"
	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/client"
	"github.com/smartmark/smartmark/internal/config"
	"github.com/smartmark/smartmark/internal/store"
)

// syncBuffer is a bytes.Buffer shared with the render goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupGateway runs a gateway over an in-memory store and returns a client
// signed in as alice.
func setupGateway(t *testing.T) (*api.Server, *client.Client) {
	t.Helper()

	prev := cfg
	cfg = config.DefaultConfig()
	t.Cleanup(func() { cfg = prev })

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	srv, err := api.NewServer(&api.Config{
		Records:  db,
		Verifier: issuer,
		Logger:   log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	srv.Hub().Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Stop()
		ts.Close()
		db.Close()
	})
	cfg.Client.BaseURL = ts.URL

	token, err := issuer.Issue("alice", "")
	require.NoError(t, err)
	c, err := client.New(ts.URL, token)
	require.NoError(t, err)
	return srv, c
}

func TestRunWatch_QuitStopsEverything(t *testing.T) {
	srv, c := setupGateway(t)

	in, typed := io.Pipe()
	t.Cleanup(func() { typed.Close() })
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runWatch(context.Background(), c, watchOptions{
			importDir: filepath.Join(t.TempDir(), "inbox"),
			in:        in,
			out:       out,
		})
	}()

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(typed, "add Go docs https://go.dev/doc\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		records, err := c.List(context.Background())
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return bytes.Contains([]byte(out.String()), []byte("Go docs")) }, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(typed, "quit\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runWatch did not return after quit")
	}
	assert.Eventually(t, func() bool { return srv.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond,
		"feed subscription should be closed")
}

func TestRunWatch_SetupFailureStopsMirror(t *testing.T) {
	srv, c := setupGateway(t)

	// A folder cannot be created below a regular file.
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	err := runWatch(context.Background(), c, watchOptions{
		importDir: filepath.Join(file, "inbox"),
		in:        bytes.NewReader(nil),
		out:       io.Discard,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import directory")

	assert.Eventually(t, func() bool { return srv.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond,
		"feed subscription should be closed")
}

func TestRunWatch_BadFilter(t *testing.T) {
	srv, c := setupGateway(t)

	err := runWatch(context.Background(), c, watchOptions{
		filter: filterOptions{Where: "title =="},
		in:     bytes.NewReader(nil),
		out:    io.Discard,
	})
	require.Error(t, err)
	assert.Zero(t, srv.Hub().ClientCount())
}
