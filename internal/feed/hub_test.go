package feed

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/bookmark"
)

// tokenVerifier accepts tokens of the form "token-<user>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (*auth.Claims, error) {
	if token == "" {
		return nil, auth.ErrNoToken
	}
	user, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrInvalidToken)
	}
	return &auth.Claims{UserID: user}, nil
}

// setupHub starts a hub behind a test HTTP server.
func setupHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub, err := NewHub(&Config{
		Verifier: tokenVerifier{},
		Logger:   log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err != nil {
		t.Fatalf("NewHub() failed: %v", err)
	}
	hub.Start()

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// subscribe dials the hub as user and consumes the ready frame.
func subscribe(t *testing.T, ctx context.Context, url, user string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, url+"?token=token-"+user, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	ev := readEvent(t, ctx, conn)
	if ev.Type != EventReady {
		t.Fatalf("expected ready frame, got %s", ev.Type)
	}
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) Event {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewHub_RequiresVerifier(t *testing.T) {
	if _, err := NewHub(&Config{}); err == nil {
		t.Error("expected error for nil verifier")
	}
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	_, url := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name  string
		query string
	}{
		{name: "no token", query: ""},
		{name: "bad token", query: "?token=garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.Dial(ctx, url+tt.query, nil)
			if err == nil {
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("expected 401 response, got %+v", resp)
			}
		})
	}
}

func TestHub_PublishReachesOwnerOnly(t *testing.T) {
	hub, url := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice1 := subscribe(t, ctx, url, "alice")
	alice2 := subscribe(t, ctx, url, "alice")
	bob := subscribe(t, ctx, url, "bob")

	waitFor(t, func() bool { return hub.ClientCount() == 3 })
	if n := hub.UserClientCount("alice"); n != 2 {
		t.Errorf("expected 2 alice clients, got %d", n)
	}

	rec := bookmark.Record{
		ID:        "01HX",
		Title:     "Docs",
		URL:       "https://docs.example.com",
		UserID:    "alice",
		CreatedAt: time.Now().UTC(),
	}
	hub.PublishCreated(rec)

	for i, conn := range []*websocket.Conn{alice1, alice2} {
		ev := readEvent(t, ctx, conn)
		if ev.Type != EventCreated || ev.RecordID() != rec.ID {
			t.Errorf("client %d got %+v, want created %s", i, ev, rec.ID)
		}
		if ev.Record.Title != "Docs" {
			t.Errorf("client %d got title %q", i, ev.Record.Title)
		}
	}

	quiet, quietCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer quietCancel()
	if _, data, err := bob.Read(quiet); err == nil {
		t.Errorf("bob received another user's event: %s", data)
	}
}

func TestHub_PublishDeleted(t *testing.T) {
	hub, url := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := subscribe(t, ctx, url, "alice")
	hub.PublishDeleted(bookmark.Record{ID: "01HY", UserID: "alice"})

	ev := readEvent(t, ctx, conn)
	if ev.Type != EventDeleted || ev.ID != "01HY" {
		t.Errorf("got %+v, want deleted 01HY", ev)
	}
}

func TestHub_InvalidEventDropped(t *testing.T) {
	hub, url := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := subscribe(t, ctx, url, "alice")
	hub.Publish("alice", Event{Type: EventDeleted})
	hub.Publish("alice", Deleted("ok"))

	ev := readEvent(t, ctx, conn)
	if ev.ID != "ok" {
		t.Errorf("expected only the valid event, got %+v", ev)
	}
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub, url := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := subscribe(t, ctx, url, "alice")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHub_StopClosesSubscriptions(t *testing.T) {
	hub, url := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := subscribe(t, ctx, url, "alice")
	hub.Stop()

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected read to fail after Stop")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("expected 0 clients after Stop, got %d", n)
	}
}
