package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/feed"
	"github.com/smartmark/smartmark/internal/store"
)

type testEnv struct {
	server *Server
	url    string
	issuer *auth.Issuer
}

// setupServer serves the gateway over a fresh database.
func setupServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() failed: %v", err)
	}

	srv, err := NewServer(&Config{
		Records:  db,
		Verifier: issuer,
		Logger:   log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	srv.Hub().Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Stop()
		ts.Close()
		db.Close()
	})

	return &testEnv{server: srv, url: ts.URL, issuer: issuer}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	token, err := e.issuer.Issue(user, "")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.url+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&Config{}); err == nil {
		t.Error("expected error for missing records")
	}
}

func TestCreateAndList(t *testing.T) {
	env := setupServer(t)
	token := env.token(t, "alice")

	resp := env.do(t, "POST", "/api/bookmarks", token, createRequest{Title: "First", URL: "https://1.example.com"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	first := decode[bookmark.Record](t, resp)
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Errorf("expected server-assigned id and created_at, got %+v", first)
	}

	time.Sleep(2 * time.Millisecond)
	env.do(t, "POST", "/api/bookmarks", token, createRequest{Title: "Second", URL: "https://2.example.com"})

	list := decode[[]bookmark.Record](t, env.do(t, "GET", "/api/bookmarks", token, nil))
	if len(list) != 2 {
		t.Fatalf("expected 2 bookmarks, got %d", len(list))
	}
	if list[0].Title != "Second" || list[1].Title != "First" {
		t.Errorf("expected newest first, got %q, %q", list[0].Title, list[1].Title)
	}

	other := decode[[]bookmark.Record](t, env.do(t, "GET", "/api/bookmarks", env.token(t, "bob"), nil))
	if len(other) != 0 {
		t.Errorf("bob sees %d of alice's bookmarks", len(other))
	}
}

func TestCreate_Errors(t *testing.T) {
	env := setupServer(t)
	token := env.token(t, "alice")

	tests := []struct {
		name      string
		token     string
		body      any
		want      int
		wantField string
	}{
		{name: "no token", token: "", body: createRequest{Title: "A", URL: "https://a.com"}, want: http.StatusUnauthorized},
		{name: "bad token", token: "garbage", body: createRequest{Title: "A", URL: "https://a.com"}, want: http.StatusUnauthorized},
		{name: "missing title", token: token, body: createRequest{URL: "https://a.com"}, want: http.StatusBadRequest, wantField: "title"},
		{name: "invalid url", token: token, body: createRequest{Title: "A", URL: "not a url"}, want: http.StatusBadRequest, wantField: "url"},
		{name: "malformed body", token: token, body: "just a string", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/api/bookmarks", tt.token, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
			body := decode[errorResponse](t, resp)
			if body.Error == "" {
				t.Error("expected error message")
			}
			if body.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", body.Field, tt.wantField)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	env := setupServer(t)
	alice := env.token(t, "alice")

	rec := decode[bookmark.Record](t, env.do(t, "POST", "/api/bookmarks", alice, createRequest{Title: "A", URL: "https://a.com"}))

	if resp := env.do(t, "DELETE", "/api/bookmarks/"+rec.ID, env.token(t, "bob"), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete by other owner: expected 404, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "DELETE", "/api/bookmarks/"+rec.ID, alice, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if resp := env.do(t, "DELETE", "/api/bookmarks/"+rec.ID, alice, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestMutationsPublishToFeed(t *testing.T) {
	env := setupServer(t)
	token := env.token(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.url, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	next := func() feed.Event {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		ev, err := feed.Decode(data)
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		return ev
	}

	if ev := next(); ev.Type != feed.EventReady {
		t.Fatalf("expected ready, got %s", ev.Type)
	}

	rec := decode[bookmark.Record](t, env.do(t, "POST", "/api/bookmarks", token, createRequest{Title: "A", URL: "https://a.com"}))
	if ev := next(); ev.Type != feed.EventCreated || ev.RecordID() != rec.ID {
		t.Errorf("expected created %s, got %+v", rec.ID, ev)
	}

	env.do(t, "DELETE", "/api/bookmarks/"+rec.ID, token, nil)
	if ev := next(); ev.Type != feed.EventDeleted || ev.ID != rec.ID {
		t.Errorf("expected deleted %s, got %+v", rec.ID, ev)
	}
}

func TestHealth(t *testing.T) {
	env := setupServer(t)

	resp := env.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestServerStartStop(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	issuer, _ := auth.NewIssuer("s", 0)

	srv, err := NewServer(&Config{Addr: "127.0.0.1:0", Records: db, Verifier: issuer})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if srv.GetAddr() == "127.0.0.1:0" {
		t.Error("expected bound address")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}
