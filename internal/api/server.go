// Package api provides the HTTP mutation gateway: the authoritative create,
// delete, and snapshot endpoints, and the websocket change feed mounted next
// to them.
//
// Every endpoint is scoped to the owner named by the session token. After a
// mutation commits, the matching feed event is published to all of the
// owner's subscriptions, including the one belonging to the client that made
// the call.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/feed"
	"github.com/smartmark/smartmark/internal/store"
)

// Records is the subset of the record store the gateway needs.
type Records interface {
	Insert(ctx context.Context, userID, title, url string) (bookmark.Record, error)
	Delete(ctx context.Context, userID, id string) (bookmark.Record, error)
	List(ctx context.Context, userID string) ([]bookmark.Record, error)
}

// Server serves the gateway endpoints and the change feed.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	records  Records
	verifier feed.Verifier
	hub      *feed.Hub

	wg     sync.WaitGroup
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// Records is the authoritative store (required)
	Records Records

	// Verifier authenticates callers (required)
	Verifier feed.Verifier

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr: ":8080",
	}
}

// NewServer creates a gateway server and its feed hub.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Records == nil {
		return nil, fmt.Errorf("records cannot be nil")
	}
	if config.Verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}

	hub, err := feed.NewHub(&feed.Config{
		Verifier: config.Verifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create feed hub: %w", err)
	}

	return &Server{
		addr:     addr,
		records:  config.Records,
		verifier: config.Verifier,
		hub:      hub,
		logger:   logger,
	}, nil
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/bookmarks", s.handleList)
	mux.HandleFunc("POST /api/bookmarks", s.handleCreate)
	mux.HandleFunc("DELETE /api/bookmarks/{id}", s.handleDelete)
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Hub exposes the change feed for in-process publishers.
func (s *Server) Hub() *feed.Hub {
	return s.hub
}

// Start begins listening and serving
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Gateway listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping gateway")

	s.hub.Stop()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Gateway stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

type createRequest struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, err := s.verifier.Verify(auth.FromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return claims.UserID, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	records, err := s.records.List(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	rec, err := s.records.Insert(r.Context(), userID, req.Title, req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Printf("Bookmark created: %s (%s)", rec.ID, rec.Title)
	s.hub.PublishCreated(rec)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	rec, err := s.records.Delete(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Printf("Bookmark deleted: %s", rec.ID)
	s.hub.PublishDeleted(rec)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *bookmark.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		s.logger.Printf("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
