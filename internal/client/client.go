// Package client talks to a SmartMark server: the HTTP mutation gateway and
// snapshot endpoint, and the websocket change feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/reconcile"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultRequestTimeout,
	}
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *StatusError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%d)", e.Field, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Is maps status codes onto the reconcile sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case reconcile.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case reconcile.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Client is an authenticated connection to one server. It implements
// reconcile.Gateway.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// New creates a client for the server at baseURL, acting as the owner of
// token.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	if token == "" {
		return nil, reconcile.ErrUnauthorized
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return &Client{
		baseURL: u,
		token:   token,
		http:    defaultHTTPClient(),
	}, nil
}

// Token returns the session token.
func (c *Client) Token() string { return c.token }

// Create asks the server to store a new bookmark.
func (c *Client) Create(ctx context.Context, title, url string) (bookmark.Record, error) {
	body := map[string]string{"title": title, "url": url}
	var rec bookmark.Record
	if err := c.do(ctx, http.MethodPost, "/api/bookmarks", body, &rec); err != nil {
		return bookmark.Record{}, err
	}
	return rec, nil
}

// Delete asks the server to remove a bookmark.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/bookmarks/"+url.PathEscape(id), nil, nil)
}

// List fetches the owner's collection, newest first.
func (c *Client) List(ctx context.Context) ([]bookmark.Record, error) {
	records := []bookmark.Record{}
	if err := c.do(ctx, http.MethodGet, "/api/bookmarks", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Snapshot implements mirror.Snapshotter.
func (c *Client) Snapshot(ctx context.Context) ([]bookmark.Record, error) {
	return c.List(ctx)
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path += path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, args, result any) error {
	var reqBody io.Reader
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if args != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", reconcile.ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", reconcile.ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			serr.Message = body.Error
			serr.Field = body.Field
		} else {
			serr.Message = strings.TrimSpace(string(data))
		}
		if serr.Message == "" {
			serr.Message = http.StatusText(resp.StatusCode)
		}
		return serr
	}

	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// AsValidation converts a 400 response naming a field into a
// bookmark.ValidationError.
func AsValidation(err error) (*bookmark.ValidationError, bool) {
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusBadRequest || serr.Field == "" {
		return nil, false
	}
	return &bookmark.ValidationError{Field: serr.Field, Message: serr.Message}, true
}
