// Package bookmark provides the bookmark record shared by the store, the
// change feed, and the client-side reconciliation engine.
package bookmark

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxTitleLength bounds the title length accepted by Validate.
const MaxTitleLength = 500

// Record is a single bookmark owned by one user.
//
// Identity is ID: two records with the same ID denote the same logical
// bookmark regardless of where they were observed. CreatedAt is assigned by
// the record store, never by a client.
type Record struct {
	ID        string    `json:"id" yaml:"id" toml:"id"`
	Title     string    `json:"title" yaml:"title" toml:"title"`
	URL       string    `json:"url" yaml:"url" toml:"url"`
	UserID    string    `json:"user_id,omitempty" yaml:"user_id,omitempty" toml:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at" toml:"created_at"`
}

// ValidationError reports a malformed bookmark field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ValidateFields checks a title and URL pair before it reaches the store or
// the engine.
func ValidateFields(title, rawURL string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if len(title) > MaxTitleLength {
		return &ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("title must be %d characters or less (got %d)", MaxTitleLength, len(title)),
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Message: "must be a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

// Validate checks that a stored record has valid field values.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if err := ValidateFields(r.Title, r.URL); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "created_at is required"}
	}
	return nil
}

// Host returns the hostname of the bookmark URL, or the raw URL if it
// cannot be parsed.
func (r Record) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Hostname() == "" {
		return r.URL
	}
	return u.Hostname()
}

// Newer reports whether a sorts before b in a newest-first view.
func Newer(a, b Record) bool {
	return a.CreatedAt.After(b.CreatedAt)
}
