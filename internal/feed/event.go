// Package feed provides the bookmark change feed: a websocket push channel
// that announces created and deleted bookmarks to every open client of the
// owning user.
//
// Delivery is at-least-once with no ordering guarantee, and nothing is
// replayed across a reconnect. Consumers are expected to apply events
// idempotently and to resynchronize from a fresh snapshot after reconnecting.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smartmark/smartmark/internal/bookmark"
)

// EventType identifies the kind of feed notification.
type EventType string

const (
	// EventCreated announces a new bookmark; Record carries the full payload.
	EventCreated EventType = "created"

	// EventDeleted announces a removed bookmark; only ID is required.
	EventDeleted EventType = "deleted"

	// EventReady is sent once per connection after the subscription is
	// registered. Events published after it are guaranteed to reach the
	// connection.
	EventReady EventType = "ready"
)

// Event is a single feed notification as sent over the wire.
type Event struct {
	Type   EventType        `json:"type"`
	ID     string           `json:"id"`
	Record *bookmark.Record `json:"record,omitempty"`
	At     time.Time        `json:"at"`
}

// Created builds a created event for rec.
func Created(rec bookmark.Record) Event {
	return Event{Type: EventCreated, ID: rec.ID, Record: &rec, At: time.Now()}
}

// Deleted builds a deleted event for id.
func Deleted(id string) Event {
	return Event{Type: EventDeleted, ID: id, At: time.Now()}
}

// Validate checks that the event carries what its type requires.
func (e Event) Validate() error {
	switch e.Type {
	case EventCreated:
		if e.Record == nil {
			return fmt.Errorf("created event without record")
		}
		if e.Record.ID == "" {
			return fmt.Errorf("created event without record id")
		}
		if e.ID != "" && e.ID != e.Record.ID {
			return fmt.Errorf("created event id %q does not match record id %q", e.ID, e.Record.ID)
		}
	case EventDeleted:
		if e.ID == "" {
			return fmt.Errorf("deleted event without id")
		}
	case EventReady:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// RecordID returns the id the event refers to.
func (e Event) RecordID() string {
	if e.ID != "" {
		return e.ID
	}
	if e.Record != nil {
		return e.Record.ID
	}
	return ""
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}
