package ui

import (
	"fmt"
	"strings"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/reconcile"
)

// TimeLayout is how creation times are shown.
const TimeLayout = "2006-01-02 15:04"

// ListOptions controls RenderList.
type ListOptions struct {
	// Total is the size of the whole collection. Zero means len(records).
	Total int

	// Query is the search the records were filtered by, if any.
	Query string

	// Status is appended to the header, e.g. "live".
	Status string
}

// RenderList renders a bookmark list with a count header:
//
//	3 saved
//	  Go
//	    go.dev · 2024-01-01 10:00
func RenderList(records []bookmark.Record, opts ListOptions) string {
	var b strings.Builder

	total := opts.Total
	if total == 0 {
		total = len(records)
	}

	header := fmt.Sprintf("%d saved", total)
	if opts.Query != "" && len(records) != total {
		header = fmt.Sprintf("%d of %d saved", len(records), total)
	}
	if opts.Status != "" {
		header += " " + RenderMuted("("+opts.Status+")")
	}
	b.WriteString(RenderAccent(header))
	b.WriteString("\n")

	if len(records) == 0 {
		if opts.Query != "" {
			fmt.Fprintf(&b, "%s\n", RenderMuted(fmt.Sprintf("No bookmarks found matching %q", opts.Query)))
		} else {
			fmt.Fprintf(&b, "%s\n", RenderMuted("No bookmarks yet"))
		}
		return b.String()
	}

	for _, r := range records {
		b.WriteString(RenderRecord(r))
	}
	return b.String()
}

// RenderRecord renders one bookmark as two indented lines.
func RenderRecord(r bookmark.Record) string {
	title := titleStyle.Render(r.Title)
	if reconcile.IsPlaceholder(r.ID) {
		title += " " + RenderWarn("(saving…)")
	}

	host := r.Host()
	if host == "" {
		host = r.URL
	}
	meta := host
	if !r.CreatedAt.IsZero() {
		meta += " · " + r.CreatedAt.UTC().Format(TimeLayout)
	}

	return fmt.Sprintf("  %s\n    %s\n", title, RenderMuted(meta))
}
