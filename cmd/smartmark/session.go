package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/client"
	"github.com/smartmark/smartmark/internal/mirror"
	"github.com/smartmark/smartmark/internal/reconcile"
)

// newClient builds a gateway client from the loaded configuration.
func newClient() (*client.Client, error) {
	if cfg.Client.Token == "" {
		return nil, fmt.Errorf("no session token (set client.token, SMARTMARK_CLIENT_TOKEN or --token)")
	}
	return client.New(cfg.Client.BaseURL, cfg.Client.Token)
}

// newEngine builds a reconciliation engine bound to the client's user.
func newEngine(c *client.Client) (*reconcile.Engine, error) {
	userID, err := auth.UserIDUnverified(c.Token())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrUnauthorized, err)
	}

	return reconcile.New(&reconcile.Config{
		Gateway:         c,
		Session:         reconcile.StaticSession(userID),
		MutationTimeout: cfg.Client.MutationTimeout,
		Logger:          logger("engine"),
	})
}

// newMirror subscribes eng to the client's change feed.
func newMirror(c *client.Client, eng *reconcile.Engine, onStatus func(mirror.Status)) (*mirror.Mirror, error) {
	dial := func(ctx context.Context) (mirror.Feed, error) {
		fc, err := c.DialFeed(ctx)
		if err != nil {
			return nil, err
		}
		fc.SetLogger(logger("feed"))
		return fc, nil
	}

	return mirror.New(eng, c, dial, &mirror.Config{
		ReconnectDelay: cfg.Client.ReconnectDelay,
		OnStatus:       onStatus,
		Logger:         logger("mirror"),
	})
}

// describe turns gateway errors into the messages users see.
func describe(err error) string {
	if verr, ok := client.AsValidation(err); ok {
		return verr.Error()
	}
	switch {
	case errors.Is(err, reconcile.ErrUnauthorized):
		return "not signed in (check your token)"
	case errors.Is(err, reconcile.ErrNotFound):
		return "bookmark not found"
	case errors.Is(err, reconcile.ErrTimeout):
		return "the gateway did not answer in time"
	case errors.Is(err, reconcile.ErrConnection):
		return fmt.Sprintf("cannot reach %s", cfg.Client.BaseURL)
	}
	return err.Error()
}

// filterOptions are the listing filters shared by ls and watch.
type filterOptions struct {
	Query string
	Where string
	Since string
}

// matcher combines the filters. It returns nil when no filter is set.
func (o filterOptions) matcher(now time.Time) (reconcile.Matcher, error) {
	var matchers []reconcile.Matcher

	if o.Query != "" {
		matchers = append(matchers, reconcile.TitleContains(o.Query))
	}
	if o.Where != "" {
		q, err := reconcile.CompileQuery(o.Where)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, q)
	}
	if o.Since != "" {
		t, err := parseSince(o.Since, now)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, reconcile.Since(t))
	}

	if len(matchers) == 0 {
		return nil, nil
	}
	return reconcile.All(matchers...), nil
}

// parseSince accepts a Go duration ("36h"), an RFC 3339 time, or natural
// language such as "yesterday" or "last monday".
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q", s)
	}
	return r.Time, nil
}
