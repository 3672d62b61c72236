package reconcile

import (
	"fmt"
	"strings"
	"sync"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"golang.org/x/text/cases"

	"github.com/smartmark/smartmark/internal/bookmark"
)

// Matcher selects records for a projection.
type Matcher interface {
	Match(rec bookmark.Record) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(rec bookmark.Record) bool

// Match implements Matcher.
func (f MatcherFunc) Match(rec bookmark.Record) bool { return f(rec) }

// Project returns the records whose title contains predicate, ignoring case.
// An empty predicate returns view itself. view is never modified and the
// relative order of records is kept.
func Project(view []bookmark.Record, predicate string) []bookmark.Record {
	if predicate == "" {
		return view
	}
	return ProjectWith(view, TitleContains(predicate))
}

// ProjectWith returns the records accepted by m in their original order.
func ProjectWith(view []bookmark.Record, m Matcher) []bookmark.Record {
	out := make([]bookmark.Record, 0, len(view))
	for _, rec := range view {
		if m.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// TitleContains matches titles containing q under Unicode case folding.
// The returned matcher is safe for concurrent use.
func TitleContains(q string) Matcher {
	var mu sync.Mutex
	fold := cases.Fold()
	needle := fold.String(q)
	return MatcherFunc(func(rec bookmark.Record) bool {
		// A Caser keeps state between calls.
		mu.Lock()
		title := fold.String(rec.Title)
		mu.Unlock()
		return strings.Contains(title, needle)
	})
}

// Since matches records created at or after t.
func Since(t time.Time) Matcher {
	return MatcherFunc(func(rec bookmark.Record) bool {
		return !rec.CreatedAt.Before(t)
	})
}

// All matches records accepted by every matcher. It matches everything when
// given none.
func All(matchers ...Matcher) Matcher {
	return MatcherFunc(func(rec bookmark.Record) bool {
		for _, m := range matchers {
			if !m.Match(rec) {
				return false
			}
		}
		return true
	})
}

// queryEnv is the environment visible to query expressions.
type queryEnv struct {
	ID          string    `expr:"id"`
	Title       string    `expr:"title"`
	URL         string    `expr:"url"`
	Host        string    `expr:"host"`
	CreatedAt   time.Time `expr:"created_at"`
	Provisional bool      `expr:"provisional"`
}

func newQueryEnv(rec bookmark.Record) queryEnv {
	return queryEnv{
		ID:          rec.ID,
		Title:       rec.Title,
		URL:         rec.URL,
		Host:        rec.Host(),
		CreatedAt:   rec.CreatedAt,
		Provisional: IsPlaceholder(rec.ID),
	}
}

// Query is a compiled boolean expression over a record, for example
//
//	host == "go.dev" && title contains "tour"
//	created_at > now() - duration("24h")
type Query struct {
	source  string
	program *exprvm.Program
}

// CompileQuery compiles source into a Matcher. The expression sees id,
// title, url, host, created_at and provisional, plus the expr builtins, and
// must yield a bool.
func CompileQuery(source string) (*Query, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	program, err := exprlang.Compile(source, exprlang.Env(queryEnv{}), exprlang.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile query %q: %w", source, err)
	}
	return &Query{source: source, program: program}, nil
}

// String returns the query source.
func (q *Query) String() string { return q.source }

// Eval runs the query against rec.
func (q *Query) Eval(rec bookmark.Record) (bool, error) {
	out, err := exprlang.Run(q.program, newQueryEnv(rec))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate query %q: %w", q.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Match implements Matcher. Records the query fails on do not match.
func (q *Query) Match(rec bookmark.Record) bool {
	ok, err := q.Eval(rec)
	return err == nil && ok
}
