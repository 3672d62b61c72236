package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/client"
	"github.com/smartmark/smartmark/internal/importer"
	"github.com/smartmark/smartmark/internal/mirror"
	"github.com/smartmark/smartmark/internal/reconcile"
	"github.com/smartmark/smartmark/internal/ui"
)

var errQuit = errors.New("quit")

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "bookmarks",
	Short:   "Live view of your bookmarks",
	Long: `Show your bookmarks and keep the list current as they change anywhere.

Type commands while watching:
  add <title> <url>   Save a bookmark (shown immediately, confirmed in the background)
  rm <n|id>           Delete the n-th bookmark in the list, or one by id
  q <text>            Filter titles; "q" alone clears the filter
  quit                Exit

With --import-dir, bookmark files dropped into that folder are saved too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		importDir, _ := cmd.Flags().GetString("import-dir")
		if importDir == "" {
			importDir = cfg.Client.ImportDir
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runWatch(ctx, c, watchOptions{
			filter:    readFilterFlags(cmd),
			importDir: importDir,
			in:        os.Stdin,
			out:       os.Stdout,
			clear:     term.IsTerminal(int(os.Stdout.Fd())),
		})
	},
}

// watchOptions configure one watch session.
type watchOptions struct {
	filter    filterOptions
	importDir string
	in        io.Reader
	out       io.Writer
	clear     bool
}

// runWatch mirrors c's bookmarks until ctx ends, the user quits or the
// mirror gives up. Everything it starts is stopped before it returns.
func runWatch(ctx context.Context, c *client.Client, opts watchOptions) error {
	eng, err := newEngine(c)
	if err != nil {
		return err
	}
	defer eng.Close()

	w := &watcher{
		engine: eng,
		opts:   opts.filter,
		out:    opts.out,
		clear:  opts.clear,
		redraw: make(chan struct{}, 1),
	}
	if _, err := w.opts.matcher(time.Now()); err != nil {
		return err
	}

	mir, err := newMirror(c, eng, w.setStatus)
	if err != nil {
		return err
	}
	if err := mir.Start(ctx); err != nil {
		return errors.New(describe(err))
	}
	defer mir.Stop()

	var imported <-chan importer.Result
	if opts.importDir != "" {
		im, err := importer.New(opts.importDir, eng, &importer.Config{Logger: logger("import")})
		if err != nil {
			return err
		}
		defer im.Stop()
		if err := im.Start(); err != nil {
			return err
		}
		imported = im.Results()
	}

	changes, unsubscribe := eng.Changes()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.render()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changes:
			case <-w.redraw:
			}
			w.render()
		}
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-mir.Done():
			return mir.Err()
		}
	})

	if imported != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case res, ok := <-imported:
					if !ok {
						return nil
					}
					w.reportImport(res)
				}
			}
		})
	}

	lines := readLines(opts.in)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// Input closed; keep watching.
					lines = nil
					continue
				}
				if err := w.handle(line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return errors.New(describe(err))
	}
	return nil
}

func init() {
	watchCmd.Flags().String("import-dir", "", "Also save bookmark files dropped into this folder")
	addFilterFlags(watchCmd)

	rootCmd.AddCommand(watchCmd)
}

// watcher is the state of one watch session.
type watcher struct {
	engine *reconcile.Engine
	out    io.Writer
	clear  bool
	redraw chan struct{}

	mu     sync.Mutex
	opts   filterOptions
	status mirror.Status
	notice string
	shown  []bookmark.Record
}

func (w *watcher) poke() {
	select {
	case w.redraw <- struct{}{}:
	default:
	}
}

func (w *watcher) setStatus(s mirror.Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
	w.poke()
}

func (w *watcher) setNotice(format string, args ...any) {
	w.mu.Lock()
	w.notice = fmt.Sprintf(format, args...)
	w.mu.Unlock()
	w.poke()
}

func (w *watcher) render() {
	view := w.engine.View()

	w.mu.Lock()
	defer w.mu.Unlock()

	shown := view
	if m, err := w.opts.matcher(time.Now()); err == nil && m != nil {
		shown = reconcile.ProjectWith(view, m)
	}
	w.shown = shown

	if w.clear {
		fmt.Fprint(w.out, "\033[H\033[2J")
	}
	fmt.Fprint(w.out, ui.RenderList(shown, ui.ListOptions{
		Total:  len(view),
		Query:  w.opts.label(),
		Status: w.status.String(),
	}))
	if w.notice != "" {
		fmt.Fprintf(w.out, "\n%s\n", w.notice)
	}
	fmt.Fprintf(w.out, "\n%s\n", ui.RenderMuted("add <title> <url> · rm <n|id> · q <text> · quit"))
}

// handle runs one typed command.
func (w *watcher) handle(line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		w.setNotice("%s %v", ui.RenderWarn("⚠"), err)
		return nil
	}

	switch cmd.name {
	case "":
		return nil
	case "quit":
		return errQuit
	case "q":
		w.mu.Lock()
		w.opts.Query = cmd.query
		w.mu.Unlock()
		w.poke()
	case "add":
		m, err := w.engine.OptimisticCreate(cmd.title, cmd.url)
		if err != nil {
			w.setNotice("%s Failed to add bookmark: %s", ui.RenderFail("✗"), describe(err))
			return nil
		}
		go w.report(m, "Bookmark added!", "Failed to add bookmark")
	case "rm":
		id := cmd.id
		if cmd.index > 0 {
			w.mu.Lock()
			if cmd.index <= len(w.shown) {
				id = w.shown[cmd.index-1].ID
			}
			w.mu.Unlock()
			if id == "" {
				w.setNotice("%s No bookmark #%d", ui.RenderWarn("⚠"), cmd.index)
				return nil
			}
		}
		m, err := w.engine.OptimisticDelete(id)
		if err != nil {
			if errors.Is(err, reconcile.ErrProvisional) {
				w.setNotice("%s Still saving, try again in a moment", ui.RenderWarn("⚠"))
				return nil
			}
			w.setNotice("%s Failed to delete bookmark: %s", ui.RenderFail("✗"), describe(err))
			return nil
		}
		go w.report(m, "Bookmark deleted", "Failed to delete bookmark")
	}
	return nil
}

// report shows the outcome of a mutation once it settles.
func (w *watcher) report(m *reconcile.Mutation, ok, failed string) {
	<-m.Done()
	if err := m.Err(); err != nil {
		w.setNotice("%s %s: %s", ui.RenderFail("✗"), failed, describe(err))
		return
	}
	w.setNotice("%s %s", ui.RenderPass("✓"), ok)
}

func (w *watcher) reportImport(res importer.Result) {
	if res.Err != nil {
		w.setNotice("%s %s: %s", ui.RenderFail("✗"), res.Path, describe(res.Err))
		return
	}
	w.setNotice("%s Importing %d bookmarks from %s", ui.RenderAccent("↓"), len(res.Mutations), res.Path)
}

// command is one parsed watch command.
type command struct {
	name  string
	title string
	url   string
	id    string
	index int
	query string
}

// parseCommand parses a line typed during watch. The URL of add is its last
// word; everything before it is the title.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}

	switch name := strings.ToLower(fields[0]); name {
	case "quit", "exit":
		return command{name: "quit"}, nil
	case "q", "query", "/":
		return command{name: "q", query: strings.Join(fields[1:], " ")}, nil
	case "add":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("usage: add <title> <url>")
		}
		return command{
			name:  "add",
			title: strings.Join(fields[1:len(fields)-1], " "),
			url:   fields[len(fields)-1],
		}, nil
	case "rm", "del", "delete":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: rm <n|id>")
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			if n < 1 {
				return command{}, fmt.Errorf("list numbers start at 1")
			}
			return command{name: "rm", index: n}, nil
		}
		return command{name: "rm", id: fields[1]}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// readLines delivers input lines until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
