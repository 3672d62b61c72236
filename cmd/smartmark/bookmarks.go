package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/reconcile"
	"github.com/smartmark/smartmark/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title] [url]",
	GroupID: "bookmarks",
	Short:   "Save a bookmark",
	Long: `Save a bookmark.

With no arguments on a terminal, a form asks for the title and URL.`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var title, url string
		switch {
		case len(args) == 2:
			title, url = args[0], args[1]
		case isInteractive():
			if len(args) == 1 {
				title = args[0]
			}
			var err error
			title, url, err = promptBookmark(title)
			if errors.Is(err, huh.ErrUserAborted) {
				return
			}
			if err != nil {
				fatal("%v", err)
			}
		default:
			fatal("add needs a title and a URL")
		}

		if err := bookmark.ValidateFields(title, url); err != nil {
			fatal("%v", err)
		}

		c, err := newClient()
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.MutationTimeout)
		defer cancel()

		rec, err := c.Create(ctx, title, url)
		if err != nil {
			fatal("failed to add bookmark: %s", describe(err))
		}

		fmt.Printf("%s Bookmark added!\n", ui.RenderPass("✓"))
		fmt.Print(ui.RenderRecord(rec))
		fmt.Printf("    %s\n", ui.RenderMuted(rec.ID))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	GroupID: "bookmarks",
	Short:   "Delete bookmarks",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := newClient()
		if err != nil {
			fatal("%v", err)
		}

		failed := 0
		for _, id := range args {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.MutationTimeout)
			err := c.Delete(ctx, id)
			cancel()

			if err != nil {
				fmt.Fprintf(os.Stderr, "%s Failed to delete %s: %s\n", ui.RenderFail("✗"), id, describe(err))
				failed++
				continue
			}
			fmt.Printf("%s Bookmark deleted %s\n", ui.RenderPass("✓"), ui.RenderMuted(id))
		}

		if failed > 0 {
			os.Exit(1)
		}
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	GroupID: "bookmarks",
	Short:   "List bookmarks, newest first",
	Long: `List bookmarks, newest first.

Filters combine:
  --query docs                        Title contains "docs" (case-insensitive)
  --where 'host == "go.dev"'          Expression over id, title, url, host,
                                      created_at and provisional
  --since yesterday                   Created after a time ("36h", "2024-05-01",
                                      "last monday")`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := readFilterFlags(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")

		m, err := opts.matcher(time.Now())
		if err != nil {
			fatal("%v", err)
		}

		c, err := newClient()
		if err != nil {
			fatal("%v", err)
		}

		records, err := c.List(cmd.Context())
		if err != nil {
			fatal("failed to list bookmarks: %s", describe(err))
		}

		shown := records
		if m != nil {
			shown = reconcile.ProjectWith(records, m)
		}

		if asJSON {
			data, err := bookmark.Encode(shown, bookmark.FormatJSON)
			if err != nil {
				fatal("%v", err)
			}
			os.Stdout.Write(data)
			return
		}

		fmt.Print(ui.RenderList(shown, ui.ListOptions{
			Total: len(records),
			Query: opts.label(),
		}))
	},
}

func init() {
	lsCmd.Flags().Bool("json", false, "Output JSON")
	addFilterFlags(lsCmd)

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("query", "q", "", "Only titles containing this text")
	cmd.Flags().String("where", "", "Only bookmarks matching this expression")
	cmd.Flags().String("since", "", "Only bookmarks created after this time")
}

func readFilterFlags(cmd *cobra.Command) filterOptions {
	var opts filterOptions
	opts.Query, _ = cmd.Flags().GetString("query")
	opts.Where, _ = cmd.Flags().GetString("where")
	opts.Since, _ = cmd.Flags().GetString("since")
	return opts
}

// label names the active filter in empty-result messages.
func (o filterOptions) label() string {
	var parts []string
	for _, s := range []string{o.Query, o.Where, o.Since} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// promptBookmark asks for a title and URL, pre-filling title if given.
func promptBookmark(title string) (string, string, error) {
	var url string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(&title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("URL").
				Placeholder("https://").
				Value(&url).
				Validate(func(s string) error {
					return bookmark.ValidateFields("-", s)
				}),
		),
	)

	if err := form.Run(); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(title), strings.TrimSpace(url), nil
}
