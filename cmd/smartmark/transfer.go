package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/smartmark/smartmark/internal/bookmark"
	"github.com/smartmark/smartmark/internal/importer"
	"github.com/smartmark/smartmark/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file>...",
	GroupID: "bookmarks",
	Short:   "Save every bookmark in JSON, YAML or TOML files",
	Long: `Save every bookmark in JSON, YAML or TOML files.

A file holds either one bookmark:

  title: Go
  url: https://go.dev

or a list under "bookmarks". Imported files are renamed to <file>.imported.
A file with any invalid entry is left untouched.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := newClient()
		if err != nil {
			fatal("%v", err)
		}
		eng, err := newEngine(c)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		im, err := importer.New(filepath.Dir(args[0]), eng, &importer.Config{Logger: logger("import")})
		if err != nil {
			fatal("%v", err)
		}
		defer im.Stop()

		failed := 0
		for _, path := range args {
			res := im.ImportFile(path)
			if res.Err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %s\n", ui.RenderFail("✗"), path, describe(res.Err))
				failed++
			}

			saved := 0
			for _, m := range res.Mutations {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.MutationTimeout)
				err := m.Wait(ctx)
				cancel()
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s %s: %s\n", ui.RenderFail("✗"), path, describe(err))
					failed++
					continue
				}
				saved++
			}
			if saved > 0 {
				fmt.Printf("%s Imported %d bookmarks from %s\n", ui.RenderPass("✓"), saved, path)
			}
		}

		if failed > 0 {
			os.Exit(1)
		}
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "bookmarks",
	Short:   "Write all bookmarks as JSON, YAML or TOML",
	Long: `Write all bookmarks as JSON, YAML or TOML.

The format follows the file extension, or --format when writing to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		formatName, _ := cmd.Flags().GetString("format")

		c, err := newClient()
		if err != nil {
			fatal("%v", err)
		}
		records, err := c.List(cmd.Context())
		if err != nil {
			fatal("failed to list bookmarks: %s", describe(err))
		}

		if len(args) == 1 {
			if err := bookmark.WriteFile(args[0], records); err != nil {
				fatal("%v", err)
			}
			fmt.Fprintf(os.Stderr, "%s Exported %d bookmarks to %s\n", ui.RenderPass("✓"), len(records), args[0])
			return
		}

		format, err := bookmark.ParseFormat(formatName)
		if err != nil {
			fatal("%v", err)
		}
		if err := writeExport(os.Stdout, records, format); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "Output format when writing to stdout (json, yaml, toml)")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}

func writeExport(w io.Writer, records []bookmark.Record, format bookmark.Format) error {
	data, err := bookmark.Encode(records, format)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
