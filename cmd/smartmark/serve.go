package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smartmark/smartmark/internal/api"
	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/store"
	"github.com/smartmark/smartmark/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the bookmark gateway",
	Long: `Run the HTTP gateway and change feed.

Endpoints:
  GET    /api/bookmarks        List your bookmarks, newest first
  POST   /api/bookmarks        Create a bookmark ({"title", "url"})
  DELETE /api/bookmarks/{id}   Delete one of your bookmarks
  GET    /ws                   Change feed (websocket)
  GET    /health               Health check

Every request needs a bearer token issued with 'smartmark token'.`,
	Run: func(cmd *cobra.Command, args []string) {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
			cfg.Server.DBPath = dbPath
		}

		issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
		if err != nil {
			fatal("%v (set auth.secret or SMARTMARK_AUTH_SECRET)", err)
		}

		db, err := store.Open(cfg.Server.DBPath)
		if err != nil {
			fatal("opening database: %v", err)
		}
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := db.InitSchema(ctx); err != nil {
			fatal("initializing schema: %v", err)
		}

		server, err := api.NewServer(&api.Config{
			Addr:     cfg.Server.Addr,
			Records:  db,
			Verifier: issuer,
			Logger:   logger("api"),
		})
		if err != nil {
			fatal("%v", err)
		}

		if err := server.Start(); err != nil {
			fatal("failed to start gateway: %v", err)
		}

		fmt.Printf("%s Gateway listening on http://%s\n", ui.RenderPass("✓"), server.GetAddr())
		fmt.Printf("   Database: %s\n", cfg.Server.DBPath)
		fmt.Printf("   Feed: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down gateway...")
		if err := server.Stop(); err != nil {
			fatal("during shutdown: %v", err)
		}
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <user-id>",
	GroupID: "server",
	Short:   "Issue a session token for a user",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")

		issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
		if err != nil {
			fatal("%v (set auth.secret or SMARTMARK_AUTH_SECRET)", err)
		}

		token, err := issuer.Issue(args[0], email)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(token)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().String("db", "", "Database path (overrides server.db_path)")
	tokenCmd.Flags().String("email", "", "Email to embed in the token")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
