package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/constants"
	"github.com/kozaktomas/photo-tagger/internal/database/postgres"
	"github.com/kozaktomas/photo-tagger/internal/notify"
	"github.com/kozaktomas/photo-tagger/internal/tagger"
	"github.com/kozaktomas/photo-tagger/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tagging service",
	Long: `Start the photo tagging service.
Photos are submitted over HTTP by the chat frontend. Notifications go to
NOTIFY_WEBHOOK_URL when set, otherwise they are streamed to subscribers of
/api/v1/chats/{chatID}/events. With DATABASE_URL set, state is mirrored to
PostgreSQL every MIRROR_INTERVAL.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// resolveServeHostPort applies command line overrides to the web config.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
}

// openMirror connects the PostgreSQL mirror when configured.
func openMirror(ctx context.Context, cfg *config.Config) (*postgres.Pool, tagger.Mirror, error) {
	if cfg.Database.URL == "" {
		return nil, nil, nil
	}
	fmt.Printf("Connecting to PostgreSQL mirror...\n")
	pool, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	mirror := postgres.NewMirror(pool)
	switch syncedAt, err := mirror.SyncedAt(ctx); {
	case errors.Is(err, postgres.ErrNoMirror):
		fmt.Printf("Mirror is empty\n")
	case err != nil:
		slog.Warn("reading mirror state failed", "error", err)
	default:
		fmt.Printf("Mirror last synced at %s\n", syncedAt.Format("2006-01-02 15:04:05"))
	}
	return pool, mirror, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	resolveServeHostPort(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dbPool, mirror, err := openMirror(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if dbPool != nil {
		defer dbPool.Close()
	}

	var target notify.Notifier
	var hub *notify.Hub
	if cfg.Notify.WebhookURL != "" {
		target = notify.NewWebhook(cfg.Notify.WebhookURL)
		fmt.Printf("Delivering notifications to %s\n", cfg.Notify.WebhookURL)
	} else {
		hub = notify.NewHub()
		target = hub
		fmt.Printf("Streaming notifications over /api/v1/chats/{chatID}/events\n")
	}

	p, err := newPipeline(cfg, target, mirror)
	if err != nil {
		return err
	}
	p.start()

	server := web.NewServer(cfg, p.dist, hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("web server shutdown failed", "error", err)
		}
	}()

	fmt.Printf("Starting Photo Tagger on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	serveErr := server.Start()
	p.stop()
	if serveErr != nil {
		return fmt.Errorf("starting server: %w", serveErr)
	}
	return nil
}
