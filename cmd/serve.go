package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/stereorec/internal/observe"
	"github.com/audiolibrelab/stereorec/internal/server"
	"github.com/audiolibrelab/stereorec/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the stereorec web server to control recording from a browser or
any HTTP client on the same network. Status changes are pushed over a
WebSocket on /ws/status and Prometheus metrics are served on /metrics.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}
		staticDir, _ := cmd.Flags().GetString("static")
		openBrowser, _ := cmd.Flags().GetBool("open")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svcOpts := service.Options{}
		srvOpts := server.Options{StaticDir: staticDir}
		if cfg.Server.MetricsEnabled() {
			provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
			if err != nil {
				return fmt.Errorf("failed to set up metrics: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					slog.Warn("Metrics provider shutdown failed", "error", err)
				}
			}()
			svcOpts.Metrics = provider.Metrics
			srvOpts.Metrics = provider.Metrics
			srvOpts.MetricsHandler = provider.Handler()
		}

		svc := service.New(cfg, cfgFile, svcOpts)
		defer func() {
			if err := svc.Close(); err != nil {
				slog.Warn("Recording did not stop cleanly", "error", err)
			}
		}()

		if openBrowser {
			url := "http://localhost:" + port
			go func() {
				time.Sleep(500 * time.Millisecond)
				if err := browser.OpenURL(url); err != nil {
					slog.Warn("Could not open browser", "url", url, "error", err)
				}
			}()
		}

		slog.Info("stereorec web server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)
		if err := server.New(svc, cfgFile, port, srvOpts).Run(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (default from server.port)")
	serveCmd.Flags().String("static", "", "directory with an index.html replacing the built-in page")
	serveCmd.Flags().Bool("open", false, "open the web UI in the default browser")
}
