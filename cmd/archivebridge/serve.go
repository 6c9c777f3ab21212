package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/archivebridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the bridge daemon",
		Long: `Start the worker, load the metadata file and serve the HTTP API.
All configuration is loaded from the config file, layered over
ARCHIVEBRIDGE_* environment variables.

Examples:
  archivebridge serve                  # uses --config
  archivebridge serve config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, configPath)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}
	cfg, err := archivebridge.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	bridge, err := archivebridge.New(cfg)
	if err != nil {
		return err
	}

	out := cmd.ErrOrStderr()
	unsub := bridge.SubscribeNotices(func(n archivebridge.Notice) {
		if n.Level == archivebridge.NoticeFatal || n.Level == archivebridge.NoticeError {
			_, _ = fmt.Fprintf(out, "[%s] %s\n", n.Level, n.Text)
		}
	})
	defer unsub()

	if cfg.Metrics.Enabled {
		if err := archivebridge.RegisterMetricsDefault(); err != nil {
			_, _ = fmt.Fprintf(out, "Warning: failed to register metrics: %v\n", err)
		}
		if err := bridge.RegisterWorkerMetrics(prometheus.DefaultRegisterer); err != nil {
			_, _ = fmt.Fprintf(out, "Warning: failed to register worker metrics: %v\n", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := archivebridge.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
					_, _ = fmt.Fprintf(out, "Metrics server error: %v\n", err)
				}
			}()
		}
	}

	if err := bridge.Start(ctx); err != nil {
		_ = shutdown(bridge)
		return fmt.Errorf("start bridge: %w", err)
	}

	var server *http.Server
	if cfg.API.Enabled {
		server, err = bridge.NewAPIServer()
		if err != nil {
			_ = shutdown(bridge)
			return err
		}
		protocol := "HTTP"
		if server.TLSConfig != nil {
			protocol = "HTTPS"
		}
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				_, _ = fmt.Fprintf(out, "API server error: %v\n", err)
			}
		}()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Serving archivebridge %s API on %s%s\n", protocol, cfg.API.Listen, cfg.API.BasePath)
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(sctx)
		cancel()
	}
	return shutdown(bridge)
}

func shutdown(b *archivebridge.Bridge) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}
