package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/metrics"
	"github.com/serieslake-io/serieslake/internal/server"
)

const (
	defaultListenAddr     = "0.0.0.0:8080"
	defaultMetricsAddr    = "0.0.0.0:0"
	defaultConfigCacheTTL = 30 * time.Second
)

type ServeCmd struct {
	build BuildInfo
}

func NewServeCmd(build BuildInfo) *ServeCmd {
	return &ServeCmd{build: build}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger surface for pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr, err := cmd.Flags().GetString("listen-addr")
			if err != nil {
				return fmt.Errorf("failed to get listen-addr flag: %w", err)
			}
			metricsAddr, err := cmd.Flags().GetString("metrics-addr")
			if err != nil {
				return fmt.Errorf("failed to get metrics-addr flag: %w", err)
			}
			enablePprof, err := cmd.Flags().GetBool("enable-pprof")
			if err != nil {
				return fmt.Errorf("failed to get enable-pprof flag: %w", err)
			}
			configCacheTTL, err := cmd.Flags().GetDuration("config-cache-ttl")
			if err != nil {
				return fmt.Errorf("failed to get config-cache-ttl flag: %w", err)
			}

			app, err := config.LoadApp()
			if err != nil {
				return fmt.Errorf("failed to load app config: %w", err)
			}
			log, err := newLogger(cmd.Root().PersistentFlags(), app)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			eng, err := newEngine(ctx, log, app)
			if err != nil {
				return err
			}
			defer eng.Close()

			// Fail fast on a broken dataset directory before taking traffic.
			if _, err := eng.Datasets(); err != nil {
				return err
			}

			handler, err := server.NewHandler(server.Config{
				Logger:         log,
				Runner:         eng,
				LoadDatasets:   eng.Datasets,
				ConfigCacheTTL: configCacheTTL,
			})
			if err != nil {
				return fmt.Errorf("failed to create server handler: %w", err)
			}

			if enablePprof {
				go func() {
					log.Info("starting pprof server", "address", "localhost:6060")
					err := http.ListenAndServe("localhost:6060", nil)
					if err != nil {
						log.Error("failed to start pprof server", "error", err)
					}
				}()
			}

			metricsErrCh := make(chan error, 1)
			if metricsAddr != "" {
				metrics.BuildInfo.WithLabelValues(c.build.Version, c.build.Commit, c.build.Date).Set(1)
				go func() {
					listener, err := net.Listen("tcp", metricsAddr)
					if err != nil {
						log.Error("failed to start prometheus metrics server listener", "error", err)
						metricsErrCh <- err
						return
					}
					log.Info("prometheus metrics server listening", "address", listener.Addr().String())
					http.Handle("/metrics", promhttp.Handler())
					if err := http.Serve(listener, nil); err != nil {
						log.Error("failed to start prometheus metrics server", "error", err)
						metricsErrCh <- err
						return
					}
				}()
			}

			listener, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("failed to start http server listener: %w", err)
			}
			log.Info("http server listening", "address", listener.Addr().String())

			serverErrCh := make(chan error, 1)
			go func() {
				serverErrCh <- handler.Serve(ctx, listener)
			}()

			select {
			case err := <-serverErrCh:
				if err != nil {
					log.Error("server: server error causing shutdown", "error", err)
					return fmt.Errorf("http server: %w", err)
				}
				log.Info("server: shutting down", "reason", ctx.Err())
				return nil
			case err := <-metricsErrCh:
				log.Error("server: metrics server error causing shutdown", "error", err)
				return fmt.Errorf("metrics server: %w", err)
			}
		},
	}

	cmd.Flags().String("listen-addr", defaultListenAddr, "HTTP server listen address")
	cmd.Flags().String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty disables)")
	cmd.Flags().Bool("enable-pprof", false, "Enable pprof server")
	cmd.Flags().Duration("config-cache-ttl", defaultConfigCacheTTL, "How long to cache the dataset registry between reloads")

	return cmd
}
