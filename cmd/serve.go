package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/buddyproxy/pkg/config"
	"github.com/lkarlslund/buddyproxy/pkg/logutil"
	"github.com/lkarlslund/buddyproxy/pkg/metrics"
	"github.com/lkarlslund/buddyproxy/pkg/proxy"
	"github.com/lkarlslund/buddyproxy/pkg/upstream"
	"github.com/lkarlslund/buddyproxy/pkg/version"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(serveConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if !cmd.Flags().Changed("loglevel") {
				if err := logutil.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
			}
			manager, store, err := newTokenManager(ctx, cfg, m)
			if err != nil {
				return err
			}
			defer store.Close()

			slog.Info("starting buddyproxy", "version", version.Short(), "store", cfg.Store.Backend, "upstream", cfg.Upstream.BaseURL)
			srv := proxy.NewServer(cfg, manager, upstream.NewClient(cfg.UpstreamClientConfig()), m)
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}
