package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/buddyproxy/pkg/config"
	"github.com/lkarlslund/buddyproxy/pkg/credstore"
	"github.com/lkarlslund/buddyproxy/pkg/identity"
	"github.com/lkarlslund/buddyproxy/pkg/tokens"
)

var tokenConfigPath string

func init() {
	tokenCmd := &cobra.Command{
		Use:   "token <client-secret>",
		Short: "Print a valid upstream access token for a client secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(tokenConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			manager, store, err := newTokenManager(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			tok, err := manager.GetValidToken(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(tokenCmd)
}

// newTokenManager opens the configured credential store and builds a
// manager on top of it. The caller closes the store.
func newTokenManager(ctx context.Context, cfg *config.ServerConfig, obs tokens.Observer) (*tokens.Manager, credstore.Store, error) {
	store, err := credstore.Open(ctx, cfg.CredStoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open credential store: %w", err)
	}
	var opts []tokens.Option
	if obs != nil {
		opts = append(opts, tokens.WithObserver(obs))
	}
	return tokens.NewManager(store, identity.NewClient(cfg.IdentityClientConfig()), opts...), store, nil
}
