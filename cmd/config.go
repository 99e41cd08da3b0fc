package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/buddyproxy/pkg/config"
)

var (
	configServerPath string
	configInitForce  bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configServerPath); err == nil && !configInitForce {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configServerPath)
			}
			cfg := config.NewDefaultServerConfig()
			cfg.Normalize()
			if err := config.Save(configServerPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configServerPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(configServerPath)
			if err != nil {
				return err
			}
			b, err := config.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	configCmd.PersistentFlags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	configCmd.AddCommand(initCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}

// loadServerConfig reads path, falling back to defaults when it does not
// exist.
func loadServerConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	cfg = config.NewDefaultServerConfig()
	cfg.Normalize()
	return cfg, cfg.Validate()
}
