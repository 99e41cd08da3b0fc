package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/buddyproxy/pkg/logutil"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "buddyproxy",
	Short: "OpenAI-compatible proxy for the ThinkBuddy chat backend",
	Long: "buddyproxy accepts OpenAI API calls authenticated with a client secret, manages the\n" +
		"short-lived upstream identity tokens for that secret and rewrites streamed\n" +
		"responses into OpenAI-compatible server-sent events.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel)
	}
}
