package main

import (
	"fmt"

	"github.com/open-rails/fedlink/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfg *core.Config
	log *logrus.Logger

	rootCmd = &cobra.Command{
		Use:   "fedlink",
		Short: "Federated sign-in with automatic account linking",
		Long: `fedlink signs users in through federated identity providers, links
a new provider to an existing account when the email is already taken, and
verifies the resulting ID tokens behind a small profile gateway.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := core.LoadConfig()
			if err != nil {
				return err
			}
			l, err := c.NewLogger()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			cfg, log = c, l
			return nil
		},
	}
)

// Execute adds all child commands to the root command and runs it.
func Execute() error { return rootCmd.Execute() }

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
}
