package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fleetsync",
		Short:         "Offline-resilient sync for the fleet operations dashboard",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newAgentCommand(),
		newQueueCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")

	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Session token issuer")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")

	cmd.PersistentFlags().String("backend-url", defaults.GetString("agent.backend_url"), "Row store API base URL")
	cmd.PersistentFlags().String("token", "", "Session token used by the device agent")
	cmd.PersistentFlags().String("store-path", defaults.GetString("agent.store_path"), "Device-local SQLite path")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "agent.backend_url", "backend-url")
	bindFlag(cmd, "agent.token", "token")
	bindFlag(cmd, "agent.store_path", "store-path")
}

// bindFlag binds a local or persistent flag of cmd to a viper key.
func bindFlag(cmd *cobra.Command, key, flag string) {
	lookup := cmd.Flags().Lookup(flag)
	if lookup == nil {
		lookup = cmd.PersistentFlags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, lookup); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
