package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modcore/config"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// OsExit is replaced in tests.
var OsExit = os.Exit

// NewRootCommand creates the root command for the modcore binary
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modcore",
		Short: "Modcore - a modular game server",
		Long: `Modcore runs a server assembled from modules (network, sqlite, auth and
game) that are loaded in dependency order and talk over a priority event bus.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.SetVersionTemplate(PrintVersion() + "\n")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewOrderCommand())
	cmd.AddCommand(NewModulesCommand())
	cmd.AddCommand(NewConfigCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints the build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}

// PrintVersion formats the build information.
func PrintVersion() string {
	return fmt.Sprintf("Modcore v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// configFlags are shared by every command that reads the configuration.
type configFlags struct {
	path      string
	envFile   string
	envPrefix string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "Configuration file (YAML, TOML or JSON)")
	cmd.Flags().StringVar(&f.envFile, "env-file", "", "Optional .env file applied after the configuration file")
	cmd.Flags().StringVar(&f.envPrefix, "env-prefix", config.EnvPrefix, "Prefix of environment variable overrides")
}

func (f *configFlags) loadOptions() []config.LoadOption {
	opts := []config.LoadOption{config.WithEnvPrefix(f.envPrefix)}
	if f.envFile != "" {
		opts = append(opts, config.WithDotEnv(f.envFile))
	}
	return opts
}

func (f *configFlags) load() (*config.ServerConfig, error) {
	return config.Load(f.path, f.loadOptions()...)
}
