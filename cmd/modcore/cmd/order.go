package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
)

// NewOrderCommand prints the resolved load and shutdown orders without
// starting anything.
func NewOrderCommand() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the module load and shutdown order",
		Long: `Resolve the dependency graph of the configured modules and print the
order they are loaded in and the order they are shut down in. Cycles and
missing dependencies are reported as errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			srv, err := modcore.NewServer(cfg, DefaultCatalog())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Load order:     %s\n", strings.Join(srv.LoadOrder(), " -> "))
			fmt.Fprintf(out, "Shutdown order: %s\n", strings.Join(srv.ShutdownOrder(), " -> "))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// NewModulesCommand lists the modules compiled into the binary.
func NewModulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the available modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := DefaultCatalog()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tDEPENDENCIES\tDESCRIPTION")
			for _, name := range catalog.Names() {
				reg, _ := catalog.Lookup(name)
				deps := strings.Join(reg.Dependencies, ",")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", reg.Name, reg.Version, deps, reg.Description)
			}
			return w.Flush()
		},
	}
}

// NewConfigCommand prints the effective configuration after environment
// overrides and defaults.
func NewConfigCommand() *cobra.Command {
	var (
		flags  configFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return config.Encode(cmd.OutOrStdout(), cfg, format)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format ("+strings.Join(config.Formats, ", ")+")")
	return cmd
}
