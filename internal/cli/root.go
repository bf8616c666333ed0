// Package cli is the digestbot command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the digestbot command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "digestbot",
		Short: "Scheduled activity digests from GitHub and Slack",
		Long: `digestbot collects recent GitHub and Slack activity for each configured target,
assembles a markdown digest and delivers it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.yaml", "config file (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewDispatchCommand(opts))
	cmd.AddCommand(NewAssembleCommand(opts))
	cmd.AddCommand(NewCronCommand(opts))
	cmd.AddCommand(NewCatalogCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}
