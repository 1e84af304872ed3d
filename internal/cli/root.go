package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// ConfigPath is the YAML config file. Empty uses defaults and the
	// environment only.
	ConfigPath string
	// EnvFile is loaded into the environment before SUBSYNC_* overrides.
	EnvFile string
	// Database overrides the cache path from the config.
	Database string
	// Timeout bounds one-shot commands that wait on the backend.
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultTimeout bounds one-shot commands.
const DefaultTimeout = 60 * time.Second

// NewRootCommand creates the root command for the subsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "subsync",
		Short: "subsync - subscription state synchronization",
		Long: `Keep a device's view of its subscriptions in sync with the subscription backend.

subsync registers the device, synchronizes the product catalog, validates
receipts and answers offer eligibility, persisting everything in a local
SQLite cache. Purchases run against a sandbox store described in YAML.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with SUBSYNC_* variables")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the SQLite cache (overrides config)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", DefaultTimeout, "timeout for one-shot commands")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPurchaseCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewEligibilityCommand(opts))
	cmd.AddCommand(NewAttributeCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
