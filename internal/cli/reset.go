package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/cache"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the local cache",
		Long: `Delete every cached identifier, record and flag. The next run registers
as a new device.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(rootOpts, cmd)
		},
	}
	return cmd
}

func runReset(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return configFailure(f, err)
	}

	store, err := cache.Open(cfg.Database)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeCache, "open cache", err)
	}
	defer store.Close()

	if err := store.Reset(commandContext(cmd)); err != nil {
		return f.Fail(ExitCommandError, ErrCodeCache, "reset cache", err)
	}
	return f.Render(map[string]string{"database": cfg.Database}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ cache %s cleared\n", cfg.Database)
	})
}
