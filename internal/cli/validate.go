package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Database string   `json:"database,omitempty"`
	BaseURL  string   `json:"base_url,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration without starting the engine",
		Long: `Load the config file, the env file and SUBSYNC_* environment variables
and check the result against the configuration schema.

Every schema violation is reported, not just the first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		if f.Format == "json" {
			if outErr := f.Error(ErrCodeConfig, "validation failed", ValidationResult{Problems: verr.Problems}); outErr != nil {
				return outErr
			}
		} else {
			printProblems(f.Writer, verr.Problems)
		}
		return WrapExitError(ExitFailure, "validation failed", err)
	case err != nil:
		return f.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}

	res := ValidationResult{Valid: true, Database: cfg.Database, BaseURL: cfg.BaseURL}
	return f.Render(res, func(w io.Writer) {
		fmt.Fprintln(w, "✓ Configuration valid")
		f.VerboseLog("  database: %s", cfg.Database)
		f.VerboseLog("  base url: %s", cfg.BaseURL)
	})
}

func printProblems(w io.Writer, problems []string) {
	fmt.Fprintf(w, "✗ Validation failed with %d problem(s):\n\n", len(problems))
	for _, p := range problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}
