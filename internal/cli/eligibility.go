package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// EligibilityOptions holds flags for the eligibility command.
type EligibilityOptions struct {
	*RootOptions
	Store StoreOptions
	Promo bool
}

// EligibilityOutput maps product IDs to offer eligibility.
type EligibilityOutput struct {
	Kind        string          `json:"kind"`
	Eligibility map[string]bool `json:"eligibility"`
}

// NewEligibilityCommand creates the eligibility command.
func NewEligibilityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EligibilityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eligibility <product-id>...",
		Short: "Check introductory or promotional offer eligibility",
		Long: `Check whether the current user may redeem the introductory offer of each
product. With --promo, check promotional offer eligibility instead.

Products the store or backend does not know are reported eligible for the
introductory offer and ineligible for promotional offers.

Example:
  subsync eligibility pro_monthly pro_annual --catalog catalog.yaml
  subsync eligibility pro_annual --promo --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEligibility(opts, args, cmd)
		},
	}

	opts.Store.register(cmd)
	cmd.Flags().BoolVar(&opts.Promo, "promo", false, "check promotional offer eligibility")

	return cmd
}

func runEligibility(opts *EligibilityOptions, productIDs []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return oneShot(cmd, opts.RootOptions, opts.Store, func(ctx context.Context, s *session) error {
		out := EligibilityOutput{Kind: "intro"}
		var err error
		if opts.Promo {
			out.Kind = "promo"
			out.Eligibility, err = s.engine.CheckPromoEligibility(ctx, productIDs)
		} else {
			out.Eligibility, err = s.engine.CheckIntroEligibility(ctx, productIDs)
		}
		if err != nil {
			return backendFailure(f, "eligibility check", err)
		}

		return f.Render(out, func(w io.Writer) {
			ids := make([]string, 0, len(out.Eligibility))
			for id := range out.Eligibility {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				mark := "✗"
				if out.Eligibility[id] {
					mark = "✓"
				}
				fmt.Fprintf(w, "%s %-24s %s offer\n", mark, id, out.Kind)
			}
		})
	})
}
