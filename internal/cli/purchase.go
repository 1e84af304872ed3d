package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
)

// PurchaseOptions holds flags for the purchase command.
type PurchaseOptions struct {
	*RootOptions
	Store   StoreOptions
	OfferID string
}

// PurchaseOutput is the result of a purchase or restore.
type PurchaseOutput struct {
	ProductID     string               `json:"product_id,omitempty"`
	TransactionID string               `json:"transaction_id,omitempty"`
	State         string               `json:"state,omitempty"`
	Active        bool                 `json:"active"`
	UserID        string               `json:"user_id,omitempty"`
	Subscriptions []model.Subscription `json:"subscriptions,omitempty"`
}

// NewPurchaseCommand creates the purchase command.
func NewPurchaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurchaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purchase <product-id>",
		Short: "Buy a product from the sandbox store",
		Long: `Buy a product from the sandbox store and validate the receipt with the
backend. With --offer the purchase redeems a promotional offer signed by the
backend.

Example:
  subsync purchase pro_monthly --catalog catalog.yaml --receipt receipt.dat
  subsync purchase pro_annual --offer winback --catalog catalog.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurchase(opts, args[0], cmd)
		},
	}

	opts.Store.register(cmd)
	cmd.Flags().StringVar(&opts.OfferID, "offer", "", "promotional offer ID")

	return cmd
}

func runPurchase(opts *PurchaseOptions, productID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return oneShot(cmd, opts.RootOptions, opts.Store, func(ctx context.Context, s *session) error {
		var (
			res purchase.Result
			err error
		)
		if opts.OfferID != "" {
			res, err = s.engine.PurchasePromo(ctx, productID, opts.OfferID)
		} else {
			res, err = s.engine.Purchase(ctx, productID)
		}
		if err != nil {
			return backendFailure(f, "purchase", err)
		}

		out := PurchaseOutput{
			ProductID:     res.ProductID,
			TransactionID: res.TransactionID,
			State:         res.State.String(),
		}
		if res.Subscription != nil {
			out.Active = res.Subscription.IsActive()
			out.Subscriptions = []model.Subscription{*res.Subscription}
		}
		if res.NonRenewingPurchase != nil {
			out.Active = true
		}
		if out.UserID, err = s.engine.UserID(ctx); err != nil {
			return backendFailure(f, "purchase", err)
		}
		return f.Render(out, func(w io.Writer) {
			fmt.Fprintf(w, "✓ %s %s (transaction %s)\n", out.ProductID, out.State, out.TransactionID)
			fmt.Fprintf(w, "  active: %t, user: %s\n", out.Active, out.UserID)
		})
	})
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurchaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Submit the sandbox receipt as a restore",
		Long: `Submit the current sandbox receipt to the backend as a restore and print
the subscriptions it validates.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(opts, cmd)
		},
	}

	opts.Store.register(cmd)
	return cmd
}

func runRestore(opts *PurchaseOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	return oneShot(cmd, opts.RootOptions, opts.Store, func(ctx context.Context, s *session) error {
		user, err := s.engine.Restore(ctx)
		if err != nil {
			return backendFailure(f, "restore", err)
		}
		out := PurchaseOutput{State: "restored"}
		if user != nil {
			out.UserID = user.UserID
			out.Subscriptions = user.Subscriptions
			_, out.Active = user.ActiveSubscription()
		}
		return f.Render(out, func(w io.Writer) {
			fmt.Fprintf(w, "✓ restored %d subscription(s) for %s\n", len(out.Subscriptions), out.UserID)
			for _, sub := range out.Subscriptions {
				fmt.Fprintf(w, "  %-24s %s\n", sub.ProductID, sub.Status)
			}
		})
	})
}
