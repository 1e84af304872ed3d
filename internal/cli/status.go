package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/cache"
	"github.com/roach88/subsync/internal/model"
	"github.com/roach88/subsync/internal/purchase"
)

// CachedStatus is what the local cache knows without contacting the
// backend.
type CachedStatus struct {
	Database             string                      `json:"database"`
	DeviceID             string                      `json:"device_id,omitempty"`
	UserID               string                      `json:"user_id,omitempty"`
	UserCachedAt         *time.Time                  `json:"user_cached_at,omitempty"`
	Subscriptions        []model.Subscription        `json:"subscriptions"`
	NonRenewingPurchases []model.NonRenewingPurchase `json:"non_renewing_purchases"`
	Paywalls             []string                    `json:"paywalls"`
	ProductGroups        int                         `json:"product_groups"`
	ReceiptPending       bool                        `json:"receipt_pending"`
	ReceiptAttempts      int                         `json:"receipt_attempts,omitempty"`
}

// Active reports whether any cached subscription grants access.
func (s CachedStatus) Active() bool {
	for _, sub := range s.Subscriptions {
		if sub.IsActive() {
			return true
		}
	}
	return false
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cached identity and entitlements",
		Long: `Show what the local cache knows: device and user IDs, subscriptions,
non-renewing purchases, paywalls and any receipt submission still pending.

The backend is not contacted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
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

	st, err := readStatus(commandContext(cmd), store, cfg.Database)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeCache, "read cache", err)
	}
	return f.Render(st, func(w io.Writer) { printStatus(w, st) })
}

func readStatus(ctx context.Context, store *cache.Store, path string) (CachedStatus, error) {
	st := CachedStatus{Database: path}

	var err error
	if st.DeviceID, _, err = store.Identifier(ctx, cache.IdentifierDevice); err != nil {
		return st, err
	}
	if st.UserID, _, err = store.Identifier(ctx, cache.IdentifierUser); err != nil {
		return st, err
	}

	user, at, err := store.LoadUser(ctx)
	if err != nil {
		return st, err
	}
	if user != nil {
		st.UserCachedAt = &at
		st.Subscriptions = user.Subscriptions
		st.NonRenewingPurchases = user.NonRenewingPurchases
	}

	paywalls, _, err := store.LoadPaywalls(ctx)
	if err != nil {
		return st, err
	}
	for _, pw := range paywalls {
		st.Paywalls = append(st.Paywalls, pw.Identifier)
	}

	groups, err := store.LoadProductGroups(ctx)
	if err != nil {
		return st, err
	}
	st.ProductGroups = len(groups)

	pending, err := purchase.LoadPendingSubmission(ctx, store)
	if err != nil {
		return st, err
	}
	st.ReceiptPending = pending.Required
	st.ReceiptAttempts = pending.Attempts
	return st, nil
}

func printStatus(w io.Writer, st CachedStatus) {
	orNone := func(s string) string {
		if s == "" {
			return "(none)"
		}
		return s
	}
	fmt.Fprintf(w, "Cache:     %s\n", st.Database)
	fmt.Fprintf(w, "Device ID: %s\n", orNone(st.DeviceID))
	fmt.Fprintf(w, "User ID:   %s\n", orNone(st.UserID))
	if st.UserCachedAt != nil {
		fmt.Fprintf(w, "Synced:    %s\n", st.UserCachedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Active:    %t\n", st.Active())

	fmt.Fprintf(w, "\nSubscriptions (%d)\n", len(st.Subscriptions))
	for _, sub := range st.Subscriptions {
		fmt.Fprintf(w, "  %-24s %-9s expires %s\n", sub.ProductID, sub.Status, sub.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "\nNon-renewing purchases (%d)\n", len(st.NonRenewingPurchases))
	for _, p := range st.NonRenewingPurchases {
		fmt.Fprintf(w, "  %-24s purchased %s\n", p.ProductID, p.PurchasedAt.Format(time.RFC3339))
	}

	fmt.Fprintf(w, "\nPaywalls: %d, product groups: %d\n", len(st.Paywalls), st.ProductGroups)
	if st.ReceiptPending {
		fmt.Fprintf(w, "Receipt submission pending (%d attempts)\n", st.ReceiptAttempts)
	}
}
