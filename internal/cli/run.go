package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/engine"
	"github.com/roach88/subsync/internal/gate"
	"github.com/roach88/subsync/internal/model"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Store StoreOptions
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string

	// ready, when set, receives the metrics listener address once the
	// engine is running (for testing).
	ready func(metricsAddr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Start the subsync engine and keep it running.

The engine registers the device, synchronizes product groups and the store
catalog, resumes any pending receipt submission and logs entitlement
changes as they happen. Prometheus metrics are served on --metrics-addr.

Example:
  subsync run --config subsync.yaml --catalog catalog.yaml
  subsync run --db /tmp/subsync.db --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	opts.Store.register(cmd)
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := openSession(ctx, cmd, opts.RootOptions, opts.Store, logChanges)
	if err != nil {
		return err
	}
	defer s.close()

	metricsAddr := ""
	if opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "listen for metrics", err)
		}
		metricsAddr = ln.Addr().String()
		srv := &http.Server{Handler: metricsMux(s), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("serving metrics", "addr", metricsAddr)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Syncing subscription state...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.ready != nil {
		opts.ready(metricsAddr)
	}

	<-ctx.Done()
	slog.Info("engine stopping")
	return nil
}

func logChanges(e *engine.Engine) {
	e.OnSubscriptionsUpdated(func(subs []model.Subscription) {
		for _, sub := range subs {
			slog.Info("subscription", "product_id", sub.ProductID, "status", sub.Status, "active", sub.IsActive())
		}
	})
	e.OnNonRenewingPurchasesUpdated(func(purchases []model.NonRenewingPurchase) {
		slog.Info("non-renewing purchases updated", "count", len(purchases))
	})
	e.OnIdentityChanged(func(userID string) {
		slog.Info("user id changed", "user_id", userID)
	})
}

// metricsMux serves /metrics and a /healthz readiness check that reports
// the engine status.
func metricsMux(s *session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st, err := s.engine.Status(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !st.Gates[gate.UserRegistered] {
			http.Error(w, "registering", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}
