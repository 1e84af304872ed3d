package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/config"
	"github.com/roach88/subsync/internal/engine"
	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/storefront"
)

// StoreOptions select the sandbox store for commands that run the engine.
type StoreOptions struct {
	// Catalog is the sandbox catalog YAML. Empty means an empty store.
	Catalog string
	// Receipt is the sandbox receipt file, created on first purchase.
	Receipt string
}

func (o *StoreOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Catalog, "catalog", "", "sandbox store catalog (YAML)")
	cmd.Flags().StringVar(&o.Receipt, "receipt", "", "sandbox receipt file")
}

// loadConfig reads the config and applies command-line overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// configureLogging installs a text handler on w. Verbose forces debug.
func configureLogging(w io.Writer, level string, verbose bool) {
	lvl := parseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// session is a started engine backed by the HTTP client and a sandbox
// store.
type session struct {
	engine  *engine.Engine
	sandbox *storefront.Sandbox
	metrics *metrics.Metrics
	done    chan error
}

// openSession loads config, builds the engine and starts it. setup, when
// set, runs before Start to register listeners. The loop runs in the
// background until close.
func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions, store StoreOptions, setup func(*engine.Engine)) (*session, error) {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, configFailure(f, err)
	}
	configureLogging(cmd.ErrOrStderr(), cfg.LogLevel, opts.Verbose)

	catalog := storefront.SandboxCatalog{}
	if store.Catalog != "" {
		catalog, err = storefront.LoadSandboxCatalog(store.Catalog)
		if err != nil {
			return nil, f.Fail(ExitCommandError, ErrCodeNotFound, "load sandbox catalog", err)
		}
	}
	var sandboxOpts []storefront.SandboxOption
	if store.Receipt != "" {
		sandboxOpts = append(sandboxOpts, storefront.WithReceiptFile(store.Receipt))
	}
	sandbox, err := storefront.NewSandbox(catalog, sandboxOpts...)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeNotFound, "open sandbox store", err)
	}

	m := metrics.New()
	client := api.New(cfg.BaseURL, cfg.APIKey,
		api.WithVersion(cfg.APIVersion),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithMetrics(m),
	)

	e, err := engine.New(cfg, engine.Deps{
		Backend:    client,
		Storefront: sandbox,
		Metrics:    m,
	})
	if err != nil {
		sandbox.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeCache, "create engine", err)
	}

	if setup != nil {
		setup(e)
	}
	if err := e.Start(ctx); err != nil {
		e.Stop()
		sandbox.Close()
		return nil, f.Fail(ExitFailure, ErrCodeEngine, "start engine", err)
	}

	s := &session{engine: e, sandbox: sandbox, metrics: m, done: make(chan error, 1)}
	go func() { s.done <- e.Run(ctx) }()
	return s, nil
}

// close stops the engine and waits for the loop to exit.
func (s *session) close() {
	s.engine.Stop()
	if err := <-s.done; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("engine loop ended with error", "error", err)
	}
	s.sandbox.Close()
}

// oneShot runs fn against a started session bounded by the root timeout.
func oneShot(cmd *cobra.Command, opts *RootOptions, store StoreOptions, fn func(ctx context.Context, s *session) error) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
	defer cancel()

	s, err := openSession(ctx, cmd, opts, store, nil)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func configFailure(f *OutputFormatter, err error) error {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		if outErr := f.Error(ErrCodeConfig, "invalid config", verr.Problems); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "invalid config", err)
	}
	return f.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
}

// backendFailure reports an operation the backend or store rejected.
func backendFailure(f *OutputFormatter, op string, err error) error {
	return f.Fail(ExitFailure, ErrCodeBackend, fmt.Sprintf("%s failed", op), err)
}
