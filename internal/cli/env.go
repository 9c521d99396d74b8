package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/config"
	"github.com/roach88/provflow/internal/engine"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/transport"
	"github.com/roach88/provflow/internal/transport/direct"
	"github.com/roach88/provflow/internal/transport/local"
)

// env is what a command needs to talk to the provenance store: the store
// itself, the CLI user, the registry and, on demand, an engine.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	user     *store.User
	registry *registry.Registry
	plugins  *transport.Plugins
	pool     *transport.Pool
}

// openEnv opens the configured database, creating its directory if needed,
// and ensures the configured user exists.
func openEnv(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*env, error) {
	cfg := opts.Config
	if cfg == nil {
		// Subcommand executed without the root command, as in tests.
		if err := loadConfig(cmd, opts); err != nil {
			return nil, err
		}
		cfg = opts.Config
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log settings", err)
	}

	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	user, err := st.EnsureUser(ctx, cfg.User)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to resolve user", err)
	}

	plugins := transport.NewPlugins()
	plugins.RegisterTransport(local.Name, local.New())
	plugins.RegisterScheduler(direct.Name, direct.New())
	if opts.Plugins != nil {
		opts.Plugins(plugins)
	}

	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		user:     user,
		registry: registry.New(st, user),
		plugins:  plugins,
		pool:     transport.NewPool(plugins, cfg.Pool(), logger),
	}, nil
}

// engine builds an engine over the env's store and pool.
func (e *env) engine(opts ...engine.Option) *engine.Engine {
	opts = append([]engine.Option{engine.WithLogger(e.logger)}, opts...)
	return engine.New(e.store, e.registry, e.pool, e.user, e.cfg.Engine(), opts...)
}

// Close releases pooled sessions and the database.
func (e *env) Close() {
	if err := e.pool.Close(); err != nil {
		e.logger.Error("error closing sessions", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing database", "error", err)
	}
}

// newLogger builds the slog handler selected by the log settings. --verbose
// forces debug level.
func newLogger(w io.Writer, lc config.Log, verbose bool) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", lc.Format)
}

// notFound maps store.ErrNotFound to a command error and anything else to a
// failure.
func notFound(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitCommandError, what+" not found", err)
	}
	return WrapExitError(ExitFailure, "failed to load "+what, err)
}
