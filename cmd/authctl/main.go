// Package main provides the authctl binary. authctl drives a session
// against a remote auth API from the terminal: it logs in, keeps the token
// pair in a local credential database, refreshes it and issues
// authenticated requests.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/activitymap"
	"github.com/goliatone/go-auth-client/config"
	"github.com/goliatone/go-auth-client/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

const credentialsFile = "credentials.db"

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath  string
	verbose     bool
	metrics     bool
	activityLog string
}

// app bundles the collaborators a command needs
type app struct {
	opts       *config.Options
	backend    *authclient.HTTPBackend
	session    *authclient.SessionController
	registry   *prometheus.Registry
	durable    *storage.Bun
	logger     *slog.Logger
	showMetric bool
	closers    []io.Closer
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "authctl",
		Short: "Session client for token based auth APIs",
		Long: `authctl keeps a session against a remote auth API.

Credentials are stored in a local SQLite database. Access tokens are
refreshed before they expire and requests made with "authctl get" are
retried once after a refresh when the server rejects them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a config file")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&flags.metrics, "metrics", false, "Print client counters after the command")
	cmd.PersistentFlags().StringVar(&flags.activityLog, "activity-log", "", "Append session activity as JSON lines to this file")

	cmd.AddCommand(
		loginCmd(flags),
		registerCmd(flags),
		logoutCmd(flags),
		statusCmd(flags),
		refreshCmd(flags),
		whoamiCmd(flags),
		profileCmd(flags),
		getCmd(flags),
		configCmd(flags),
		versionCmd(),
	)

	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newApp loads config, opens the credential database and builds the
// session controller.
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	logger := newLogger(flags.verbose)

	loader := config.NewLoader(logger)
	opts, err := loader.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dsn := opts.GetDurableDSN()
	if dsn == "" {
		path := loader.UserDataPath(credentialsFile)
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = "file:" + path
	}

	durable, err := storage.OpenSQLite(ctx, dsn, storage.WithNamespace(opts.Storage.Namespace))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := authclient.NewMetrics(registry)

	var closers []io.Closer
	sink := activityLog(logger)
	if flags.activityLog != "" {
		f, err := os.OpenFile(flags.activityLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			_ = durable.Close()
			return nil, fmt.Errorf("open activity log: %w", err)
		}
		closers = append(closers, f)
		sink = activitymap.JSONLines(f, activitymap.WithDefaultChannel("authctl"))
	}

	store := authclient.NewCredentialStore(storage.NewMemory(), durable).WithLogger(logger)
	backend := authclient.NewHTTPBackend(opts, authclient.WithBackendLogger(logger))

	session := authclient.NewSessionController(backend, store,
		authclient.WithConfig(opts),
		authclient.WithLogger(logger),
		authclient.WithMetrics(metrics),
		authclient.WithActivitySink(sink),
	)

	return &app{
		opts:       opts,
		backend:    backend,
		session:    session,
		registry:   registry,
		durable:    durable,
		logger:     logger,
		showMetric: flags.metrics,
		closers:    closers,
	}, nil
}

func (a *app) Close() {
	if a.showMetric {
		printMetrics(a.registry)
	}
	if err := a.durable.Close(); err != nil {
		a.logger.Warn("failed to close credential store", "error", err)
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
}

// run wraps a command body with app setup and teardown
func run(flags *globalFlags, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func activityLog(logger *slog.Logger) authclient.ActivitySink {
	return authclient.ActivitySinkFunc(func(ctx context.Context, event authclient.ActivityEvent) error {
		rec := activitymap.Normalize(event, activitymap.WithDefaultChannel("authctl"))
		logger.Debug("activity",
			"verb", rec.Verb,
			"actor_id", rec.ActorID,
			"metadata", rec.Metadata,
			"at", rec.OccurredAt,
		)
		return nil
	})
}

func printMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gather metrics: %v\n", err)
		return
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, l := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}
			fmt.Fprintf(os.Stderr, "%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
}
