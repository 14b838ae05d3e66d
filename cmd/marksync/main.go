package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/config"
	"github.com/marksync/marksync/internal/engine"
	"github.com/marksync/marksync/internal/localstore"
	"github.com/marksync/marksync/internal/observer"
	"github.com/marksync/marksync/internal/queue"
	"github.com/marksync/marksync/internal/registry"
	"github.com/marksync/marksync/internal/remote"
	"github.com/marksync/marksync/internal/state"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "marksync",
		Short:         "Bidirectional bookmark synchronization between a local tree and a remote collection service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace|debug|info|warn|error)")

	root.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newResyncCommand(),
		newStatusCommand(),
		newMapCommand(),
		newQueueCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

// app bundles the wired sync stack.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    *localstore.FileStore
	registry *registry.Registry
	queue    *queue.Queue
	guard    *observer.Guard
	session  *engine.Session
	observer *observer.Observer
	engine   *engine.Engine
}

func buildApp(cfg config.Config) (*app, error) {
	logger := newLogger(cfg)

	registryBackend, err := state.FromDSN(cfg.RegistryDSN, "registry")
	if err != nil {
		return nil, fmt.Errorf("registry backend: %w", err)
	}
	reg, err := registry.New(registryBackend, logger)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	queueBackend, err := state.FromDSN(cfg.QueueDSN, "queue")
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("queue backend: %w", err)
	}
	q, err := queue.New(queueBackend, queue.Options{MaxRetries: cfg.MaxRetries}, logger)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	store, err := localstore.NewFileStore(cfg.BookmarksFile, logger)
	if err != nil {
		reg.Close()
		q.Close()
		return nil, fmt.Errorf("open bookmark store: %w", err)
	}

	session := engine.NewSession()
	session.SetToken(cfg.RemoteToken)
	api, err := remote.NewClient(remote.ClientOptions{
		BaseURL:       cfg.RemoteBaseURL,
		TokenProvider: session.Token,
		RateLimit:     cfg.RateLimit,
		RateWindow:    cfg.RateWindow,
		MaxRetries:    cfg.MaxRetries,
		OnAuthInvalid: session.ClearToken,
		UserAgent:     "marksync",
	}, logger)
	if err != nil {
		store.Close()
		reg.Close()
		q.Close()
		return nil, fmt.Errorf("remote client: %w", err)
	}

	guard := &observer.Guard{}
	eng := engine.New(store, api, reg, q, guard, session, logger)
	obs := observer.New(reg, q, guard, observer.Options{
		CoalesceWindow: cfg.CoalesceWindow,
		Authenticated:  session.Authenticated,
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		queue:    q,
		guard:    guard,
		session:  session,
		observer: obs,
		engine:   eng,
	}, nil
}

func (a *app) Close() {
	a.observer.Close()
	a.store.Close()
	a.queue.Close()
	a.registry.Close()
}

// withApp wires the stack, runs fn, and tears down.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
