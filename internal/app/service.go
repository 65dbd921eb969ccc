// Package app assembles a running sipstate process from its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sipstate/internal/config"
	"sipstate/internal/consumer"
	"sipstate/internal/db"
	"sipstate/internal/engine"
	"sipstate/internal/metrics"
	"sipstate/internal/migrate"
	"sipstate/internal/normalize"
	"sipstate/internal/notify"
	"sipstate/internal/poller"
	"sipstate/internal/pulsarbus"
	"sipstate/internal/repo"
	"sipstate/internal/server"
)

// ResolveConfig loads path when set, otherwise sipstate.yml in workspace,
// falling back to the defaults when neither exists.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", cfg.Service.Name)
}

// OpenStore opens and migrates the state store.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config) (*sql.DB, repo.Repo, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Store.Path})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("migrate: %w", err)
	}
	r := repo.New(conn)
	r.KeepHistory = cfg.Store.History
	return conn, r, nil
}

// DialFunc connects the broker. pulsarbus.Dial is the production value.
type DialFunc func(cfg config.PulsarConfig, logger *slog.Logger) (*pulsarbus.Bus, error)

// Service holds every wired component of one process.
type Service struct {
	Config      *config.Config
	Logger      *slog.Logger
	DB          *sql.DB
	Repo        repo.Repo
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Coordinator engine.Coordinator
	Bus         *pulsarbus.Bus
	Pool        *consumer.Pool
	Poller      *poller.Poller
	Handler     http.Handler
}

// Build opens the store and wires the coordinator, the transports and the
// HTTP API. dial may be nil when the broker is not configured.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger, dial DialFunc) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Config: cfg, Logger: logger}
	var err error
	s.DB, s.Repo, err = OpenStore(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}
	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.New(s.Registry)

	if cfg.Pulsar.Enabled() {
		if dial == nil {
			dial = pulsarbus.Dial
		}
		s.Bus, err = dial(cfg.Pulsar, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	engCfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	typeStates, err := cfg.TypeStates()
	if err != nil {
		s.Close()
		return nil, err
	}
	notifier := notify.Notifier{
		Publisher: s.publisher(),
		Marker:    s.Repo,
		Source:    cfg.Service.Name,
		Logger:    logger,
	}
	s.Coordinator = engine.New(s.Repo, notifier, engCfg)
	s.Coordinator.Normalizer = normalize.Normalizer{TypeStates: typeStates}
	s.Coordinator.Logger = logger
	s.Coordinator.Metrics = s.Metrics

	if s.Bus != nil {
		s.Pool = &consumer.Pool{
			Source:         s.Bus.Source(),
			Handler:        s.Coordinator,
			DeadLetters:    s.Bus.DeadLetters(),
			Workers:        cfg.Consumer.Workers,
			ReceiveBackoff: time.Second,
			Logger:         logger,
			Metrics:        s.Metrics,
		}
	}
	if cfg.Poller.Enabled {
		s.Poller = &poller.Poller{
			Packages: s.Repo,
			Archive:  poller.Client{BaseURL: cfg.Poller.URL, Token: cfg.Poller.Token},
			Handler:  s.Coordinator,
			Interval: cfg.Poller.Interval,
			Batch:    cfg.Poller.Batch,
			Logger:   logger,
			Metrics:  s.Metrics,
		}
	}

	s.Handler, err = server.New(server.Config{
		Repo:     s.Repo,
		Handler:  s.Coordinator,
		Graph:    engCfg.Graph,
		BasePath: cfg.HTTP.BasePath,
		Auth:     server.AuthConfig{JWTSecret: cfg.HTTP.JWTSecret},
		Metrics:  promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}),
		Logger:   logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// publisher fans out to the broker and the webhooks. Without either, emitted
// messages are only logged.
func (s *Service) publisher() notify.Publisher {
	var out notify.Fanout
	if s.Bus != nil {
		if p := s.Bus.Publisher(); p != nil {
			out = append(out, p)
		}
	}
	out = append(out, notify.Webhooks(s.Config.Webhooks)...)
	switch len(out) {
	case 0:
		return notify.LogPublisher{Logger: s.Logger}
	case 1:
		return out[0]
	}
	return out
}

// Run serves HTTP on addr and runs the consumer pool and the archive poller
// when configured, until ctx is done or one of them fails.
func (s *Service) Run(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{Addr: addr, Handler: s.Handler, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 3)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("http", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdown)
		}()
		s.Logger.Info("http listening", "addr", addr, "base_path", s.Config.HTTP.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.Pool != nil {
		run("consumer", s.Pool.Run)
	}
	if s.Poller != nil {
		run("poller", s.Poller.Run)
	}

	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Close releases the broker and the store.
func (s *Service) Close() {
	if s.Bus != nil {
		s.Bus.Close()
		s.Bus = nil
	}
	if s.DB != nil {
		s.DB.Close()
		s.DB = nil
	}
}
