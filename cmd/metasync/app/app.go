package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/unsmeta/metasync/modules/canarywriter"
	"github.com/unsmeta/metasync/modules/cdclistener"
	"github.com/unsmeta/metasync/modules/ingestor"
	"github.com/unsmeta/metasync/pkg/canary"
)

const shutdownTimeout = 10 * time.Second

// App owns the service modules and the HTTP surface for metrics and
// readiness.
type App struct {
	cfg    Config
	logger log.Logger

	ingest   *ingestor.Ingestor
	listener *cdclistener.Listener
	writer   *canarywriter.Writer

	pool  *pgxpool.Pool
	ready *atomic.Bool
}

func New(cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		ready:  atomic.NewBool(false),
	}

	if cfg.Canary.Enabled {
		writer, err := canarywriter.New(cfg.Canary, logger)
		if err != nil {
			return nil, fmt.Errorf("building canary writer: %w", err)
		}
		a.writer = writer
	}

	if cfg.CDC.Enabled {
		pool, err := pgxpool.New(context.Background(), cfg.Ingest.Store.DSN())
		if err != nil {
			return nil, fmt.Errorf("connecting to metadata store: %w", err)
		}
		a.pool = pool

		provider := cdclistener.NewPostgresMetadataProvider(pool, logger)
		factory := cdclistener.NewStreamFactory(cfg.CDC, logger)
		listener, err := cdclistener.New(cfg.CDC, provider, a.diffSink, factory, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("building cdc listener: %w", err)
		}
		a.listener = listener
	}

	if cfg.Ingest.Enabled {
		ingest, err := ingestor.New(cfg.Ingest, logger)
		if err != nil {
			return nil, fmt.Errorf("building ingestor: %w", err)
		}
		a.ingest = ingest
	}

	return a, nil
}

// diffSink forwards coalesced metadata diffs to the historian writer. A
// full queue drops the diff with a warning; the change stays recoverable
// from the store's version history.
func (a *App) diffSink(payload map[string]interface{}) error {
	if a.writer == nil {
		level.Debug(a.logger).Log("msg", "diff discarded, canary writer disabled", "uns_path", payload["uns_path"])
		return nil
	}
	err := a.writer.Enqueue(payload)
	if errors.Is(err, canary.ErrQueueFull) {
		level.Warn(a.logger).Log("msg", "canary queue full, diff dropped", "uns_path", payload["uns_path"])
		return nil
	}
	return err
}

func (a *App) modules() []services.Service {
	var svcs []services.Service
	if a.writer != nil {
		svcs = append(svcs, a.writer)
	}
	if a.listener != nil {
		svcs = append(svcs, a.listener)
	}
	if a.ingest != nil {
		svcs = append(svcs, a.ingest)
	}
	return svcs
}

// Run starts all enabled modules, serves the HTTP endpoints, and blocks
// until a termination signal or a module failure.
func (a *App) Run() error {
	svcs := a.modules()
	if len(svcs) == 0 {
		return errors.New("no modules enabled")
	}

	manager, err := services.NewManager(svcs...)
	if err != nil {
		return fmt.Errorf("building service manager: %w", err)
	}
	watcher := services.NewFailureWatcher()
	watcher.WatchManager(manager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := services.StartManagerAndAwaitHealthy(ctx, manager); err != nil {
		return fmt.Errorf("starting modules: %w", err)
	}
	a.ready.Store(true)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ready", a.readyHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Server.HTTPListenAddress, a.cfg.Server.HTTPListenPort),
		Handler: router,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	level.Info(a.logger).Log("msg", "metasync started", "addr", server.Addr, "modules", len(svcs))

	var runErr error
	select {
	case <-ctx.Done():
		level.Info(a.logger).Log("msg", "shutdown signal received")
	case err := <-watcher.Chan():
		runErr = fmt.Errorf("module failed: %w", err)
		level.Error(a.logger).Log("msg", "module failed, shutting down", "err", err)
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	a.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := services.StopManagerAndAwaitStopped(shutdownCtx, manager); err != nil && runErr == nil {
		runErr = fmt.Errorf("stopping modules: %w", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return runErr
}

func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
