// Package runtime wires configuration into a running avatar streaming
// process: telemetry, the session journal, the bus, the avatar cache and the
// websocket server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/engine"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/features"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/scheduler"
	"github.com/loqalabs/loqa-avatar/internal/server"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

const (
	instrumentationName = "github.com/loqalabs/loqa-avatar"
	pruneInterval       = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer   *http.Server
	streamServer *http.Server
	wsServer     *server.Server
	telemetry    *telemetry
	eventStore   *eventstore.Store
	natsServer   *natsserver.EmbeddedServer
	busClient    *bus.Client
	avatars      *avatar.Cache

	ready atomic.Bool
	addrs chan [2]string
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		addrs:  make(chan [2]string, 1),
	}
}

// Start brings every component up, serves until ctx is cancelled, then shuts
// down in reverse order. Startup failures, including avatar preload, are
// returned immediately.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	metrics, err := session.NewMetrics(tel.meter.Meter(instrumentationName))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}
	r.eventStore = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, pruneInterval)
	}()

	observers := []session.Option{
		session.WithMetrics(metrics),
		session.WithTracer(tel.tracer.Tracer(instrumentationName)),
		session.WithObserver(store),
	}
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.natsServer = ns
		if ns != nil && len(busCfg.Servers) == 0 {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busClient = client
		observers = append(observers, session.WithObserver(client))
	}

	r.avatars = avatar.NewCache(r.cfg.Avatar.Directory, r.cfg.Avatar.LoadConcurrency, r.logger)
	if err := r.avatars.Preload(ctx, r.cfg.Avatar.Preload); err != nil {
		return fmt.Errorf("failed to load avatars: %w", err)
	}

	extractor, err := features.FromConfig(r.cfg.Features)
	if err != nil {
		return fmt.Errorf("failed to create feature extractor: %w", err)
	}
	eng, err := engine.FromConfig(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	limited := engine.Limit(eng, r.cfg.Engine.MaxConcurrency, metrics.ObserveEngineWait)
	sched := scheduler.New(limited, r.cfg.Engine.BatchSize)
	runner := session.NewRunner(session.ConfigFrom(r.cfg), r.avatars, extractor, sched, r.logger, observers...)

	r.wsServer = server.New(ctx, r.cfg.Server, runner, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", tel.Handler())

	opsLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for http: %w", err)
	}
	streamLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.Server.Bind, r.cfg.Server.Port))
	if err != nil {
		opsLn.Close()
		return fmt.Errorf("failed to listen for stream server: %w", err)
	}

	r.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.streamServer = &http.Server{Handler: r.wsServer.Handler(), ReadHeaderTimeout: 5 * time.Second}
	r.serve(r.httpServer, opsLn, "http")
	r.serve(r.streamServer, streamLn, "stream")

	r.ready.Store(true)
	r.addrs <- [2]string{opsLn.Addr().String(), streamLn.Addr().String()}
	r.logger.Info("runtime started",
		slog.String("addr", opsLn.Addr().String()),
		slog.String("stream_addr", streamLn.Addr().String()),
		slog.Any("avatars", r.avatars.Loaded()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

// Addrs blocks until the runtime is serving and returns the ops and stream
// listener addresses.
func (r *Runtime) Addrs(ctx context.Context) (opsAddr, streamAddr string, err error) {
	select {
	case a := <-r.addrs:
		r.addrs <- a
		return a[0], a[1], nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.streamServer != nil {
		if err := r.streamServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("stream server shutdown error", slogError(err))
		}
	}
	if r.wsServer != nil {
		r.wsServer.Close()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}
	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := r.ready.Load() && r.wsServer != nil && r.wsServer.Healthy()
	if healthy && r.cfg.Bus.Enabled {
		healthy = r.busClient.Healthy()
	}
	if healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
