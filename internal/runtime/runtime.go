package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/journal"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/relay"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

const (
	pruneInterval = time.Hour
	relayTimeout  = 2 * time.Minute
)

type Runtime struct {
	cfg            config.Config
	version        string
	logger         *slog.Logger
	httpServer     *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	limiter        *rate.Limiter
	ready          atomic.Bool
	wg             sync.WaitGroup

	engine     *speech.Engine
	journal    *journal.Store
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	relay      *relay.Service
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
	if cfg.HTTP.RateLimitRPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.RateLimitRPS), cfg.HTTP.RateLimitBurst)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.open(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	r.close(shutdownCtx)
	return nil
}

// open brings up the journal, the speech engine and, when enabled, the bus
// relay. The root ctx bounds background work such as journal pruning.
func (r *Runtime) open(ctx context.Context) error {
	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store

	engine, err := BuildEngine(r.cfg, r.logger, speech.WithJournal(store))
	if err != nil {
		return err
	}
	r.engine = engine

	if r.cfg.Journal.RetentionMode != "ephemeral" {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	r.relay = relay.NewService(ctx, client, engine, relayTimeout, r.logger)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("start tts relay: %w", err)
	}
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil {
				r.logger.Warn("journal prune failed", slogError(err))
			}
		}
	}
}

// close releases components in reverse start order.
func (r *Runtime) close(ctx context.Context) {
	if r.relay != nil {
		r.relay.Close()
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}
