package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"quantforge/backend/features/billing"
	"quantforge/backend/features/job"
	"quantforge/backend/features/modelfile"
	"quantforge/backend/features/stats"
	"quantforge/backend/internal/config"
	"quantforge/backend/internal/engine"
	"quantforge/backend/internal/middleware"
	"quantforge/backend/internal/monitor"
	"quantforge/backend/internal/notify"
	"quantforge/backend/internal/queue"
	"quantforge/backend/internal/retention"
	"quantforge/backend/internal/storage"
	"quantforge/backend/internal/worker"
)

// Queue is what the app needs from a queue backend.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, tier queue.Tier) error
	Dequeue(ctx context.Context) (string, bool, error)
	Size(ctx context.Context, tiers ...queue.Tier) (int, error)
	Remove(ctx context.Context, jobID string) error
}

type App struct {
	Handler   http.Handler
	Jobs      *job.Service
	Queue     Queue
	InFlight  *worker.InFlight
	Pool      *worker.Pool
	Monitor   *monitor.Monitor
	Retention *retention.Sweeper

	cfg    *config.Config
	logger *slog.Logger
}

// New wires every component. rdb may be nil when the memory queue backend is
// configured.
func New(cfg *config.Config, db *sql.DB, pub notify.Publisher, rdb redis.Cmdable, logger *slog.Logger) (*App, error) {
	q, err := newQueue(cfg, rdb)
	if err != nil {
		return nil, err
	}

	// Feature: Billing
	ledger := billing.NewPostgresLedger(db)
	admission := billing.NewAdmission(ledger, logger)

	// Feature: Model files
	files := modelfile.NewPostgresRepo(db)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, files, admission, q, logger)

	// Execution
	notifier := notify.NewNSQNotifier(pub, config.TopicJobEvents)
	inflight := worker.NewInFlight()
	eng := engine.NewCommandEngine(cfg.EngineCommand, cfg.EngineArgs, logger)
	pool := worker.NewPool(jobService, q, eng, storage.NewLocal(cfg.StorageRoot), notifier, inflight, logger,
		worker.WithMaxConcurrent(cfg.WorkerMaxConcurrent),
		worker.WithPollInterval(cfg.WorkerPollInterval),
		worker.WithJobTimeout(cfg.JobTimeout),
		worker.WithWorkDir(cfg.WorkDir),
	)

	mon := monitor.New(jobService, notifier, logger, cfg.MonitorSweepInterval, cfg.MonitorProcessingTimeout, cfg.WorkDir)

	sweeper, err := retention.New(jobService, inflight, logger, cfg.RetentionSchedule, cfg.WorkDir,
		time.Duration(cfg.JobRetentionDays)*24*time.Hour,
		time.Duration(cfg.TempRetentionHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	// Feature: Stats
	statsHandler := stats.NewHandler(q, jobService, inflight)

	// Routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", statsHandler.GetStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Correlation-ID"},
	})

	return &App{
		Handler:   c.Handler(middleware.Recover(middleware.CorrelationID(mux))),
		Jobs:      jobService,
		Queue:     q,
		InFlight:  inflight,
		Pool:      pool,
		Monitor:   mon,
		Retention: sweeper,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func newQueue(cfg *config.Config, rdb redis.Cmdable) (Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		if rdb == nil {
			return nil, errors.New("redis queue backend configured without a redis client")
		}
		return queue.NewRedisQueue(rdb, cfg.RedisPrefix), nil
	case config.QueueBackendMemory, "":
		return queue.NewPriorityQueue(), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.QueueBackend)
}

// Run re-enqueues persisted queued jobs, then runs the enabled components
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Jobs.RequeueQueued(ctx)
	if err != nil {
		return fmt.Errorf("requeue queued jobs: %w", err)
	}
	a.logger.InfoContext(ctx, "requeued persisted jobs", "count", n)

	g, gCtx := errgroup.WithContext(ctx)

	if a.cfg.EnableWorker {
		g.Go(func() error { return a.Pool.Run(gCtx) })
	}
	if a.cfg.EnableMonitor {
		g.Go(func() error { return a.Monitor.Run(gCtx) })
	}
	if a.cfg.EnableRetention {
		g.Go(func() error { return a.Retention.Run(gCtx) })
	}

	if a.cfg.EnableAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("server starting", "port", a.cfg.ServerPort)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("api server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			a.logger.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
