// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/app"
	"github.com/unclebandit/broadcast-mailer/internal/config"
	"github.com/unclebandit/broadcast-mailer/internal/logger"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
)

// sweepTimeout bounds one periodic run.
const sweepTimeout = 5 * time.Minute

func main() {
	cfg, cfgErr := config.Load()
	l, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer l.Sync()
	if cfgErr != nil {
		l.Fatalw("invalid configuration", "error", cfgErr)
	}
	if cfg.AMQPURL == app.InMemoryQueueURL {
		l.Fatalw("worker needs a broker, in-memory jobs run inside the server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	go serveMetrics(cfg.MetricsPort, l)

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Fatalw("failed to start", "error", err)
	}
	defer a.Close()

	if err := a.StartConsumers(ctx); err != nil {
		l.Fatalw("failed to subscribe job handlers", "error", err)
	}

	c := cron.New()
	if _, err := schedule(ctx, c, cfg.HealthCheckSchedule, "credential health sweep", a.Mailers.SweepHealth, l); err != nil {
		l.Fatalw("invalid health check schedule", "schedule", cfg.HealthCheckSchedule, "error", err)
	}
	if _, err := schedule(ctx, c, cfg.HealthCheckSchedule, "identity sweep", a.Mailers.SweepIdentities, l); err != nil {
		l.Fatalw("invalid health check schedule", "schedule", cfg.HealthCheckSchedule, "error", err)
	}
	c.Start()

	l.Infow("worker running, waiting for jobs...")
	<-ctx.Done()

	l.Infow("shutting down")
	<-c.Stop().Done()
}

// schedule runs sweep on the cron expression expr. Runs never overlap and each is bounded by sweepTimeout.
func schedule(ctx context.Context, c *cron.Cron, expr, name string, sweep func(context.Context) error, l *zap.SugaredLogger) (cron.EntryID, error) {
	job := cron.FuncJob(func() {
		runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()

		start := time.Now()
		if err := sweep(runCtx); err != nil {
			l.Errorw("periodic job failed", "job", name, "error", err)
			return
		}
		l.Infow("periodic job finished", "job", name, "duration", time.Since(start))
	})
	return c.AddJob(expr, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(job))
}

func serveMetrics(port int, l *zap.SugaredLogger) {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Errorw("metrics server failed", "error", err)
	}
}
