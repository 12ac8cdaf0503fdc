// cmd/server/main.go
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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/app"
	"github.com/unclebandit/broadcast-mailer/internal/config"
	"github.com/unclebandit/broadcast-mailer/internal/controller"
	"github.com/unclebandit/broadcast-mailer/internal/events"
	"github.com/unclebandit/broadcast-mailer/internal/handler"
	"github.com/unclebandit/broadcast-mailer/internal/logger"
	"github.com/unclebandit/broadcast-mailer/internal/metrics"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Fatalw("failed to start", "error", err)
	}
	defer a.Close()

	if a.InProcess {
		// Single process mode: the API also runs the broadcast jobs.
		if err := a.StartConsumers(ctx); err != nil {
			l.Fatalw("failed to subscribe job handlers", "error", err)
		}
		l.Infow("running broadcast jobs in-process")
	}

	publisher := newPublisher(cfg, l)
	defer publisher.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(cfg, a, publisher, l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Infow("server running", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	l.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Errorw("graceful shutdown failed", "error", err)
	}
}

func newPublisher(cfg config.Config, l *zap.SugaredLogger) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		l.Infow("no kafka brokers configured, webhook notifications are dropped")
		return events.NopPublisher{}
	}
	p, err := events.DialKafka(cfg.Kafka.Brokers, cfg.Kafka.WebhookTopic, l.Named("events"))
	if err != nil {
		l.Fatalw("failed to connect to kafka", "error", err)
	}
	return p
}

func newRouter(cfg config.Config, a *app.App, publisher events.Publisher, l *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	mailerController := &controller.MailerController{
		MailerService: a.Mailers,
		TeamHeader:    cfg.TeamHeader(),
		Log:           l.Named("http"),
	}
	broadcastController := &controller.BroadcastController{
		BroadcastService: a.Broadcasts,
		TeamHeader:       cfg.TeamHeader(),
		Log:              l.Named("http"),
	}
	webhookHandler := handler.NewWebhookHandler(publisher, l.Named("webhooks"))

	mailerController.Routes(r)
	broadcastController.Routes(r)
	webhookHandler.Routes(r)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return r
}
