// internal/app/app.go
package app

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/config"
	"github.com/unclebandit/broadcast-mailer/internal/db"
	"github.com/unclebandit/broadcast-mailer/internal/delivery"
	"github.com/unclebandit/broadcast-mailer/internal/provider/ses"
	"github.com/unclebandit/broadcast-mailer/internal/queue"
	"github.com/unclebandit/broadcast-mailer/internal/repository"
	"github.com/unclebandit/broadcast-mailer/internal/secret"
	"github.com/unclebandit/broadcast-mailer/internal/service"
)

// InMemoryQueueURL selects the in-process queue instead of RabbitMQ.
const InMemoryQueueURL = "memory"

type broker interface {
	queue.Queue
	queue.Consumer
}

// App is the object graph shared by the server and worker binaries.
type App struct {
	Config config.Config
	DB     *sql.DB
	Queue  broker
	// InProcess is true when jobs run inside this process.
	InProcess bool

	Mailers    *service.MailerService
	Scheduler  *service.BroadcastScheduler
	Broadcasts *service.BroadcastService
	Delivery   *service.DeliveryWorker

	Log *zap.SugaredLogger
}

func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*App, error) {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	var (
		q         broker
		inProcess bool
	)
	if cfg.AMQPURL == InMemoryQueueURL {
		q, inProcess = queue.NewInMemoryQueue(log), true
	} else {
		amqpQueue, err := queue.DialAMQP(cfg.AMQPURL, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		q = amqpQueue
	}

	return wire(cfg, conn, q, inProcess, log), nil
}

func wire(cfg config.Config, conn *sql.DB, q broker, inProcess bool, log *zap.SugaredLogger) *App {
	mailerRepo := &repository.MailerRepository{DB: conn}
	teamRepo := &repository.TeamRepository{DB: conn}
	broadcastRepo := &repository.BroadcastRepository{DB: conn}
	sendRepo := &repository.SendRepository{DB: conn}

	mailers := &service.MailerService{
		MailerRepo:      mailerRepo,
		TeamRepo:        teamRepo,
		Gateways:        ses.Factory{},
		Keyring:         secret.NewKeyring(cfg.AppKey),
		ShortName:       cfg.ShortName,
		WebhookEndpoint: cfg.WebhookEndpoint("ses"),
		Confirm:         service.RetryPolicy{Attempts: cfg.ConfirmAttempts, Delay: cfg.ConfirmDelay},
		Sleeper:         service.RealSleeper,
		Log:             log.Named("mailer"),
	}
	scheduler := &service.BroadcastScheduler{
		BroadcastRepo: broadcastRepo,
		SendRepo:      sendRepo,
		Quotas:        mailers,
		Queue:         q,
		Log:           log.Named("scheduler"),
	}

	return &App{
		Config:    cfg,
		DB:        conn,
		Queue:     q,
		InProcess: inProcess,
		Mailers:   mailers,
		Scheduler: scheduler,
		Broadcasts: &service.BroadcastService{
			BroadcastRepo: broadcastRepo,
			SendRepo:      sendRepo,
			Scheduler:     scheduler,
			Log:           log.Named("broadcast"),
		},
		Delivery: &service.DeliveryWorker{
			BroadcastRepo: broadcastRepo,
			SendRepo:      sendRepo,
			MailerRepo:    mailerRepo,
			Sender:        delivery.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password),
			Interval:      cfg.DeliveryInterval,
			ShortName:     cfg.ShortName,
			Log:           log.Named("delivery"),
		},
		Log: log,
	}
}

// StartConsumers subscribes the broadcast job handlers to the queue.
func (a *App) StartConsumers(ctx context.Context) error {
	return service.ConsumeBroadcastQueues(ctx, a.Queue, service.NewJobMux(a.Scheduler, a.Delivery))
}

func (a *App) Close() {
	if closer, ok := a.Queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.Log.Warnw("closing queue", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warnw("closing database", "error", err)
	}
}
