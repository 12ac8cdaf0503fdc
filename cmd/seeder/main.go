// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-mailer/internal/config"
	"github.com/unclebandit/broadcast-mailer/internal/db"
	"github.com/unclebandit/broadcast-mailer/internal/logger"
	"github.com/unclebandit/broadcast-mailer/internal/secret"
	"github.com/unclebandit/broadcast-mailer/internal/service"
)

const (
	demoTeamID   = "team_demo"
	demoMailerID = "mailer_demo"
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

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		l.Fatalw("database", "error", err)
	}
	defer conn.Close()

	if err := db.ExecFiles(ctx, conn, "db/schema.sql"); err != nil {
		l.Fatalw("schema", "error", err)
	}
	l.Infow("schema applied")

	if err := seedMailer(ctx, conn, secret.NewKeyring(cfg.AppKey), l); err != nil {
		l.Fatalw("seeding mailer", "error", err)
	}

	if err := db.ExecFiles(ctx, conn, "db/seed/broadcasts.sql"); err != nil {
		l.Fatalw("seeding broadcasts", "error", err)
	}
	l.Infow("database seeding completed successfully")
}

// seedMailer creates the demo team with a fresh key and a NEW mailer whose
// credentials come from SEED_AWS_* variables.
func seedMailer(ctx context.Context, conn *sql.DB, keyring *secret.Keyring, l *zap.SugaredLogger) error {
	teamKey, err := keyring.NewTeamKey()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO teams (id, name, configuration_key) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		demoTeamID, "Demo Team", teamKey); err != nil {
		return err
	}

	// The team may predate this run, encrypt under whatever key it holds.
	if err := conn.QueryRowContext(ctx, `SELECT configuration_key FROM teams WHERE id=$1`, demoTeamID).Scan(&teamKey); err != nil {
		return err
	}
	enc, err := keyring.ForTeam(teamKey)
	if err != nil {
		return err
	}
	encrypted, err := service.EncryptConfiguration(enc, service.MailerConfiguration{
		AccessKey:    secret.New(os.Getenv("SEED_AWS_ACCESS_KEY")),
		AccessSecret: secret.New(os.Getenv("SEED_AWS_SECRET_KEY")),
		Region:       envOr("SEED_AWS_REGION", "us-east-1"),
		Domain:       envOr("SEED_DOMAIN", "example.com"),
	})
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `
        INSERT INTO mailers (id, team_id, name, provider, configuration, status)
        VALUES ($1, $2, $3, 'AWS_SES', $4, 'NEW')
        ON CONFLICT (id) DO UPDATE SET configuration = EXCLUDED.configuration
    `, demoMailerID, demoTeamID, "Demo mailer", encrypted); err != nil {
		return err
	}
	l.Infow("seeded", "team_id", demoTeamID, "mailer_id", demoMailerID)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
