package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ishan3450/complete-stock-exchange/internal/config"
	"github.com/Ishan3450/complete-stock-exchange/internal/db"
	"github.com/Ishan3450/complete-stock-exchange/internal/logging"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"
	"github.com/Ishan3450/complete-stock-exchange/internal/queue"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Persister applies order and trade records from the persistence topic to Postgres
func main() {
	app := &cli.App{
		Name:  "persister",
		Usage: "store engine order and trade records in Postgres",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"EXCHANGE_CONFIG"}},
			&cli.StringFlag{Name: "env-file", Value: ".env"},
			&cli.StringFlag{Name: "migrate", Usage: "schema file applied before consuming", Value: "migrations/001_init.sql"},
			&cli.StringFlag{Name: "group", Value: "exchange-persister"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.Named("persister")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	if path := c.String("migrate"); path != "" {
		script, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read migration: %w", err)
		}
		if err := store.Migrate(ctx, string(script)); err != nil {
			return err
		}
	}

	reader := queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.PersistTopic, c.String("group"))
	defer reader.Close()

	log.Info("persister_started", zap.String("topic", cfg.Kafka.PersistTopic))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("persister_stopped")
				return nil
			}
			return fmt.Errorf("failed to fetch record: %w", err)
		}

		ev, err := protocol.DecodeEvent(msg.Value)
		if err != nil {
			log.Warn("record_decode_failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		} else if err := store.Apply(ctx, ev); err != nil {
			if errors.Is(err, db.ErrUnsupportedEvent) {
				log.Warn("record_skipped", zap.String("type", ev.EventType()))
			} else {
				// Leave the offset uncommitted so the record is retried after restart.
				return fmt.Errorf("failed to apply %s at offset %d: %w", ev.EventType(), msg.Offset, err)
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}
