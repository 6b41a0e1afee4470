package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/api"
	"github.com/Ishan3450/complete-stock-exchange/internal/auth"
	"github.com/Ishan3450/complete-stock-exchange/internal/config"
	"github.com/Ishan3450/complete-stock-exchange/internal/db"
	"github.com/Ishan3450/complete-stock-exchange/internal/engine"
	"github.com/Ishan3450/complete-stock-exchange/internal/logging"
	"github.com/Ishan3450/complete-stock-exchange/internal/metrics"
	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/outbox"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"
	"github.com/Ishan3450/complete-stock-exchange/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "engine",
		Usage: "exchange matching engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"EXCHANGE_CONFIG"}},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file loaded before env overrides"},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "consume commands and serve the HTTP gateway",
				Action: run,
			},
			{
				Name:  "token",
				Usage: "print an admin bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "admin"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: token,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func token(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return err
	}
	tok, err := auth.NewAdminAuth(cfg.HTTP.AdminSecret).IssueToken(c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(tok)
	return nil
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

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ob, err := outbox.Open(cfg.Outbox.Dir)
	if err != nil {
		return err
	}
	defer ob.Close()

	syncProducer, err := outbox.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	relay := outbox.NewRelay(ob, syncProducer, cfg.Kafka.PersistTopic, cfg.Outbox.FlushInterval, log)
	defer relay.Close()

	producer := queue.NewProducer(queue.NewWriter(cfg.Kafka.Brokers, log), log)
	defer producer.Close()

	hub := api.NewHub(log)

	// The router needs the gateway, which needs the engine, which needs the router.
	var router *queue.Router
	e := engine.New(
		engine.PublisherFunc(func(ch string, ev protocol.Event) { router.Publish(ch, ev) }),
		engine.WithLogger(log),
		engine.WithMetrics(metrics.New(reg)),
		engine.WithInboxSize(cfg.Engine.InboxSize),
	)
	gw := api.NewGateway(e, cfg.HTTP.RequestTimeout)
	router = queue.NewRouter(queue.RouterConfig{
		Sender:  producer,
		Hub:     hub,
		Outbox:  ob,
		Waiters: gw,
		Topics: queue.Topics{
			Replies: cfg.Kafka.ReplyTopic,
			Depth:   cfg.Kafka.DepthTopic,
			Stats:   cfg.Kafka.StatsTopic,
			Persist: cfg.Kafka.PersistTopic,
		},
		Logger: log,
	})

	if err := bootstrapMarkets(e, cfg.Engine.BootstrapMarkets); err != nil {
		return err
	}

	handler := api.NewHandler(gw, nil, log)
	store, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Warn("database_unavailable", zap.String("disabled", "trade history, user logins"), zap.Error(err))
	} else {
		defer store.Close()
		handler.Trades = store
		if cfg.HTTP.UserSecret != "" {
			handler.Users = auth.NewAuthService(store, gw, cfg.HTTP.UserSecret, cfg.HTTP.UserTokenTTL, log)
		} else {
			log.Info("user_logins_disabled", zap.String("reason", "no user secret"))
		}
	}

	consumer := queue.NewConsumer(queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.CommandTopic, cfg.Kafka.GroupID), e, router, log)
	defer consumer.Close()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(handler, auth.NewAdminAuth(cfg.HTTP.AdminSecret), hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Error("component_failed", zap.String("component", name), zap.Error(err))
				stop()
			}
		}()
	}
	spawn("engine", func() error { e.Run(ctx); return nil })
	spawn("relay", func() error { relay.Run(ctx); return nil })
	spawn("consumer", func() error { return consumer.Run(ctx) })
	spawn("http", func() error {
		log.Info("http_listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

// bootstrapMarkets creates configured markets before the engine starts consuming
func bootstrapMarkets(e *engine.Engine, markets []string) error {
	for _, m := range markets {
		base, quote, err := models.ParseMarket(m)
		if err != nil {
			return err
		}
		e.Process(protocol.Request{ClientID: protocol.NoReply, Command: protocol.AddMarket{BaseAsset: base, QuoteAsset: quote}})
	}
	return nil
}
