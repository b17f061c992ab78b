package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/amqp"
	"taderjoe-dash/internal/config"
	"taderjoe-dash/internal/gateway"
	"taderjoe-dash/internal/history"
	"taderjoe-dash/internal/ledger"
	"taderjoe-dash/internal/market"
	"taderjoe-dash/internal/orchestrator"
	"taderjoe-dash/internal/server"
	"taderjoe-dash/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("Failed to load config")
		}
		cfg = loaded
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.Infof("Starting %s", cfg.Name)

	// Optional recorders, enabled by configuration.
	var recorders []ledger.Recorder

	var archive *history.Store
	if cfg.Storage.PostgresDSN != "" {
		archive, err = history.NewStore(cfg.Storage.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("Failed to open trade history store")
		}
		defer archive.Close()
		recorders = append(recorders, archive)
	}

	var publisher *amqp.Publisher
	if cfg.Broker.AmqpURI != "" {
		publisher, err = amqp.NewPublisher(cfg.Broker.AmqpURI)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to RabbitMQ")
		}
		defer publisher.Close()
		recorders = append(recorders, publisher)
	}

	client := orchestrator.NewClient(orchestrator.Config{
		URL:            cfg.Orchestrator.URL,
		InitialBackoff: cfg.Orchestrator.InitialBackoff,
		MaxBackoff:     cfg.Orchestrator.MaxBackoff,
	})

	sessions := session.NewStore()
	markets := market.NewStore(cfg.Market.Symbol, cfg.Market.PrimaryInterval,
		cfg.Market.SecondaryInterval, client, market.Options{
			MaxTrades: cfg.Market.MaxTrades,
			MaxKlines: cfg.Market.MaxKlines,
		})
	trades := ledger.New(recorders...)
	gw := gateway.New(client, sessions)

	sessions.Bind(client)
	markets.Bind(client, sessions.SessionID)
	trades.Bind(client)

	// Mirror session transitions to the configured sinks.
	if archive != nil || publisher != nil {
		client.On(orchestrator.EventSessionStateChanged, func(payload json.RawMessage) {
			var ev orchestrator.SessionStateChanged
			if err := json.Unmarshal(payload, &ev); err != nil {
				return
			}
			id := ""
			if ev.SessionID != nil {
				id = *ev.SessionID
			}
			if archive != nil {
				archive.RecordSessionTransition(id, ev.State.String())
			}
			if publisher != nil {
				publisher.PublishSessionTransition(id, ev.State.String())
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)
	defer client.Close()

	srv := server.New(cfg.Server, client, sessions, markets, trades, gw, archive)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("Shutdown signal received")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("Server exited")
	}

	// Best-effort: tell the hub we are gone before dropping the link.
	markets.Unsubscribe(sessions.SessionID())
	log.Info("Shutdown complete")
}
