package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-chatfleet/internal/api"
	"github.com/npezzotti/go-chatfleet/internal/config"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/events"
	"github.com/npezzotti/go-chatfleet/internal/presence"
	"github.com/npezzotti/go-chatfleet/internal/readstate"
	"github.com/npezzotti/go-chatfleet/internal/relay"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func newRelay(logger *log.Logger, cfg *config.Config, rdb redis.UniversalClient) (relay.Relay, func(), error) {
	if cfg.RelayBackend != config.RelayNats {
		return relay.NewRedisRelay(logger, rdb, cfg.ServerId), func() {}, nil
	}

	nc, err := nats.Connect(strings.Join(cfg.NatsServers, ","), nats.Name("chatfleet-"+cfg.ServerId))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	return relay.NewNatsRelay(logger, nc, cfg.ServerId), func() {
		if err := nc.Drain(); err != nil {
			logger.Println("nats drain:", err)
		}
	}, nil
}

func main() {
	flags := config.BindFlags(pflag.CommandLine)
	pflag.Parse()

	logger := log.New(os.Stdout, "[go-chat] ", log.LstdFlags)

	cfg, err := flags.Load()
	if err != nil {
		logger.Fatal("config: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.Migrate {
		if err := dbConn.Migrate(ctx); err != nil {
			logger.Fatal("db migrate: ", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping: ", err)
	}

	rl, closeRelay, err := newRelay(logger, cfg, rdb)
	if err != nil {
		logger.Fatal("relay: ", err)
	}
	defer closeRelay()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, cfg.ServerId)

	fileEvents := events.NewQueue(logger, 0, events.LogHandler(logger))
	fileEvents.Run(ctx)

	engine := readstate.NewEngine(logger, dbConn)

	chatServer, err := server.NewChatServer(logger, cfg.ServerId, server.Deps{
		Engine:   engine,
		Friends:  dbConn,
		Presence: presence.NewRedisDirectory(rdb, cfg.ServerId, cfg.PresenceTTL),
		Relay:    rl,
		Stats:    statsUpdater,
		Events:   fileEvents,
	})
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	statsUpdater.Run()
	defer statsUpdater.Stop()

	if err := chatServer.Start(ctx); err != nil {
		logger.Fatal("chat server start: ", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, engine, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	fileEvents.Close()

	logger.Println("shutdown complete")
}
