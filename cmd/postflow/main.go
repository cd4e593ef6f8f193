package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"postflow/internal/api"
	"postflow/internal/clock"
	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/rate"
	"postflow/internal/scheduler"
	"postflow/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	// .env is optional; real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("load timezone")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	client, err := newClient(cfg.Publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("init publisher")
	}
	log.Info().Str("mode", cfg.Publisher.Mode).Msg("publisher ready")

	clk := clock.System{}
	budget := rate.NewBudget(repo, rate.Limits{
		Day:    cfg.Limits.Day,
		Hour:   cfg.Limits.Hour,
		Minute: cfg.Limits.Minute,
	}, loc)
	loop := scheduler.New(repo, budget, client, clk, scheduler.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		RateLimitBase:   cfg.Retry.RateLimitBase.Std(),
		ServerErrorBase: cfg.Retry.ServerErrorBase.Std(),
		BackoffCap:      cfg.Retry.BackoffCap.Std(),
		DenialFallback:  cfg.Retry.DenialFallback.Std(),
	}, loc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServer(repo, loop, budget, clk, loc, cfg.ContentMaxLen),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	loop.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func newClient(cfg config.PublisherConfig) (dispatch.Client, error) {
	switch cfg.Mode {
	case "http":
		return dispatch.NewHTTPClient(dispatch.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Token:     cfg.Token,
			Timeout:   cfg.Timeout.Std(),
			MaxPerSec: cfg.MaxPerSec,
		}), nil
	case "telegram":
		return dispatch.NewTelegram(dispatch.TelegramConfig{
			Token:  cfg.Token,
			ChatID: cfg.ChatID,
		})
	default:
		return dispatch.Simulator{}, nil
	}
}
