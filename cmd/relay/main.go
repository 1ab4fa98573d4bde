package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/config"
	"github.com/adi-253/echowire/internal/handlers"
	"github.com/adi-253/echowire/internal/relay"
)

func main() {
	// Load configuration from environment
	cfg := config.Load()
	logger := log.NewEntry(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := relay.ParseTokens(cfg.RelayTokens)
	if err != nil {
		logger.WithError(err).Fatal("Invalid RELAY_TOKENS")
	}
	if len(tokens) == 0 {
		logger.Warn("RELAY_TOKENS is empty, every socket will be rejected")
	}

	store, closeStore, err := openStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer closeStore()

	for _, p := range tokens.Profiles() {
		if err := store.SaveUser(ctx, p); err != nil {
			logger.WithError(err).WithField("user_id", p.UserID).Warn("Failed to seed user profile")
		}
	}

	hub := relay.NewHub(store, logger)
	go hub.Run(ctx)

	logger.WithField("origins", cfg.CORSOrigins).Info("CORS allowed origins")
	r := handlers.NewRouter(handlers.RouterOptions{
		Hub:            hub,
		Store:          store,
		Tokens:         tokens,
		CORSOrigins:    cfg.CORSOrigins,
		Logger:         logger,
		RequestLogging: true,
	})

	// Start server
	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("echowire relay starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("echowire relay stopped")
}

// openStore picks Redis when a URL is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, redisURL string) (relay.Store, func(), error) {
	if redisURL == "" {
		log.Info("Using in-memory store")
		return relay.NewMemoryStore(), func() {}, nil
	}
	rs, err := relay.NewRedisStore(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Using Redis store")
	return rs, func() { rs.Close() }, nil
}
