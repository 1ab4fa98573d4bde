package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/api"
	"github.com/adi-253/echowire/internal/config"
	"github.com/adi-253/echowire/internal/services"
	"github.com/adi-253/echowire/internal/websocket"
)

func main() {
	var (
		group   = flag.Int64("group", 1, "Group id to join")
		keyFile = flag.String("keyfile", "./echowire_key", "Path to the X25519 private key (base64)")
		history = flag.Int("history", 50, "Number of history messages to load on join")
	)
	flag.Parse()

	cfg := config.Load()
	if missing := cfg.Validate(); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing configuration: %v\n", missing)
		os.Exit(1)
	}
	logger := log.NewEntry(cfg.NewLogger()).WithField("user_id", cfg.UserID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := websocket.New(websocket.Options{
		URL:                  cfg.WebSocketURL,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               logger,
	})

	s := newSession(cfg, *group, *keyFile, mgr, api.NewClient(cfg), logger)

	cleanup := services.NewCleanupService(s.files, cfg.CleanupInterval, cfg.TransferTimeout, logger)
	go cleanup.Start()
	defer cleanup.Stop()

	if err := mgr.Connect(ctx, cfg.AuthToken); err != nil {
		fmt.Fprintln(os.Stderr, "connect error:", err)
		os.Exit(1)
	}
	defer mgr.Disconnect()

	s.join(ctx, *history)
	s.loadGroupKey(ctx)
	s.printBacklog()

	fmt.Printf("echowire | user=%d | group=%d\n", cfg.UserID, *group)
	fmt.Println("Type text to chat. Use /help for commands.")

	done := make(chan struct{})
	go func() {
		s.repl(ctx, os.Stdin)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	fmt.Println("\nshutting down...")
}
