package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chatgate/internal/app"
)

func main() {
	cfg := app.FromEnv()
	addr := flag.String("addr", cfg.Addr, "server listen address")
	wsPath := flag.String("ws-path", cfg.WSPath, "websocket path")
	dbPath := flag.String("db", cfg.DBPath, "sqlite database path")
	natsURL := flag.String("nats", cfg.NATSURL, "nats url for the shared bus (empty = in-memory, single process)")
	flag.Parse()
	cfg.Addr = *addr
	cfg.WSPath = *wsPath
	cfg.DBPath = *dbPath
	cfg.NATSURL = *natsURL

	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "CHATGATE_JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("start server: %v", err)
	}
	log.Printf("chatgate listening on %s%s", handle.Addr(), cfg.WSPath)

	if err := handle.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
