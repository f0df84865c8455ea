package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"videoask/config"
	"videoask/embed"
	"videoask/media"
	"videoask/pipeline"
	"videoask/query"
	"videoask/quota"
	"videoask/server"
	"videoask/storage"
	"videoask/transcribe"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.New(ctx, cfg)
	log.Printf("store initialized: %s", cfg.StoreKind)

	ledger := quota.NewLedger(store, cfg.Quota)
	embedder := embed.NewGenerator(embed.NewOpenAIClient(cfg), cfg)
	resolver := media.NewResolver(cfg)
	engine := transcribe.NewEngine(transcribe.NewHTTPService(cfg), cfg)
	orch := pipeline.NewOrchestrator(store, ledger, resolver, engine, embedder, cfg)
	queries := query.NewEngine(store, embedder, query.NewOpenAICompleter(cfg), ledger, cfg)

	mux := http.NewServeMux()
	server.NewHandlers(orch, queries, ledger).Register(mux)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	store.Close()
}
