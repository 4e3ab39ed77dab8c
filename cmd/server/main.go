package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/eventops/outreach/internal/api"
	"github.com/eventops/outreach/internal/config"
	"github.com/eventops/outreach/internal/store"
	"github.com/eventops/outreach/internal/template"
	"github.com/eventops/outreach/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	log.Println("Starting outreach API server...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Println("Connected to database")

	// The engine here only serves the immediate-processing endpoint; the
	// periodic loops run in the worker binary.
	composer := worker.NewComposer(st,
		template.NewResolver(template.DirSource{Dir: cfg.Templates.Dir}),
		template.NewRenderer())
	engine := worker.NewDecisionEngine(st, composer, nil, cfg.Workers.DecisionInterval())

	srv := api.NewServer(api.NewHandlers(st, engine, nil))

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		log.Printf("Listening on %s", addr)
		errCh <- srv.ListenAndServe(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	case s := <-sig:
		log.Printf("Received %s, shutting down...", s)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}
	log.Println("Server stopped")
}
