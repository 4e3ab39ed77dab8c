package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/eventops/outreach/internal/config"
	"github.com/eventops/outreach/internal/graph"
	"github.com/eventops/outreach/internal/pkg/distlock"
	"github.com/eventops/outreach/internal/store"
	"github.com/eventops/outreach/internal/template"
	"github.com/eventops/outreach/internal/validator"
	"github.com/eventops/outreach/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	log.Println("Starting outreach workers...")

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

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("Redis unreachable (%v), falling back to advisory locks", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}
	locks := distlock.NewManager(redisClient, st)

	graphClient, err := graph.NewClient(graph.Config{
		Senders:   senderCredentials(cfg.Graph.Senders),
		Default:   defaultCredential(cfg.Graph.Default),
		BaseURL:   cfg.Graph.BaseURL,
		LoginBase: cfg.Graph.LoginBase,
		Timeout:   cfg.Graph.Timeout(),
	})
	if err != nil {
		log.Fatalf("Failed to build Graph client: %v", err)
	}
	log.Printf("Graph client ready (%d dedicated senders)", len(cfg.Graph.Senders))

	composer := worker.NewComposer(st,
		template.NewResolver(template.DirSource{Dir: cfg.Templates.Dir}),
		template.NewRenderer())

	engine := worker.NewDecisionEngine(st, composer,
		locks.Guard("decision_engine", store.LockDecisionEngine), cfg.Workers.DecisionInterval())
	queue := worker.NewQueueWorker(st, graphClient,
		locks.Guard("queue_worker", store.LockQueueWorker), cfg.Workers.QueueInterval())
	detector := worker.NewReplyDetector(st, graphClient,
		locks.Guard("reply_detector", store.LockReplyDetector), cfg.Workers.ReplyInterval())

	engine.Start()
	queue.Start()
	detector.Start()
	log.Println("Decision engine, queue worker and reply detector started")

	var sweeper *worker.ValidationSweeper
	if cfg.Validator.Enabled && cfg.Validator.Endpoint != "" {
		sweeper = worker.NewValidationSweeper(st,
			validator.New(cfg.Validator.Endpoint, int64(cfg.Validator.Concurrency)), 0)
		sweeper.Start()
		log.Println("Validation sweeper started")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down workers...")

	if sweeper != nil {
		sweeper.Stop()
	}
	detector.Stop()
	queue.Stop()
	engine.Stop()
	log.Println("Workers stopped")
}

func senderCredentials(in []config.SenderCredential) []graph.SenderCredentials {
	out := make([]graph.SenderCredentials, 0, len(in))
	for _, c := range in {
		out = append(out, graph.SenderCredentials{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TenantID:     c.TenantID,
			SenderEmail:  c.SenderEmail,
		})
	}
	return out
}

func defaultCredential(c config.SenderCredential) *graph.SenderCredentials {
	if !c.Complete() {
		return nil
	}
	return &graph.SenderCredentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TenantID:     c.TenantID,
		SenderEmail:  c.SenderEmail,
	}
}
