package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reachinbox/scheduler/config"
	"github.com/reachinbox/scheduler/ingress"
	"github.com/reachinbox/scheduler/mail"
	"github.com/reachinbox/scheduler/middleware"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/ratelimit"
	"github.com/reachinbox/scheduler/store"
	"github.com/reachinbox/scheduler/worker"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()
	log.Println("Connected to Postgres")

	limiter, err := ratelimit.NewLimiter(ctx, redisClient)
	if err != nil {
		log.Fatalf("Failed to initialize rate limiter: %v", err)
	}

	taskQueue, err := queue.NewRedisQueue(ctx, redisClient)
	if err != nil {
		log.Fatalf("Failed to initialize task queue: %v", err)
	}

	sender := mail.NewSender(cfg)

	ingressScheduler := ingress.NewScheduler(pgStore, taskQueue, ingress.Defaults{
		MinDelayMs:         cfg.MinDelayBetweenEmailsMs,
		PerSenderHourlyCap: cfg.MaxEmailsPerHourPerSender,
	})

	minDelay := time.Duration(cfg.MinDelayBetweenEmailsMs) * time.Millisecond
	pool := worker.New(pgStore, taskQueue, limiter, sender, cfg.WorkerConcurrency, cfg.MaxEmailsPerHour, cfg.MaxEmailsPerHourPerSender, minDelay)
	pool.Start(ctx)

	sweeper, err := worker.NewSweeper(pgStore, taskQueue, "@every "+cfg.SweepInterval.String(), cfg.SweepGracePeriod)
	if err != nil {
		log.Fatalf("Failed to initialize stuck-dispatch sweeper: %v", err)
	}
	sweeper.Start()

	hub := NewStatusHub(pgStore, taskQueue)
	go hub.Run(ctx)

	api := NewAPI(pgStore, taskQueue, ingressScheduler, hub)

	ingressLimiter := middleware.NewIngressLimiter(5, 10)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/status/stream", api.handleStatusStream)
	createCampaign := ingressLimiter.Middleware(http.HandlerFunc(api.handleCreateCampaign))
	mux.HandleFunc("/api/campaigns", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListCampaigns(w, r)
			return
		}
		createCampaign.ServeHTTP(w, r)
	})
	mux.HandleFunc("/api/campaigns/", api.handleListCampaignDispatches)
	mux.HandleFunc("/api/dispatches/scheduled", api.handleScheduledDispatches)
	mux.HandleFunc("/api/dispatches/sent", api.handleSentDispatches)
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.LoggingMiddleware(middleware.CORSMiddleware(mux))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		log.Printf("Scheduler listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received, draining in-flight work...")

	cancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	pool.Wait()
	log.Println("Shutdown complete")
}
