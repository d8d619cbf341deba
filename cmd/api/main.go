package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "queue-management-system/internal/api"
	"queue-management-system/internal/auth"
	"queue-management-system/internal/config"
	"queue-management-system/internal/ratelimit"
	"queue-management-system/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	authSvc := auth.New(cfg.JWTSecret, cfg.JWTTTL)
	bootstrapAdmin(ctx, st, authSvc)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, authSvc, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// bootstrapAdmin creates the initial dashboard login from ADMIN_USERNAME /
// ADMIN_PASSWORD if it does not exist yet.
func bootstrapAdmin(ctx context.Context, st *store.Store, authSvc *auth.Service) {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		return
	}
	if _, err := st.GetAdminUser(ctx, username); err == nil {
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("lookup admin user: %v", err)
		return
	}
	hash, err := authSvc.HashPassword(password)
	if err != nil {
		log.Printf("bootstrap admin: %v", err)
		return
	}
	if _, err := st.CreateAdminUser(ctx, username, hash); err != nil {
		log.Printf("bootstrap admin: %v", err)
		return
	}
	log.Printf("created admin user %q", username)
}
