package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"littlebee/backend/internal/auth"
	"littlebee/backend/internal/config"
	"littlebee/backend/internal/httpapi"
	"littlebee/backend/internal/notify"
	"littlebee/backend/internal/ratelimit"
	"littlebee/backend/internal/service"
	"littlebee/backend/internal/store"
	"littlebee/backend/internal/store/memory"
	pgstore "littlebee/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env: %v", err)
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var limiter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.RedisAddr != "" {
		redisCounter := ratelimit.NewRedisCounter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCounter.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory rate limits", err)
		} else {
			limiter = redisCounter
			closers = append(closers, redisCounter.Close)
			log.Println("rate limits: redis")
		}
	} else {
		log.Println("rate limits: in-memory")
	}

	svc := service.New(repo)
	authSvc := auth.NewService(repo, cfg.AuthSecret, cfg.TokenIssuer, limiter, notify.LogSender{})
	api := httpapi.New(svc, authSvc, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("back office listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
