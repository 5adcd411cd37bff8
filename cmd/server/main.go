package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"warungpos/backend/internal/config"
	"warungpos/backend/internal/feed"
	"warungpos/backend/internal/httpapi"
	"warungpos/backend/internal/service"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/store/local"
	pgstore "warungpos/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with the local fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		localStore, err := local.Open(cfg.DataDir)
		if err != nil {
			log.Fatalf("open local store: %v", err)
		}
		repo = localStore
		log.Printf("repository: local (%s)", cfg.DataDir)
	}

	var changeFeed feed.Feed = feed.NewBroadcaster()
	if cfg.RedisAddr != "" {
		redisFeed := feed.NewRedisFeed(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisFeed.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-process feed", err)
		} else {
			changeFeed = redisFeed
			closers = append(closers, redisFeed.Close)
			log.Println("change feed: redis")
		}
	} else {
		log.Println("change feed: in-process")
	}

	svc := service.New(repo, changeFeed)
	api := httpapi.New(svc, changeFeed, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
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
