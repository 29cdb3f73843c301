package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"site-audit-coordinator/internal/api"
	"site-audit-coordinator/internal/archive"
	"site-audit-coordinator/internal/config"
	"site-audit-coordinator/internal/coordinator"
	"site-audit-coordinator/internal/email"
	"site-audit-coordinator/internal/pipeline"
	"site-audit-coordinator/internal/ratelimit"
	"site-audit-coordinator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	runner := pipeline.NewClient(cfg.PipelineBaseURL, cfg.PipelineTimeout)
	sender := email.NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.EmailFrom)

	archiver, err := archive.NewS3Archive(ctx, cfg)
	if err != nil {
		log.Fatalf("init report archive: %v", err)
	}
	var arch archive.Archiver
	if archiver != nil {
		arch = archiver
	}

	coord := coordinator.New(cfg, st, runner, sender, arch)

	server := api.New(cfg, st, coord, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("coordinator listening on :%s soft_deadline=%s stuck_after=%s reservation_grace=%s",
		cfg.HTTPPort, cfg.SoftDeadline(), cfg.StuckAfter, cfg.ReservationGrace)
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
