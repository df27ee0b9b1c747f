package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agora/api/internal/app"
	"agora/api/internal/authpw"
	"agora/api/internal/config"
	"agora/api/internal/docstore"
	"agora/api/internal/email"
	"agora/api/internal/files"
	"agora/api/internal/scheduler"
	"agora/api/internal/search"
	"agora/api/internal/session"
	"agora/api/internal/store"
	"agora/api/internal/templaterepo"
	"agora/api/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	templateRepos := templaterepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	deps := app.Deps{
		Sessions:  dataStore,
		Templates: templateRepos,
		Search:    searchService,
		Docs:      docstore.New(cfg.DocstoreURL),
		AuthPW:    authpw.NewService(dataStore),
	}

	schedulerOpts := []scheduler.Option{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		schedulerOpts = append(schedulerOpts,
			scheduler.WithLocker(scheduler.NewRedisLock(redisStore.Client(), util.NewID("sched"))))
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}
	deps.Processor = scheduler.New(dataStore, schedulerOpts...)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		fileStore, err := files.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		deps.Files = fileStore
	} else {
		log.Printf("WARNING: MINIO_ENDPOINT not set, attachment uploads disabled")
	}

	if cfg.SMTPHost != "" {
		deps.Email = email.NewService(email.Config{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			FromName:  cfg.SMTPFromName,
			EnableTLS: true,
		})
	}

	service := app.New(cfg, dataStore, deps)

	// Background transition processing. The Redis lock keeps concurrent
	// replicas from double-processing; each pass is also idempotent on its
	// own, so a missing lock only costs wasted work.
	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	go func() {
		ticker := time.NewTicker(cfg.SchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-schedCtx.Done():
				return
			case <-ticker.C:
				if _, err := service.ProcessDueTransitions(schedCtx); err != nil {
					log.Printf("scheduler: pass failed: %v", err)
				}
			}
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Agora API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopScheduler()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
