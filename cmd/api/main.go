package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"docket/api/internal/analyze"
	"docket/api/internal/app"
	"docket/api/internal/authpw"
	"docket/api/internal/blob"
	"docket/api/internal/config"
	"docket/api/internal/logging"
	"docket/api/internal/search"
	"docket/api/internal/session"
	"docket/api/internal/store"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log.Named("migrate")); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.Named("search"))
	}
	searchService := search.NewService(meiliClient, pgfts, log.Named("search"))
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		log.Info("using PostgreSQL for refresh token storage")
		sessions = session.NewPGStore(dataStore)
	}

	var blobs *blob.Store
	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		blobs, err = blob.New(ctx, blob.Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
		})
		if err != nil {
			log.Fatal("blob store connection failed", zap.Error(err))
		}
	} else {
		log.Warn("no blob endpoint configured, uploads disabled")
	}

	analyzer := analyze.NewClient(cfg.AnalyzerURL, cfg.AnalyzerAPIKey, cfg.AnalyzerModel, log.Named("analyze"))
	if !analyzer.Configured() {
		log.Warn("no analyzer API key configured, analysis returns empty insights")
	}

	accounts := authpw.NewService(dataStore)
	service := app.New(cfg, dataStore, sessions, searchService, analyzer, accounts, log.Named("app"))

	searchService.ReindexAllFromPG(ctx)

	var blobStore app.BlobStore
	if blobs != nil {
		blobStore = blobs
	}
	httpServer := app.NewHTTPServer(service, blobStore, cfg.CORSOrigin, log.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("docket API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
}
