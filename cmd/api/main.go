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

	"bugvault/api/internal/app"
	"bugvault/api/internal/config"
	"bugvault/api/internal/enrich"
	"bugvault/api/internal/oauth"
	"bugvault/api/internal/search"
	"bugvault/api/internal/session"
	"bugvault/api/internal/store"
	"bugvault/api/internal/upload"
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

	dataStore := store.NewPostgresStore(db)

	pglike := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pglike)
	searchService.ReindexAllFromPG(ctx)

	var sessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessions.Close()
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	var enricher enrich.Generator
	if strings.TrimSpace(cfg.GroqAPIKey) != "" {
		enricher = enrich.NewClient(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqModel)
	} else {
		log.Printf("GROQ_API_KEY not set, bug enrichment disabled")
	}

	var uploader upload.Uploader
	switch {
	case strings.TrimSpace(cfg.MinioEndpoint) != "":
		minioUploader, err := upload.NewMinio(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.UploadFolder, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio setup failed: %v", err)
		}
		if err := minioUploader.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: minio bucket check failed: %v", err)
		}
		uploader = minioUploader
	case strings.TrimSpace(cfg.CloudinaryCloudName) != "":
		uploader = upload.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.UploadFolder)
	default:
		log.Printf("No upload backend configured, screenshot upload disabled")
	}

	var github *oauth.GitHubProvider
	if strings.TrimSpace(cfg.GitHubClientID) != "" {
		github = oauth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubCallbackURL)
	}

	var service *app.Service
	if sessions != nil {
		service = app.New(cfg, dataStore, sessions, searchService, enricher, uploader, github)
	} else {
		service = app.New(cfg, dataStore, nil, searchService, enricher, uploader, github)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("BugVault API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	service.WaitForEnrichment()
}
