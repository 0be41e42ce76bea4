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

	"ravenhall/internal/app"
	"ravenhall/internal/blob"
	"ravenhall/internal/config"
	"ravenhall/internal/directory"
	"ravenhall/internal/events"
	"ravenhall/internal/house"
	"ravenhall/internal/identity"
	"ravenhall/internal/insight"
	"ravenhall/internal/live"
	"ravenhall/internal/search"
	"ravenhall/internal/session"
	"ravenhall/internal/store"
	"ravenhall/internal/stream"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	records := store.NewPostgresStore(db)

	bus, err := live.Open(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer bus.Close()

	sessions, err := identity.OpenSessionStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("session store connection failed: %v", err)
	}
	defer sessions.Close()

	blobs, err := blob.Open(ctx, cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
	if err != nil {
		log.Printf("WARNING: blob storage unavailable, uploads disabled: %v", err)
		blobs = nil
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var activity *events.Publisher
	if strings.TrimSpace(cfg.KafkaBrokers) != "" {
		activity = events.NewPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		defer activity.Close()
	}

	provider := identity.New(records, sessions, nil, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	manager := session.NewManager(records, provider)
	coordinator := house.NewCoordinator(records, bus)

	dir := directory.New(records, bus)
	if err := dir.Start(ctx); err != nil {
		log.Fatalf("house directory failed to start: %v", err)
	}
	defer dir.Stop()

	engine := stream.New(records, bus, activity, manager.CurrentUser)
	defer engine.Deactivate()

	deps := app.Deps{
		Records:   records,
		Session:   manager,
		Provider:  provider,
		Houses:    coordinator,
		Directory: dir,
		Stream:    engine,
		Search:    searchService,
		Insights:  insight.NewClient(cfg.InsightURL, cfg.InsightAPIKey),
		Activity:  activity,
	}
	if blobs != nil {
		deps.Blobs = blobs
	}
	service := app.NewService(deps)

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
		log.Printf("Ravenhall API listening on %s", cfg.Addr)
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
}
