package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"tourvision/sync/internal/api"
	"tourvision/sync/internal/config"
	"tourvision/sync/internal/search"
	"tourvision/sync/internal/session"
	"tourvision/sync/internal/store"
	"tourvision/sync/internal/transport/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var docStore store.DocumentStore
	switch {
	case cfg.DatabaseURL != "":
		db, err := store.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		pg := store.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
		log.Printf("Using PostgreSQL for document storage")
		docStore = pg
	case cfg.RedisURL != "":
		rs, err := store.NewRedis(cfg.RedisURL, cfg.RedisTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer rs.Close()
		log.Printf("Using Redis for document storage")
		docStore = rs
	default:
		log.Printf("WARNING: no DATABASE_URL or REDIS_URL set, documents are held in memory only")
		docStore = store.NewMemory()
	}

	var meiliClient *search.Meili
	if cfg.MeiliURL != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}

	var archive *store.Archive
	if cfg.MinioEndpoint != "" {
		var err error
		archive, err = store.NewArchive(ctx, store.ArchiveConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			log.Fatalf("snapshot archive setup failed: %v", err)
		}
	}

	opts := session.Options{
		Store:           docStore,
		DebounceWait:    cfg.DebounceWait,
		DebounceMaxWait: cfg.DebounceMaxWait,
		FrameLimit:      cfg.FrameLimit,
		AwarenessTTL:    cfg.AwarenessTTL,
		OnCustom:        handleCustom,
	}
	if meiliClient != nil {
		opts.OnPersist = func(name, text string) {
			meiliClient.IndexDocument(name, text)
		}
	}
	registry := session.NewRegistry(opts)

	r := mux.NewRouter()
	r.Handle("/ws/{doc}", ws.NewHandler(registry))
	api.New(registry, docStore, archive).Register(r)

	// No global read/write timeouts: websocket connections are
	// long-lived and carry their own deadlines.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("sync server listening on %s", cfg.Addr)
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
	// Flush every session's pending save before the stores go away.
	registry.CloseAll()
}

// handleCustom answers agent pings and relays everything else to the
// session's other participants.
func handleCustom(s *session.Session, c session.Conn, payload string) {
	if payload == "ping" {
		s.SendCustom(c, "pong")
		return
	}
	s.BroadcastCustom(payload, c)
}
