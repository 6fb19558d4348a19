package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/padsync/internal/api"
	"github.com/manpreetbhatti/padsync/internal/autosave"
	"github.com/manpreetbhatti/padsync/internal/config"
	"github.com/manpreetbhatti/padsync/internal/db"
	"github.com/manpreetbhatti/padsync/internal/document"
	"github.com/manpreetbhatti/padsync/internal/ratelimit"
	"github.com/manpreetbhatti/padsync/internal/registry"
	"github.com/manpreetbhatti/padsync/internal/storage"
	"github.com/manpreetbhatti/padsync/internal/version"
	"github.com/manpreetbhatti/padsync/internal/ws"
)

func main() {
	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	backend, closeBackend, err := openBackend(cfg, database)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer closeBackend()

	initial, err := loadDocument(backend, cfg.DocumentID)
	if err != nil {
		log.Fatalf("Failed to load document: %v", err)
	}

	store := document.New(initial)
	hub := ws.NewHub(store, version.NewManager(cfg.MaxHistory), registry.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	saver := autosave.New(store, backend, database, autosave.Config{
		DocumentID:       cfg.DocumentID,
		Interval:         cfg.AutosaveInterval,
		KeepAutoVersions: cfg.KeepAutoVersions,
	})
	saver.Start()

	limiters := ratelimit.NewClientLimiters(cfg.MessagesPerSecond, cfg.MessageBurst)

	apiHandler := api.New(hub, database, saver, cfg.DocumentID)
	router := apiHandler.Router(&ws.Server{
		Hub:       hub,
		Limiters:  limiters,
		QueueSize: cfg.QueueSize,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("📝 Padsync server starting on :%s", cfg.Port)
	log.Printf("📁 Database: %s (document %q, storage %s)", cfg.DBPath, cfg.DocumentID, cfg.Storage)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?user={name}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Clients:   GET /api/clients")
	log.Println("  - Document:  GET/PUT /api/document")
	log.Println("  - History:   GET /api/document/history")
	log.Println("  - Controls:  POST /api/document/{undo,redo,rollback,save}")
	log.Println("  - Editing:   PUT /api/document/cursor, POST /api/document/{insert,delete}")
	log.Println("  - Versions:  GET/POST /api/versions")
	log.Println("  - Version:   GET/DELETE /api/versions/{id}")
	log.Println("  - Diff:      GET /api/versions/diff?from=X&to=Y")
	log.Println("  - Restore:   POST /api/versions/{id}/restore")
	log.Println("  - Metrics:   GET /metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("ListenAndServe: ", err)
	}

	cancel()
	saver.Stop()
	limiters.Stop()
}

// openBackend picks where the document text is saved. Versions always live
// in the sqlite database.
func openBackend(cfg config.Config, database *db.Database) (storage.Store, func(), error) {
	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	case "", "sqlite":
		return database, func() {}, nil
	default:
		return nil, nil, errors.New("unknown storage backend " + cfg.Storage)
	}
}

func loadDocument(backend storage.Store, documentID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	content, err := backend.Load(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("No saved copy of %q, starting empty", documentID)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	log.Printf("Loaded %q (%d bytes)", documentID, len(content))
	return content, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
