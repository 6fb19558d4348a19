// Package autosave periodically writes the live document to storage and keeps
// a bounded trail of automatic versions.
package autosave

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/padsync/internal/db"
	"github.com/manpreetbhatti/padsync/internal/document"
	"github.com/manpreetbhatti/padsync/internal/metrics"
	"github.com/manpreetbhatti/padsync/internal/storage"
)

const AutoVersionName = "Autosave"

type Config struct {
	DocumentID       string
	Interval         time.Duration
	KeepAutoVersions int
}

func DefaultConfig() Config {
	return Config{
		DocumentID:       "default",
		Interval:         30 * time.Second,
		KeepAutoVersions: 20,
	}
}

type Service struct {
	doc      *document.Store
	backend  storage.Store
	database *db.Database
	config   Config

	mu        sync.Mutex
	savedHash string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a service that treats the current content of doc as already
// saved. database may be nil, in which case no versions are recorded. A
// non-positive interval uses the default.
func New(doc *document.Store, backend storage.Store, database *db.Database, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		doc:       doc,
		backend:   backend,
		database:  database,
		config:    config,
		savedHash: storage.HashContent(doc.Content()),
		stop:      make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("💾 Autosave started (interval: %v, keeping %d auto versions)",
		s.config.Interval, s.config.KeepAutoVersions)
}

// Stop ends the loop and writes any unsaved changes one last time.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Flush(ctx); err != nil {
			log.Printf("Autosave: final flush failed: %v", err)
		}
		log.Println("💾 Autosave stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			if _, err := s.Flush(ctx); err != nil {
				log.Printf("Autosave: %v", err)
			}
			cancel()
		}
	}
}

// Flush saves the document if it changed since the last save, records an
// automatic version and prunes old ones. It reports whether anything was
// written.
func (s *Service) Flush(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	content := s.doc.Content()
	hash := storage.HashContent(content)
	if hash == s.savedHash {
		return false, nil
	}

	if err := s.backend.Save(ctx, s.config.DocumentID, content); err != nil {
		return false, fmt.Errorf("save %s: %w", s.config.DocumentID, err)
	}
	s.savedHash = hash

	if err := s.recordVersion(ctx, content, hash); err != nil {
		return true, err
	}

	metrics.AutosaveDuration.Observe(time.Since(start).Seconds())
	return true, nil
}

// SaveNow writes the document whether or not it changed.
func (s *Service) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := s.doc.Content()
	if err := s.backend.Save(ctx, s.config.DocumentID, content); err != nil {
		return fmt.Errorf("save %s: %w", s.config.DocumentID, err)
	}
	s.savedHash = storage.HashContent(content)
	return nil
}

func (s *Service) recordVersion(ctx context.Context, content, hash string) error {
	if s.database == nil {
		return nil
	}

	latest, err := s.database.GetLatestVersion(ctx, s.config.DocumentID)
	if err != nil {
		return fmt.Errorf("latest version: %w", err)
	}
	if latest != nil && latest.ContentHash == hash {
		return nil
	}

	if _, err := s.database.CreateVersion(ctx, s.config.DocumentID, AutoVersionName, "", content, document.GroundAuthor, true); err != nil {
		return fmt.Errorf("create auto version: %w", err)
	}

	removed, err := s.database.DeleteOldAutoVersions(ctx, s.config.DocumentID, s.config.KeepAutoVersions)
	if err != nil {
		return fmt.Errorf("prune auto versions: %w", err)
	}
	if removed > 0 {
		log.Printf("💾 Pruned %d old auto versions of %s", removed, s.config.DocumentID)
	}
	return nil
}
