// Package search indexes document text into Meilisearch after each
// successful persistence cycle. Indexing is strictly best-effort: an
// absent or unhealthy Meilisearch never affects the sync path.
package search

import (
	"encoding/hex"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"golang.org/x/crypto/blake2b"
)

const idxDocuments = "sync_documents"

// DocumentEntry is the indexed shape of one document.
type DocumentEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Meili wraps the Meilisearch client with a health check loop so a
// flapping search backend degrades to no-ops instead of errors.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and configures the index. The indexer is
// returned even when the initial connection fails; the health loop
// reconfigures once Meilisearch comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDocuments, err)
	}
	index := m.client.Index(idxDocuments)
	searchable := []string{"name", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxDocuments, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// IndexDocument upserts one document's extracted text.
func (m *Meili) IndexDocument(name, text string) {
	if !m.healthy.Load() {
		return
	}
	entry := DocumentEntry{
		ID:        documentID(name),
		Name:      name,
		Text:      text,
		UpdatedAt: time.Now().Unix(),
	}
	if _, err := m.client.Index(idxDocuments).AddDocuments([]DocumentEntry{entry}, nil); err != nil {
		log.Printf("search: index document %q: %v", name, err)
	}
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// documentID derives a Meilisearch-safe primary key from the session
// name, which may contain characters the key syntax rejects.
func documentID(name string) string {
	sum := blake2b.Sum256([]byte(name))
	return hex.EncodeToString(sum[:12])
}
