// Package mock provides an in-memory backend. It is the router's last-resort
// fallback and the reference implementation used in tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"go.uber.org/zap"
)

type storedDoc struct {
	doc       backend.Document
	embedding []float32
}

type collection struct {
	vectorSize int
	docs       map[string]storedDoc
	order      []string
}

// Store is an in-memory Backend. Nothing is persisted.
type Store struct {
	logger *zap.Logger

	mu          sync.RWMutex
	connected   bool
	collections map[string]*collection
}

// New is the backend.Factory for KindMock. Params are ignored.
func New(_ backend.Params, logger *zap.Logger) (backend.Backend, error) {
	return NewStore(logger), nil
}

// NewStore creates an unconnected in-memory store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:      logger,
		collections: make(map[string]*collection),
	}
}

// Kind implements backend.Backend.
func (s *Store) Kind() backend.Kind { return backend.KindMock }

// Connect implements backend.Backend.
func (s *Store) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect implements backend.Backend. Data is kept so a reconnect sees it.
func (s *Store) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// CreateCollection implements backend.Backend.
func (s *Store) CreateCollection(_ context.Context, name string, opts backend.CollectionOptions) error {
	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return backend.ErrNotConnected
	}
	if _, ok := s.collections[name]; ok {
		return backend.ErrCollectionExists
	}
	s.collections[name] = &collection{vectorSize: opts.VectorSize, docs: make(map[string]storedDoc)}
	return nil
}

// DeleteCollection implements backend.Backend.
func (s *Store) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return backend.ErrNotConnected
	}
	if _, ok := s.collections[name]; !ok {
		return backend.ErrCollectionNotFound
	}
	delete(s.collections, name)
	return nil
}

// ListCollections implements backend.Backend. Names are sorted.
func (s *Store) ListCollections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, backend.ErrNotConnected
	}
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpsertDocuments implements backend.Backend. Missing collections are created.
func (s *Store) UpsertDocuments(_ context.Context, name string, docs []backend.Document, embeddings [][]float32) error {
	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	if err := backend.CheckEmbeddings(docs, embeddings); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return backend.ErrNotConnected
	}

	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]storedDoc)}
		s.collections[name] = c
	}

	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document %d: id is required", i)
		}
		var emb []float32
		if embeddings != nil {
			emb = embeddings[i]
			if c.vectorSize > 0 && len(emb) != c.vectorSize {
				return fmt.Errorf("document %s: vector size %d does not match collection size %d",
					doc.ID, len(emb), c.vectorSize)
			}
		}
		if _, exists := c.docs[doc.ID]; !exists {
			c.order = append(c.order, doc.ID)
		}
		c.docs[doc.ID] = storedDoc{doc: doc, embedding: emb}
	}

	s.logger.Debug("mock upsert",
		zap.String("collection", name),
		zap.Int("count", len(docs)))
	return nil
}

// Search implements backend.Backend. With an embedding, stored vectors are
// ranked by cosine similarity; otherwise content is scored by keyword overlap
// and documents without any matching term are dropped.
func (s *Store) Search(_ context.Context, req backend.SearchRequest) ([]backend.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, backend.ErrNotConnected
	}

	c, ok := s.collections[req.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, req.Collection)
	}

	hits := make([]backend.SearchHit, 0, len(c.docs))
	for _, id := range c.order {
		sd := c.docs[id]
		if !backend.MatchFilters(sd.doc.Metadata, req.Filters) {
			continue
		}
		var score float32
		if len(req.Embedding) > 0 && len(sd.embedding) > 0 {
			score = backend.CosineSimilarity(req.Embedding, sd.embedding)
		} else {
			score = backend.KeywordScore(sd.doc.Content, req.Query)
			if score == 0 {
				continue
			}
		}
		hits = append(hits, backend.SearchHit{
			ID:       sd.doc.ID,
			Content:  sd.doc.Content,
			Metadata: copyMetadata(sd.doc.Metadata),
			Score:    score,
		})
	}
	return backend.RankHits(hits, req.EffectiveLimit()), nil
}

// DeleteDocuments implements backend.Backend. Unknown IDs are ignored.
func (s *Store) DeleteDocuments(_ context.Context, name string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return backend.ErrNotConnected
	}
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
	}

	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
		delete(c.docs, id)
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	c.order = kept
	return nil
}

// GetCollectionStats implements backend.Backend.
func (s *Store) GetCollectionStats(_ context.Context, name string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, backend.ErrNotConnected
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
	}
	return map[string]any{
		"name":        name,
		"point_count": len(c.docs),
		"vector_size": c.vectorSize,
		"backend":     string(backend.KindMock),
	}, nil
}

// HealthCheck implements backend.Backend.
func (s *Store) HealthCheck(context.Context) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return false, "mock backend not connected"
	}
	return true, fmt.Sprintf("mock backend healthy (%d collections)", len(s.collections))
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

var _ backend.Backend = (*Store)(nil)
