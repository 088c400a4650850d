// Package chromem implements the local-index backend on top of chromem-go, an
// embedded vector database persisted as gob files under a directory.
package chromem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

var tracer = otel.Tracer("vectorrouter.backend.chromem")

// DefaultPath is the index directory used when no path parameter is given.
const DefaultPath = "~/.config/vectorrouter/index"

// Config holds configuration for the chromem-go index.
type Config struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// VectorSize is the expected embedding dimension. Zero accepts any size.
	VectorSize int `koanf:"vectorSize"`
}

// ConfigFromParams reads the connection parameters "path", "compress" and "vectorSize".
func ConfigFromParams(p backend.Params) (Config, error) {
	cfg := Config{Path: DefaultPath}
	if err := p.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.VectorSize < 0 {
		return cfg, fmt.Errorf("%w: vectorSize must be non-negative", backend.ErrInvalidParams)
	}
	return cfg, nil
}

// Store is a backend.Backend backed by chromem-go.
type Store struct {
	config Config
	logger *zap.Logger

	mu   sync.RWMutex
	db   *chromem.DB
	path string
}

// New is the backend.Factory for KindChromem.
func New(params backend.Params, logger *zap.Logger) (backend.Backend, error) {
	cfg, err := ConfigFromParams(params)
	if err != nil {
		return nil, err
	}
	return NewStore(cfg, logger), nil
}

// NewStore creates an unconnected store.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Store{config: cfg, logger: logger}
}

// Kind implements backend.Backend.
func (s *Store) Kind() backend.Kind { return backend.KindChromem }

// Connect opens (or creates) the persistent database.
func (s *Store) Connect(ctx context.Context) error {
	_, span := tracer.Start(ctx, "chromem.Connect")
	defer span.End()

	expanded, err := expandPath(s.config.Path)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expanded, 0755); err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating directory %s: %w", expanded, err)
	}

	db, err := chromem.NewPersistentDB(expanded, s.config.Compress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("opening chromem DB: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.path = expanded
	s.mu.Unlock()

	s.logger.Info("chromem index opened",
		zap.String("path", expanded),
		zap.Bool("compress", s.config.Compress),
		zap.Int("vector_size", s.config.VectorSize))
	return nil
}

// Disconnect drops the in-memory handle. chromem-go writes through on every
// change, so there is nothing to flush.
func (s *Store) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = nil
	return nil
}

func (s *Store) handle() (*chromem.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, backend.ErrNotConnected
	}
	return s.db, nil
}

// embeddingFunc must be passed to every collection lookup: chromem-go falls
// back to its OpenAI embedder when nil is given. Vectors always come from the
// caller here, so text embedding is refused.
func embeddingFunc(context.Context, string) ([]float32, error) {
	return nil, backend.ErrEmbeddingRequired
}

// CreateCollection implements backend.Backend.
func (s *Store) CreateCollection(ctx context.Context, name string, opts backend.CollectionOptions) error {
	_, span := tracer.Start(ctx, "chromem.CreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	if opts.VectorSize != 0 && s.config.VectorSize != 0 && opts.VectorSize != s.config.VectorSize {
		return fmt.Errorf("vector size %d does not match configured size %d", opts.VectorSize, s.config.VectorSize)
	}

	db, err := s.handle()
	if err != nil {
		return err
	}
	if existing := db.GetCollection(name, embeddingFunc); existing != nil {
		return backend.ErrCollectionExists
	}
	if _, err := db.CreateCollection(name, nil, embeddingFunc); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return backend.ErrCollectionExists
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	s.logger.Info("created chromem collection", zap.String("collection", name))
	return nil
}

// DeleteCollection implements backend.Backend.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	_, span := tracer.Start(ctx, "chromem.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	if db.GetCollection(name, embeddingFunc) == nil {
		return fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
	}
	if err := db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	return nil
}

// ListCollections implements backend.Backend.
func (s *Store) ListCollections(context.Context) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	collections := db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	return names, nil
}

// UpsertDocuments implements backend.Backend. chromem-go replaces documents
// with an existing ID, and the collection is created on first write.
func (s *Store) UpsertDocuments(ctx context.Context, name string, docs []backend.Document, embeddings [][]float32) error {
	ctx, span := tracer.Start(ctx, "chromem.UpsertDocuments")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return nil
	}
	if embeddings == nil {
		return backend.ErrEmbeddingRequired
	}
	if err := backend.CheckEmbeddings(docs, embeddings); err != nil {
		return err
	}
	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}

	db, err := s.handle()
	if err != nil {
		return err
	}
	collection, err := db.GetOrCreateCollection(name, nil, embeddingFunc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		if s.config.VectorSize != 0 && len(embeddings[i]) != s.config.VectorSize {
			return fmt.Errorf("document %s: vector size %d does not match configured size %d",
				doc.ID, len(embeddings[i]), s.config.VectorSize)
		}
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  metadataToStrings(doc.Metadata),
			Embedding: embeddings[i],
		}
	}

	// Embeddings are precomputed, so a single worker is enough.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug("upserted documents into chromem",
		zap.String("collection", name),
		zap.Int("count", len(docs)))
	return nil
}

// Search implements backend.Backend. An embedding is required.
func (s *Store) Search(ctx context.Context, req backend.SearchRequest) ([]backend.SearchHit, error) {
	ctx, span := tracer.Start(ctx, "chromem.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Collection))

	if len(req.Embedding) == 0 {
		return nil, backend.ErrEmbeddingRequired
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	collection := db.GetCollection(req.Collection, embeddingFunc)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, req.Collection)
	}

	// chromem-go requires nResults <= document count.
	k := req.EffectiveLimit()
	count := collection.Count()
	if count == 0 {
		return []backend.SearchHit{}, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.QueryEmbedding(ctx, req.Embedding, k, metadataToStrings(req.Filters), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", req.Collection, err)
	}

	hits := make([]backend.SearchHit, len(results))
	for i, r := range results {
		hits[i] = backend.SearchHit{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: metadataFromStrings(r.Metadata),
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// DeleteDocuments implements backend.Backend.
func (s *Store) DeleteDocuments(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	collection := db.GetCollection(name, embeddingFunc)
	if collection == nil {
		return fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
	}

	var failures []string
	for _, id := range ids {
		if err := collection.Delete(ctx, nil, nil, id); err != nil {
			s.logger.Error("failed to delete document",
				zap.String("collection", name),
				zap.String("id", id),
				zap.Error(err))
			failures = append(failures, id)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed to delete %d of %d documents: %v", len(failures), len(ids), failures)
	}
	return nil
}

// GetCollectionStats implements backend.Backend.
func (s *Store) GetCollectionStats(_ context.Context, name string) (map[string]any, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	collection := db.GetCollection(name, embeddingFunc)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
	}
	return map[string]any{
		"name":        name,
		"point_count": collection.Count(),
		"vector_size": s.config.VectorSize,
		"path":        s.path,
		"backend":     string(backend.KindChromem),
	}, nil
}

// HealthCheck reports whether the index directory is still reachable.
func (s *Store) HealthCheck(context.Context) (bool, string) {
	s.mu.RLock()
	db, path := s.db, s.path
	s.mu.RUnlock()

	if db == nil {
		return false, "chromem index not open"
	}
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Sprintf("chromem index directory unavailable: %v", err)
	}
	return true, fmt.Sprintf("chromem index at %s (%d collections)", path, len(db.ListCollections()))
}

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// metadataToStrings converts metadata to chromem-go's string map.
func metadataToStrings(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	result := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			result[k] = val
		default:
			result[k] = fmt.Sprint(val)
		}
	}
	return result
}

func metadataFromStrings(metadata map[string]string) map[string]any {
	if metadata == nil {
		return nil
	}
	result := make(map[string]any, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}
	return result
}

var _ backend.Backend = (*Store)(nil)
