package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for backend operations.
var (
	// ErrUnknownKind is returned when a kind name is not part of the enumeration.
	ErrUnknownKind = errors.New("unknown backend kind")

	// ErrUnavailable is returned for kinds whose adapter cannot be loaded.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrNotConnected is returned when an operation runs before Connect succeeded.
	ErrNotConnected = errors.New("backend not connected")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when attempting to create an existing collection.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrEmbeddingRequired is returned by adapters that cannot search or store without vectors.
	ErrEmbeddingRequired = errors.New("embedding required")

	// ErrEmbeddingMismatch indicates the number of embeddings differs from the number of documents.
	ErrEmbeddingMismatch = errors.New("embedding count does not match document count")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidParams indicates unusable connection parameters.
	ErrInvalidParams = errors.New("invalid connection parameters")
)

// DefaultSearchLimit is used when a SearchRequest has no positive Limit.
const DefaultSearchLimit = 10

// Document is a unit of content written to a collection.
type Document struct {
	// ID is the unique identifier within the collection.
	ID string `json:"id"`

	// Content is the text the embedding was computed from.
	Content string `json:"content"`

	// Metadata holds filterable key-value pairs.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchHit is a single search result.
type SearchHit struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Score is the similarity score (higher = more similar).
	Score float32 `json:"score"`

	// Source names the backend instance that produced the hit. Set by the router.
	Source string `json:"source,omitempty"`
}

// SearchRequest describes a similarity query against one collection.
type SearchRequest struct {
	Collection string
	Query      string
	Embedding  []float32
	Filters    map[string]any
	Limit      int
}

// EffectiveLimit returns Limit, or DefaultSearchLimit when Limit is not positive.
func (r SearchRequest) EffectiveLimit() int {
	if r.Limit <= 0 {
		return DefaultSearchLimit
	}
	return r.Limit
}

// CollectionOptions carries backend-agnostic collection settings.
type CollectionOptions struct {
	// VectorSize is the embedding dimension. Zero means the adapter default.
	VectorSize int

	// Distance is "cosine" (default), "dot" or "euclid". Adapters that support
	// a single metric ignore it.
	Distance string
}

// Backend is the contract every vector-storage adapter implements.
//
// Adapters are constructed by a Factory and are not usable until Connect
// returns nil. Implementations must be safe for concurrent use once connected;
// the router fans writes and health checks out across goroutines.
type Backend interface {
	// Kind returns the backend family.
	Kind() Kind

	// Connect establishes the connection or opens local storage.
	Connect(ctx context.Context) error

	// Disconnect releases the connection. Safe to call more than once.
	Disconnect(ctx context.Context) error

	// CreateCollection creates a collection. Returns ErrCollectionExists if present.
	CreateCollection(ctx context.Context, name string, opts CollectionOptions) error

	// DeleteCollection removes a collection and all its documents.
	DeleteCollection(ctx context.Context, name string) error

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// UpsertDocuments inserts or replaces documents. embeddings may be nil for
	// adapters that do not need vectors; otherwise len(embeddings) == len(docs).
	UpsertDocuments(ctx context.Context, collection string, docs []Document, embeddings [][]float32) error

	// Search runs a similarity query and returns hits ordered by score, highest first.
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)

	// DeleteDocuments removes documents by ID.
	DeleteDocuments(ctx context.Context, collection string, ids []string) error

	// GetCollectionStats returns adapter-specific statistics for a collection.
	GetCollectionStats(ctx context.Context, collection string) (map[string]any, error)

	// HealthCheck probes the backend and returns a human readable message.
	HealthCheck(ctx context.Context) (bool, string)
}

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against security rules.
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CheckEmbeddings verifies that embeddings, when given, line up with docs.
func CheckEmbeddings(docs []Document, embeddings [][]float32) error {
	if embeddings == nil {
		return nil
	}
	if len(embeddings) != len(docs) {
		return fmt.Errorf("%w: %d documents, %d embeddings", ErrEmbeddingMismatch, len(docs), len(embeddings))
	}
	return nil
}
