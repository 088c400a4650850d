// Package sqlite implements the relational backend: documents and their
// vectors live in SQLite tables and similarity is computed in process.
//
// It suits small and medium collections where running a vector service is not
// worth it. Search is an exact scan over the collection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// DefaultPath is the database file used when no path parameter is given.
const DefaultPath = "~/.config/vectorrouter/vectors.db"

var tracer = otel.Tracer("vectorrouter.backend.sqlite")

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name        TEXT PRIMARY KEY,
	vector_size INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT,
	embedding  BLOB,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// pragmas mirror the settings used for other embedded SQLite stores.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Store is a backend.Backend on a SQLite database file.
type Store struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	conn *sql.DB
}

// New is the backend.Factory for KindSQLite. It reads the "path" parameter;
// ":memory:" keeps everything in memory.
func New(params backend.Params, logger *zap.Logger) (backend.Backend, error) {
	return NewStore(params.String("path", DefaultPath), logger), nil
}

// NewStore creates an unconnected store for the database at path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Kind implements backend.Backend.
func (s *Store) Kind() backend.Kind { return backend.KindSQLite }

// Connect opens the database and creates the schema.
func (s *Store) Connect(ctx context.Context) error {
	path := s.path
	if path != ":memory:" {
		expanded, err := expandPath(path)
		if err != nil {
			return fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", expanded, err)
		}
		path = expanded
	}

	conn, err := sql.Open(DriverName, path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	conn.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Warn("closing previous sqlite handle", zap.Error(err))
		}
	}

	s.logger.Info("sqlite vector store opened", zap.String("path", path))
	return nil
}

// Disconnect closes the database.
func (s *Store) Disconnect(context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Store) db() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, backend.ErrNotConnected
	}
	return s.conn, nil
}

// CreateCollection implements backend.Backend.
func (s *Store) CreateCollection(ctx context.Context, name string, opts backend.CollectionOptions) error {
	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	conn, err := s.db()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx,
		`INSERT INTO collections (name, vector_size, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, opts.VectorSize, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backend.ErrCollectionExists
	}
	return nil
}

// DeleteCollection implements backend.Backend.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	return withTx(ctx, conn, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("deleting collection %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, name); err != nil {
			return fmt.Errorf("deleting documents of %s: %w", name, err)
		}
		return nil
	})
}

// ListCollections implements backend.Backend.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpsertDocuments implements backend.Backend. Missing collections are created
// with the dimension of the first embedding.
func (s *Store) UpsertDocuments(ctx context.Context, name string, docs []backend.Document, embeddings [][]float32) error {
	ctx, span := tracer.Start(ctx, "sqlite.UpsertDocuments")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("document_count", len(docs)),
	)

	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	if err := backend.CheckEmbeddings(docs, embeddings); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	conn, err := s.db()
	if err != nil {
		return err
	}

	vectorSize := 0
	if len(embeddings) > 0 {
		vectorSize = len(embeddings[0])
	}

	return withTx(ctx, conn, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collections (name, vector_size, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
			name, vectorSize, now); err != nil {
			return fmt.Errorf("ensuring collection %s: %w", name, err)
		}

		var declared int
		if err := tx.QueryRowContext(ctx, `SELECT vector_size FROM collections WHERE name = ?`, name).Scan(&declared); err != nil {
			return fmt.Errorf("reading collection %s: %w", name, err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO documents (collection, id, content, metadata, embedding, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				content = excluded.content,
				metadata = excluded.metadata,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, doc := range docs {
			if doc.ID == "" {
				return fmt.Errorf("document %d: id is required", i)
			}
			var blob []byte
			if embeddings != nil {
				if declared > 0 && len(embeddings[i]) != declared {
					return fmt.Errorf("document %s: vector size %d does not match collection size %d",
						doc.ID, len(embeddings[i]), declared)
				}
				blob = encodeVector(embeddings[i])
			}
			md, err := encodeMetadata(doc.Metadata)
			if err != nil {
				return fmt.Errorf("document %s: %w", doc.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, name, doc.ID, doc.Content, md, blob, now); err != nil {
				return fmt.Errorf("upserting document %s: %w", doc.ID, err)
			}
		}
		return nil
	})
}

// Search implements backend.Backend. With an embedding, rows are ranked by
// cosine similarity; without one, by keyword overlap with the query.
func (s *Store) Search(ctx context.Context, req backend.SearchRequest) ([]backend.SearchHit, error) {
	ctx, span := tracer.Start(ctx, "sqlite.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Collection))

	conn, err := s.db()
	if err != nil {
		return nil, err
	}

	var exists int
	err = conn.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE name = ?`, req.Collection).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, req.Collection)
	}
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", req.Collection, err)
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT id, content, metadata, embedding FROM documents WHERE collection = ? ORDER BY rowid`,
		req.Collection)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", req.Collection, err)
	}
	defer rows.Close()

	var hits []backend.SearchHit
	for rows.Next() {
		var (
			id, content string
			md          sql.NullString
			blob        []byte
		)
		if err := rows.Scan(&id, &content, &md, &blob); err != nil {
			return nil, err
		}
		metadata, err := decodeMetadata(md)
		if err != nil {
			s.logger.Warn("skipping document with unreadable metadata",
				zap.String("collection", req.Collection),
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		if !backend.MatchFilters(metadata, req.Filters) {
			continue
		}

		var score float32
		if len(req.Embedding) > 0 && len(blob) > 0 {
			score = backend.CosineSimilarity(req.Embedding, decodeVector(blob))
		} else {
			score = backend.KeywordScore(content, req.Query)
			if score == 0 {
				continue
			}
		}
		hits = append(hits, backend.SearchHit{ID: id, Content: content, Metadata: metadata, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits = backend.RankHits(hits, req.EffectiveLimit())
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// DeleteDocuments implements backend.Backend.
func (s *Store) DeleteDocuments(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.db()
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, name)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = conn.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting documents from %s: %w", name, err)
	}
	return nil
}

// GetCollectionStats implements backend.Backend.
func (s *Store) GetCollectionStats(ctx context.Context, name string) (map[string]any, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	var (
		vectorSize int
		createdAt  string
		count      int
	)
	err = conn.QueryRowContext(ctx,
		`SELECT vector_size, created_at FROM collections WHERE name = ?`, name).Scan(&vectorSize, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection %s: %w", name, err)
	}
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, name).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting documents in %s: %w", name, err)
	}
	return map[string]any{
		"name":        name,
		"point_count": count,
		"vector_size": vectorSize,
		"created_at":  createdAt,
		"backend":     string(backend.KindSQLite),
	}, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) (bool, string) {
	conn, err := s.db()
	if err != nil {
		return false, err.Error()
	}
	if err := conn.PingContext(ctx); err != nil {
		return false, fmt.Sprintf("sqlite ping failed: %v", err)
	}
	return true, fmt.Sprintf("sqlite database at %s", s.path)
}

// withTx executes fn within a transaction, rolling back on error.
func withTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// encodeVector stores float32 values little-endian, 4 bytes each.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func encodeMetadata(md map[string]any) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(s.String), &md); err != nil {
		return nil, err
	}
	return md, nil
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

var _ backend.Backend = (*Store)(nil)
