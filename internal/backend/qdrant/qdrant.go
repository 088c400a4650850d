// Package qdrant implements the Qdrant backend over Qdrant's native gRPC API.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

var tracer = otel.Tracer("vectorrouter.backend.qdrant")

// Payload keys reserved by the adapter.
const (
	payloadContent = "content"
	payloadID      = "id"
)

// Config holds configuration for the Qdrant gRPC client.
type Config struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (NOT HTTP REST port). Default: 6334.
	Port int

	// APIKey authenticates against Qdrant Cloud.
	APIKey config.Secret

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// VectorSize is used when a collection is created without an explicit size.
	VectorSize int

	// Distance is the similarity metric for new collections.
	Distance qdrant.Distance

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", backend.ErrInvalidParams)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", backend.ErrInvalidParams, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", backend.ErrInvalidParams)
	}
	return nil
}

// ConfigFromParams reads "url" or "host"/"port", plus "apiKey", "useTLS",
// "vectorSize" and "distance". A url's scheme selects TLS (https) and its
// port overrides the default.
func ConfigFromParams(p backend.Params) (Config, error) {
	var cfg Config

	in := struct {
		URL        string `koanf:"url"`
		Host       string `koanf:"host"`
		Port       int    `koanf:"port"`
		APIKey     string `koanf:"apiKey"`
		UseTLS     *bool  `koanf:"useTLS"`
		VectorSize int    `koanf:"vectorSize"`
		Distance   string `koanf:"distance"`
	}{Distance: "cosine"}
	if err := p.Decode(&in); err != nil {
		return cfg, err
	}

	if raw := strings.TrimSpace(in.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return cfg, fmt.Errorf("%w: url %q", backend.ErrInvalidParams, raw)
		}
		cfg.Host = u.Hostname()
		cfg.UseTLS = u.Scheme == "https"
		if u.Port() != "" {
			port, err := strconv.Atoi(u.Port())
			if err != nil {
				return cfg, fmt.Errorf("%w: url port %q", backend.ErrInvalidParams, u.Port())
			}
			cfg.Port = port
		}
	}
	if host := strings.TrimSpace(in.Host); host != "" {
		cfg.Host = host
	}
	if in.Port != 0 {
		cfg.Port = in.Port
	}
	if in.UseTLS != nil {
		cfg.UseTLS = *in.UseTLS
	}
	cfg.VectorSize = in.VectorSize
	cfg.APIKey = config.Secret(in.APIKey)

	distance, err := parseDistance(strings.TrimSpace(in.Distance))
	if err != nil {
		return cfg, err
	}
	cfg.Distance = distance

	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func parseDistance(s string) (qdrant.Distance, error) {
	switch strings.ToLower(s) {
	case "cosine":
		return qdrant.Distance_Cosine, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	case "euclid", "l2":
		return qdrant.Distance_Euclid, nil
	case "manhattan":
		return qdrant.Distance_Manhattan, nil
	default:
		return qdrant.Distance_UnknownDistance, fmt.Errorf("%w: unsupported distance %q", backend.ErrInvalidParams, s)
	}
}

// IsTransientError checks if an error is transient (should retry).
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Store is a backend.Backend using Qdrant's official Go gRPC client.
type Store struct {
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	client *qdrant.Client
}

// New is the backend.Factory for KindQdrant.
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
	cfg.ApplyDefaults()
	return &Store{config: cfg, logger: logger}
}

// Kind implements backend.Backend.
func (s *Store) Kind() backend.Kind { return backend.KindQdrant }

// Connect creates the gRPC client and verifies it with a health check.
func (s *Store) Connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "qdrant.Connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("host", s.config.Host),
		attribute.Int("port", s.config.Port),
	)

	if !s.config.UseTLS {
		s.logger.Warn("qdrant gRPC using plaintext (TLS disabled)",
			zap.String("host", s.config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   s.config.Host,
		Port:   s.config.Port,
		APIKey: s.config.APIKey.Value(),
		UseTLS: s.config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(s.config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(s.config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating qdrant client: %w", err)
	}

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("qdrant health check failed: %w", err)
	}

	if err := s.setClient(client); err != nil {
		s.logger.Warn("closing previous qdrant client", zap.Error(err))
	}

	s.logger.Info("connected to qdrant",
		zap.String("host", s.config.Host),
		zap.Int("port", s.config.Port),
		zap.Stringer("api_key", s.config.APIKey))
	return nil
}

// setClient installs client and closes the client it replaces.
func (s *Store) setClient(client *qdrant.Client) error {
	s.mu.Lock()
	prev := s.client
	s.client = client
	s.mu.Unlock()

	if prev == nil || prev == client {
		return nil
	}
	return prev.Close()
}

// Disconnect closes the gRPC connection.
func (s *Store) Disconnect(context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *Store) handle() (*qdrant.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, backend.ErrNotConnected
	}
	return s.client, nil
}

// retry runs op, retrying transient gRPC failures with exponential backoff.
func (s *Store) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return err
		}
		if attempt >= s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// CreateCollection implements backend.Backend.
func (s *Store) CreateCollection(ctx context.Context, name string, opts backend.CollectionOptions) error {
	ctx, span := tracer.Start(ctx, "qdrant.CreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	client, err := s.handle()
	if err != nil {
		return err
	}

	exists, err := client.CollectionExists(ctx, name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if exists {
		return backend.ErrCollectionExists
	}

	size := opts.VectorSize
	if size == 0 {
		size = s.config.VectorSize
	}
	distance := s.config.Distance
	if opts.Distance != "" {
		if distance, err = parseDistance(opts.Distance); err != nil {
			return err
		}
	}

	err = s.retry(ctx, "create_collection", func() error {
		return client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(size),
				Distance: distance,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

// DeleteCollection implements backend.Backend.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "qdrant.DeleteCollection")
	defer span.End()

	if err := backend.ValidateCollectionName(name); err != nil {
		return err
	}
	client, err := s.handle()
	if err != nil {
		return err
	}
	err = s.retry(ctx, "delete_collection", func() error {
		return client.DeleteCollection(ctx, name)
	})
	if err != nil {
		span.RecordError(err)
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
		}
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	return nil
}

// ListCollections implements backend.Backend.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "qdrant.ListCollections")
	defer span.End()

	client, err := s.handle()
	if err != nil {
		return nil, err
	}
	var names []string
	err = s.retry(ctx, "list_collections", func() error {
		result, err := client.ListCollections(ctx)
		if err != nil {
			return err
		}
		names = result
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return names, nil
}

// UpsertDocuments implements backend.Backend. Point IDs are derived from the
// collection and document ID so repeated writes replace the same point.
func (s *Store) UpsertDocuments(ctx context.Context, name string, docs []backend.Document, embeddings [][]float32) error {
	ctx, span := tracer.Start(ctx, "qdrant.UpsertDocuments")
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
	client, err := s.handle()
	if err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(name, doc.ID)),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: toPayload(doc),
		}
	}

	err = s.retry(ctx, "upsert", func() error {
		_, err := client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", name, err)
	}
	return nil
}

// Search implements backend.Backend. An embedding is required.
func (s *Store) Search(ctx context.Context, req backend.SearchRequest) ([]backend.SearchHit, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Collection))

	if len(req.Embedding) == 0 {
		return nil, backend.ErrEmbeddingRequired
	}
	client, err := s.handle()
	if err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "search", func() error {
		res, err := client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: req.Collection,
			Query:          qdrant.NewQuery(req.Embedding...),
			Limit:          qdrant.PtrOf(uint64(req.EffectiveLimit())),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         buildFilter(req.Filters),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, req.Collection)
		}
		return nil, fmt.Errorf("searching collection %s: %w", req.Collection, err)
	}

	hits := make([]backend.SearchHit, len(points))
	for i, p := range points {
		hits[i] = fromPayload(p.Payload, p.Score)
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// DeleteDocuments implements backend.Backend. Points are matched on the stored
// document ID payload field.
func (s *Store) DeleteDocuments(ctx context.Context, name string, ids []string) error {
	ctx, span := tracer.Start(ctx, "qdrant.DeleteDocuments")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	client, err := s.handle()
	if err != nil {
		return err
	}
	err = s.retry(ctx, "delete", func() error {
		_, err := client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							qdrant.NewMatchKeywords(payloadID, ids...),
						},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting documents from %s: %w", name, err)
	}
	return nil
}

// GetCollectionStats implements backend.Backend.
func (s *Store) GetCollectionStats(ctx context.Context, name string) (map[string]any, error) {
	client, err := s.handle()
	if err != nil {
		return nil, err
	}
	info, err := client.GetCollectionInfo(ctx, name)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, name)
		}
		return nil, fmt.Errorf("getting collection info for %s: %w", name, err)
	}

	stats := map[string]any{
		"name":    name,
		"status":  info.GetStatus().String(),
		"backend": string(backend.KindQdrant),
	}
	if info.PointsCount != nil {
		stats["point_count"] = int(*info.PointsCount)
	}
	if info.SegmentsCount != 0 {
		stats["segments_count"] = int(info.SegmentsCount)
	}
	return stats, nil
}

// HealthCheck implements backend.Backend.
func (s *Store) HealthCheck(ctx context.Context) (bool, string) {
	client, err := s.handle()
	if err != nil {
		return false, err.Error()
	}
	reply, err := client.HealthCheck(ctx)
	if err != nil {
		return false, fmt.Sprintf("qdrant health check failed: %v", err)
	}
	return true, fmt.Sprintf("qdrant %s at %s:%d", reply.GetVersion(), s.config.Host, s.config.Port)
}

// PointID maps a document ID to the deterministic UUID stored in Qdrant.
// Qdrant only accepts UUIDs or integers as point IDs; the original ID is kept
// in the payload.
func PointID(collection, docID string) string {
	if _, err := uuid.Parse(docID); err == nil {
		return docID
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+"/"+docID)).String()
}

func toPayload(doc backend.Document) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		switch val := v.(type) {
		case string:
			payload[k] = qdrant.NewValueString(val)
		case int:
			payload[k] = qdrant.NewValueInt(int64(val))
		case int64:
			payload[k] = qdrant.NewValueInt(val)
		case float64:
			payload[k] = qdrant.NewValueDouble(val)
		case bool:
			payload[k] = qdrant.NewValueBool(val)
		default:
			payload[k] = qdrant.NewValueString(fmt.Sprint(val))
		}
	}
	payload[payloadContent] = qdrant.NewValueString(doc.Content)
	payload[payloadID] = qdrant.NewValueString(doc.ID)
	return payload
}

func fromPayload(payload map[string]*qdrant.Value, score float32) backend.SearchHit {
	hit := backend.SearchHit{Score: score}
	if len(payload) == 0 {
		return hit
	}
	hit.Metadata = make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case payloadContent:
				hit.Content = val.StringValue
				continue
			case payloadID:
				hit.ID = val.StringValue
				continue
			}
			hit.Metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			hit.Metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			hit.Metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			hit.Metadata[k] = val.BoolValue
		}
	}
	return hit
}

// buildFilter converts equality filters into Qdrant must-conditions.
func buildFilter(filters map[string]any) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for key, value := range filters {
		switch v := value.(type) {
		case int:
			conditions = append(conditions, qdrant.NewMatchInt(key, int64(v)))
		case int64:
			conditions = append(conditions, qdrant.NewMatchInt(key, v))
		case bool:
			conditions = append(conditions, qdrant.NewMatchBool(key, v))
		default:
			conditions = append(conditions, qdrant.NewMatchKeyword(key, fmt.Sprint(v)))
		}
	}
	return &qdrant.Filter{Must: conditions}
}

var _ backend.Backend = (*Store)(nil)
