package vector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dferrors "github.com/docfold/docfold/internal/errors"
)

// QdrantConfig configures the Qdrant-backed vector store.
type QdrantConfig struct {
	URL        string // host:port or scheme://host:port, gRPC port (6334)
	APIKey     string
	Collection string
	VectorSize uint64
	Metric     string // cosine (default) or euclid
	Timeout    time.Duration
}

// QdrantStore talks to a Qdrant server over gRPC. All mutating calls
// use wait=true so a successful return means the change is durable
// server-side.
type QdrantStore struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant. The connection itself is lazy;
// EnsureReady performs the first round trip.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Collection == "" {
		return nil, dferrors.New(dferrors.ErrCodeConfigInvalid, "qdrant collection name is required", nil)
	}
	if cfg.VectorSize == 0 {
		return nil, dferrors.New(dferrors.ErrCodeConfigInvalid, "qdrant vector size is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, dferrors.New(dferrors.ErrCodeDependencyUnavailable, "failed to create qdrant client", err)
	}
	return &QdrantStore{client: client, cfg: cfg}, nil
}

// parseQdrantURL accepts "host:port", "qdrant:6334", or a full URL.
// Defaults to localhost:6334 without TLS.
func parseQdrantURL(raw string) (string, int, bool, error) {
	if raw == "" {
		return "localhost", 6334, false, nil
	}
	useTLS := false
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", 0, false, dferrors.New(dferrors.ErrCodeConfigInvalid,
				fmt.Sprintf("invalid qdrant URL %q", raw), err)
		}
		useTLS = u.Scheme == "https" || u.Scheme == "grpcs"
		raw = u.Host
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, 6334, useTLS, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, dferrors.New(dferrors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid qdrant port %q", portStr), err)
	}
	return host, port, useTLS, nil
}

// EnsureReady creates the collection if absent and checks the vector
// size of an existing one.
func (q *QdrantStore) EnsureReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return wrapGRPCError(err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.cfg.Collection)
		if err != nil {
			return wrapGRPCError(err)
		}
		params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
		if params != nil && params.GetSize() != q.cfg.VectorSize {
			return dferrors.New(dferrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("collection %s has vector size %d, expected %d",
					q.cfg.Collection, params.GetSize(), q.cfg.VectorSize), nil)
		}
		return nil
	}

	distance := qdrant.Distance_Cosine
	if strings.EqualFold(q.cfg.Metric, "euclid") || strings.EqualFold(q.cfg.Metric, "l2") {
		distance = qdrant.Distance_Euclid
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: distance,
		}),
	})
	if err != nil {
		return wrapGRPCError(err)
	}
	slog.Info("qdrant_collection_created",
		slog.String("collection", q.cfg.Collection),
		slog.Uint64("vector_size", q.cfg.VectorSize))
	return nil
}

// Upsert writes points with wait=true. Identical point ids overwrite
// in place, which is what makes re-ingestion idempotent.
func (q *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"doc_id":        p.Payload.DocID,
				"collection_id": p.Payload.CollectionID,
				"chunk_index":   int64(p.Payload.ChunkIndex),
				"content":       p.Payload.Content,
				"title_chain":   p.Payload.TitleChain,
				"content_hash":  p.Payload.ContentHash,
			}),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	return wrapGRPCError(err)
}

// Search runs a nearest-neighbor query filtered to one collection.
func (q *QdrantStore) Search(ctx context.Context, collectionID string, vec []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, dferrors.ValidationError("search limit must be positive", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("collection_id", collectionID),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapGRPCError(err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		payload := hit.GetPayload()
		results = append(results, SearchResult{
			PointID: hit.GetId().GetUuid(),
			Score:   hit.GetScore(),
			Payload: Payload{
				DocID:        payload["doc_id"].GetStringValue(),
				CollectionID: payload["collection_id"].GetStringValue(),
				ChunkIndex:   int(payload["chunk_index"].GetIntegerValue()),
				Content:      payload["content"].GetStringValue(),
				TitleChain:   payload["title_chain"].GetStringValue(),
				ContentHash:  payload["content_hash"].GetStringValue(),
			},
		})
	}
	return results, nil
}

// DeleteByDoc removes all points whose payload matches the doc id.
func (q *QdrantStore) DeleteByDoc(ctx context.Context, docID string) error {
	return q.deleteByField(ctx, "doc_id", docID)
}

// DeleteByCollection removes all points in a collection.
func (q *QdrantStore) DeleteByCollection(ctx context.Context, collectionID string) error {
	return q.deleteByField(ctx, "collection_id", collectionID)
}

func (q *QdrantStore) deleteByField(ctx context.Context, field, value string) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(field, value),
			},
		}),
	})
	return wrapGRPCError(err)
}

// Count returns the exact number of points in the collection.
func (q *QdrantStore) Count(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, wrapGRPCError(err)
	}
	return n, nil
}

// Close closes the gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}

// wrapGRPCError maps gRPC status codes onto the retry taxonomy.
func wrapGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return dferrors.New(dferrors.ErrCodeDependencyUnavailable, err.Error(), err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return dferrors.New(dferrors.ErrCodeDependencyUnavailable, st.Message(), err)
	case codes.DeadlineExceeded:
		return dferrors.New(dferrors.ErrCodeNetworkTimeout, st.Message(), err)
	case codes.ResourceExhausted:
		return dferrors.New(dferrors.ErrCodeRateLimited, st.Message(), err)
	case codes.InvalidArgument:
		return dferrors.New(dferrors.ErrCodeInvalidInput, st.Message(), err)
	case codes.NotFound:
		return dferrors.NotFoundError(st.Message(), err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return dferrors.New(dferrors.ErrCodeUnauthorized, st.Message(), err)
	case codes.Internal, codes.Unknown:
		return dferrors.New(dferrors.ErrCodeDependencyServer, st.Message(), err)
	default:
		return dferrors.New(dferrors.ErrCodeDependencyUnavailable, st.Message(), err)
	}
}
