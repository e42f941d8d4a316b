package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	dferrors "github.com/docfold/docfold/internal/errors"
)

// EmbeddedConfig configures the in-process HNSW backend.
type EmbeddedConfig struct {
	// Path is where Save persists the graph; empty disables persistence.
	Path       string
	VectorSize int
	M          int // graph connectivity, default 16
	EfSearch   int // search beam width, default 20
}

// EmbeddedStore is an in-process HNSW index for deployments without a
// Qdrant server. Deletion is lazy: removed points stay in the graph as
// orphans and are filtered out of results; Save drops them by
// rebuilding on load.
type EmbeddedStore struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	cfg   EmbeddedConfig

	idMap    map[string]uint64 // point id -> graph key
	keyMap   map[uint64]string // graph key -> point id
	payloads map[string]Payload
	nextKey  uint64
	closed   bool
}

var _ Store = (*EmbeddedStore)(nil)

// embeddedMetadata is the gob-encoded sidecar holding id mappings and
// payloads; the graph itself uses hnsw's own export format.
type embeddedMetadata struct {
	IDMap    map[string]uint64
	Payloads map[string]Payload
	NextKey  uint64
	Config   EmbeddedConfig
}

// NewEmbeddedStore creates the embedded index, loading persisted state
// from cfg.Path when present.
func NewEmbeddedStore(cfg EmbeddedConfig) (*EmbeddedStore, error) {
	if cfg.VectorSize <= 0 {
		return nil, dferrors.New(dferrors.ErrCodeConfigInvalid, "embedded vector size is required", nil)
	}
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	s := &EmbeddedStore{
		graph:    graph,
		cfg:      cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]Payload),
	}
	if cfg.Path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnsureReady is a no-op for the embedded backend.
func (s *EmbeddedStore) EnsureReady(ctx context.Context) error {
	return nil
}

// Upsert inserts or replaces points. Replacement orphans the old graph
// node rather than deleting it.
func (s *EmbeddedStore) Upsert(ctx context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dferrors.InternalError("embedded vector store is closed", nil)
	}

	for _, p := range points {
		if len(p.Vector) != s.cfg.VectorSize {
			return dferrors.New(dferrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d", s.cfg.VectorSize, len(p.Vector)), nil)
		}
	}
	for _, p := range points {
		if oldKey, ok := s.idMap[p.ID]; ok {
			delete(s.keyMap, oldKey)
		}
		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[p.ID] = key
		s.keyMap[key] = p.ID
		s.payloads[p.ID] = p.Payload
	}
	return nil
}

// Search returns the nearest live points within a collection. The
// graph is over-queried to compensate for orphans and cross-collection
// nodes, widening until limit hits are found or the graph is exhausted.
func (s *EmbeddedStore) Search(ctx context.Context, collectionID string, vec []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, dferrors.ValidationError("search limit must be positive", nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, dferrors.InternalError("embedded vector store is closed", nil)
	}
	if len(vec) != s.cfg.VectorSize {
		return nil, dferrors.New(dferrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected %d dimensions, got %d", s.cfg.VectorSize, len(vec)), nil)
	}
	if s.graph.Len() == 0 {
		return nil, nil
	}

	for k := limit * 4; ; k *= 2 {
		if k > s.graph.Len() {
			k = s.graph.Len()
		}
		nodes := s.graph.Search(vec, k)

		results := make([]SearchResult, 0, limit)
		for _, node := range nodes {
			id, live := s.keyMap[node.Key]
			if !live {
				continue
			}
			payload := s.payloads[id]
			if payload.CollectionID != collectionID {
				continue
			}
			distance := s.graph.Distance(vec, node.Value)
			results = append(results, SearchResult{
				PointID: id,
				Score:   1.0 - distance/2.0,
				Payload: payload,
			})
			if len(results) == limit {
				return results, nil
			}
		}
		if k == s.graph.Len() {
			return results, nil
		}
	}
}

// DeleteByDoc lazily removes all points belonging to a document.
func (s *EmbeddedStore) DeleteByDoc(ctx context.Context, docID string) error {
	return s.deleteWhere(func(p Payload) bool { return p.DocID == docID })
}

// DeleteByCollection lazily removes all points in a collection.
func (s *EmbeddedStore) DeleteByCollection(ctx context.Context, collectionID string) error {
	return s.deleteWhere(func(p Payload) bool { return p.CollectionID == collectionID })
}

func (s *EmbeddedStore) deleteWhere(match func(Payload) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dferrors.InternalError("embedded vector store is closed", nil)
	}
	for id, payload := range s.payloads {
		if !match(payload) {
			continue
		}
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
		}
		delete(s.idMap, id)
		delete(s.payloads, id)
	}
	return nil
}

// Count returns the number of live points, excluding orphans.
func (s *EmbeddedStore) Count(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.idMap)), nil
}

// Save atomically persists the graph and its metadata sidecar.
func (s *EmbeddedStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return dferrors.InternalError("embedded vector store is closed", nil)
	}
	if s.cfg.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp := s.cfg.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := s.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return s.saveMetadata()
}

func (s *EmbeddedStore) saveMetadata() error {
	metaPath := s.cfg.Path + ".meta"
	tmp := metaPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	meta := embeddedMetadata{
		IDMap:    s.idMap,
		Payloads: s.payloads,
		NextKey:  s.nextKey,
		Config:   s.cfg,
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, metaPath)
}

// load restores persisted state. Missing files mean a fresh index.
func (s *EmbeddedStore) load() error {
	metaPath := s.cfg.Path + ".meta"
	mf, err := os.Open(metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open index metadata: %w", err)
	}
	defer mf.Close()

	var meta embeddedMetadata
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return dferrors.New(dferrors.ErrCodeStoreCorrupt, "failed to decode index metadata", err)
	}
	if meta.Config.VectorSize != s.cfg.VectorSize {
		return dferrors.New(dferrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("persisted index has vector size %d, expected %d",
				meta.Config.VectorSize, s.cfg.VectorSize), nil)
	}

	gf, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer gf.Close()
	// hnsw Import needs an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(gf)); err != nil {
		return dferrors.New(dferrors.ErrCodeStoreCorrupt, "failed to import graph", err)
	}

	s.idMap = meta.IDMap
	s.payloads = meta.Payloads
	s.nextKey = meta.NextKey
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close persists state when a path is configured and releases the graph.
func (s *EmbeddedStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var err error
	if s.cfg.Path != "" {
		err = s.Save()
	}

	s.mu.Lock()
	s.closed = true
	s.graph = nil
	s.mu.Unlock()
	return err
}
