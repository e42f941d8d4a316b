package store

import (
	"context"
	"database/sql"
	"strings"

	dferrors "github.com/docfold/docfold/internal/errors"
)

// ReplaceChunks atomically swaps a document's chunks and their
// metadata inside tx. Old rows go first so the FTS triggers see a
// clean delete-then-insert.
func (s *Store) ReplaceChunks(ctx context.Context, tx *sql.Tx, docID string, chunks []Chunk, metas []ChunkMeta) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_meta WHERE doc_id = ?`, docID); err != nil {
		return wrapDBError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return wrapDBError(err)
	}

	now := nowMillis()
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (point_id, doc_id, collection_id, chunk_index, title, content)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.PointID, c.DocID, c.CollectionID, c.ChunkIndex, c.Title, c.Content)
		if err != nil {
			return wrapDBError(err)
		}
	}
	for _, m := range metas {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_meta (point_id, doc_id, collection_id, chunk_index, title_chain, content_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.PointID, m.DocID, m.CollectionID, m.ChunkIndex, m.TitleChain, m.ContentHash, now)
		if err != nil {
			return wrapDBError(err)
		}
	}
	return nil
}

// GetChunksByDoc returns a document's chunks in index order.
func (s *Store) GetChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT point_id, doc_id, collection_id, chunk_index, title, content
		 FROM chunks WHERE doc_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// FetchChunksByPointIDs returns the chunks for the given point ids,
// keyed by point id. Missing ids are simply absent from the result.
func (s *Store) FetchChunksByPointIDs(ctx context.Context, pointIDs []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(pointIDs))
	if len(pointIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(pointIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(pointIDs))
	for i, id := range pointIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT point_id, doc_id, collection_id, chunk_index, title, content
		 FROM chunks WHERE point_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.PointID] = c
	}
	return out, nil
}

// GetChunkMeta returns per-chunk metadata for a document in index order.
func (s *Store) GetChunkMeta(ctx context.Context, docID string) ([]ChunkMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT point_id, doc_id, collection_id, chunk_index, title_chain, content_hash, created_at
		 FROM chunk_meta WHERE doc_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []ChunkMeta
	for rows.Next() {
		var m ChunkMeta
		var created int64
		if err := rows.Scan(&m.PointID, &m.DocID, &m.CollectionID, &m.ChunkIndex,
			&m.TitleChain, &m.ContentHash, &created); err != nil {
			return nil, wrapDBError(err)
		}
		m.CreatedAt = toTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// FTSSearch runs a keyword search over chunk content and titles within
// a collection, ranked by bm25 (lower is better). The query is
// tokenized and each token quoted, so FTS5 operator syntax in user
// input cannot break the match expression. A query with no usable
// tokens returns no results.
func (s *Store) FTSSearch(ctx context.Context, collectionID, query string, limit int) ([]FTSResult, error) {
	if limit <= 0 {
		return nil, dferrors.ValidationError("search limit must be positive", nil)
	}
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.point_id, c.chunk_index, bm25(chunks_fts) AS rank
		 FROM chunks_fts
		 JOIN chunks c ON c.rowid = chunks_fts.rowid
		 WHERE chunks_fts MATCH ? AND c.collection_id = ?
		 ORDER BY rank LIMIT ?`,
		match, collectionID, limit)
	if err != nil {
		// FTS5 rejects some token sequences it cannot parse even
		// when quoted. Treat that as zero keyword hits rather than
		// failing the whole search.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []FTSResult
	for rows.Next() {
		var r FTSResult
		if err := rows.Scan(&r.PointID, &r.ChunkIndex, &r.Rank); err != nil {
			return nil, wrapDBError(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildMatchQuery turns raw user text into a safe FTS5 MATCH
// expression: each whitespace token double-quoted, implicit AND.
func buildMatchQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.PointID, &c.DocID, &c.CollectionID, &c.ChunkIndex, &c.Title, &c.Content); err != nil {
			return nil, wrapDBError(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
