package store

import (
	"context"
	"database/sql"
	"fmt"

	dferrors "github.com/docfold/docfold/internal/errors"
)

const docColumns = `doc_id, collection_id, key, name, mime, size_bytes,
	content_hash, status, created_at, updated_at, is_deleted`

// UpsertDocument inserts or replaces a document row inside tx. The
// caller is responsible for deriving the id from the content hash.
func (s *Store) UpsertDocument(ctx context.Context, tx *sql.Tx, doc *Document, content string) error {
	now := nowMillis()
	created := toMillis(doc.CreatedAt)
	if created == 0 {
		created = now
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO docs (doc_id, collection_id, key, name, mime, size_bytes,
			content, content_hash, status, created_at, updated_at, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(doc_id) DO UPDATE SET
			collection_id = excluded.collection_id,
			key = excluded.key,
			name = excluded.name,
			mime = excluded.mime,
			size_bytes = excluded.size_bytes,
			content = excluded.content,
			content_hash = excluded.content_hash,
			status = excluded.status,
			updated_at = excluded.updated_at,
			is_deleted = 0`,
		doc.ID, doc.CollectionID, doc.Key, doc.Name, doc.Mime, doc.SizeBytes,
		content, doc.ContentHash, string(doc.Status), created, now)
	if err != nil {
		return wrapDBError(err)
	}
	doc.CreatedAt = toTime(created)
	doc.UpdatedAt = toTime(now)
	return nil
}

// UpdateDocumentMetadata updates name and mime only, without touching
// content or lifecycle state. Used when re-ingesting identical content.
func (s *Store) UpdateDocumentMetadata(ctx context.Context, docID, name, mime string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE docs SET name = ?, mime = ?, updated_at = ? WHERE doc_id = ? AND is_deleted = 0`,
		name, mime, nowMillis(), docID)
	if err != nil {
		return wrapDBError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dferrors.NotFoundError(fmt.Sprintf("document %s not found", docID), nil)
	}
	return nil
}

// SetDocumentStatus transitions the cached document lifecycle state.
func (s *Store) SetDocumentStatus(ctx context.Context, docID string, status DocStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE docs SET status = ?, updated_at = ? WHERE doc_id = ?`,
		string(status), nowMillis(), docID)
	if err != nil {
		return wrapDBError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dferrors.NotFoundError(fmt.Sprintf("document %s not found", docID), nil)
	}
	return nil
}

// GetDocument fetches document metadata. Content is not loaded; use
// GetDocumentContent.
func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM docs WHERE doc_id = ?`, docID)
	return scanDocument(row, docID)
}

// GetDocumentByKey fetches a live document by (collection, key).
func (s *Store) GetDocumentByKey(ctx context.Context, collectionID, key string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM docs
		 WHERE collection_id = ? AND key = ? AND is_deleted = 0`, collectionID, key)
	return scanDocument(row, key)
}

func scanDocument(row *sql.Row, ref string) (*Document, error) {
	var d Document
	var created, updated int64
	var deleted int
	err := row.Scan(&d.ID, &d.CollectionID, &d.Key, &d.Name, &d.Mime, &d.SizeBytes,
		&d.ContentHash, &d.Status, &created, &updated, &deleted)
	if err == sql.ErrNoRows {
		return nil, dferrors.NotFoundError(fmt.Sprintf("document %s not found", ref), err)
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	d.CreatedAt = toTime(created)
	d.UpdatedAt = toTime(updated)
	d.IsDeleted = deleted != 0
	return &d, nil
}

// GetDocumentContent loads the raw document text.
func (s *Store) GetDocumentContent(ctx context.Context, docID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM docs WHERE doc_id = ?`, docID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", dferrors.NotFoundError(fmt.Sprintf("document %s not found", docID), err)
	}
	if err != nil {
		return "", wrapDBError(err)
	}
	return content, nil
}

// ListDocuments returns live documents in a collection, newest first.
func (s *Store) ListDocuments(ctx context.Context, collectionID string, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM docs
		 WHERE collection_id = ? AND is_deleted = 0
		 ORDER BY updated_at DESC, doc_id LIMIT ? OFFSET ?`,
		collectionID, limit, offset)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		var d Document
		var created, updated int64
		var deleted int
		if err := rows.Scan(&d.ID, &d.CollectionID, &d.Key, &d.Name, &d.Mime, &d.SizeBytes,
			&d.ContentHash, &d.Status, &created, &updated, &deleted); err != nil {
			return nil, wrapDBError(err)
		}
		d.CreatedAt = toTime(created)
		d.UpdatedAt = toTime(updated)
		d.IsDeleted = deleted != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document and its chunks, metadata, and sync
// job in one transaction. The vector side is the caller's concern.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	return s.RunInTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteDocumentTx(ctx, tx, docID)
	})
}

// DeleteDocumentTx is DeleteDocument running inside an existing
// transaction, for callers composing larger atomic operations.
func (s *Store) DeleteDocumentTx(ctx context.Context, tx *sql.Tx, docID string) error {
	stmts := []string{
		`DELETE FROM chunk_meta WHERE doc_id = ?`,
		`DELETE FROM chunks WHERE doc_id = ?`,
		`DELETE FROM sync_jobs WHERE doc_id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, docID); err != nil {
			return wrapDBError(err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE doc_id = ?`, docID)
	if err != nil {
		return wrapDBError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dferrors.NotFoundError(fmt.Sprintf("document %s not found", docID), nil)
	}
	return nil
}
