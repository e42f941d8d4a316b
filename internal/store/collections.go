package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	dferrors "github.com/docfold/docfold/internal/errors"
)

// CreateCollection inserts a new collection. Names are unique.
func (s *Store) CreateCollection(ctx context.Context, name, description string) (*Collection, error) {
	if name == "" {
		return nil, dferrors.ValidationError("collection name must not be empty", nil)
	}
	now := nowMillis()
	c := &Collection{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   toTime(now),
		UpdatedAt:   toTime(now),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (collection_id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, now, now)
	if err != nil {
		wrapped := wrapDBError(err)
		if dferrors.GetCode(wrapped) == dferrors.ErrCodeStoreConstraint {
			return nil, dferrors.New(dferrors.ErrCodeConflict,
				fmt.Sprintf("collection %q already exists", name), err)
		}
		return nil, wrapped
	}
	return c, nil
}

// GetCollection fetches a collection by id.
func (s *Store) GetCollection(ctx context.Context, id string) (*Collection, error) {
	return s.scanCollection(s.db.QueryRowContext(ctx,
		`SELECT collection_id, name, description, created_at, updated_at
		 FROM collections WHERE collection_id = ?`, id), id)
}

// GetCollectionByName fetches a collection by its unique name.
func (s *Store) GetCollectionByName(ctx context.Context, name string) (*Collection, error) {
	return s.scanCollection(s.db.QueryRowContext(ctx,
		`SELECT collection_id, name, description, created_at, updated_at
		 FROM collections WHERE name = ?`, name), name)
}

func (s *Store) scanCollection(row *sql.Row, ref string) (*Collection, error) {
	var c Collection
	var created, updated int64
	err := row.Scan(&c.ID, &c.Name, &c.Description, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, dferrors.NotFoundError(fmt.Sprintf("collection %s not found", ref), err)
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	c.CreatedAt = toTime(created)
	c.UpdatedAt = toTime(updated)
	return &c, nil
}

// ListCollections returns all collections ordered by name.
func (s *Store) ListCollections(ctx context.Context) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, name, description, created_at, updated_at
		 FROM collections ORDER BY name`)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		var c Collection
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &created, &updated); err != nil {
			return nil, wrapDBError(err)
		}
		c.CreatedAt = toTime(created)
		c.UpdatedAt = toTime(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateCollection updates name and/or description. Empty name keeps
// the existing one.
func (s *Store) UpdateCollection(ctx context.Context, id, name, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections
		 SET name = COALESCE(NULLIF(?, ''), name), description = ?, updated_at = ?
		 WHERE collection_id = ?`,
		name, description, nowMillis(), id)
	if err != nil {
		return wrapDBError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dferrors.NotFoundError(fmt.Sprintf("collection %s not found", id), nil)
	}
	return nil
}

// DeleteCollection removes a collection and everything under it:
// chunk metadata, chunks (FTS rows follow via triggers), documents,
// and sync jobs, in one transaction.
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	return s.RunInTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM chunk_meta WHERE collection_id = ?`,
			`DELETE FROM chunks WHERE collection_id = ?`,
			`DELETE FROM sync_jobs WHERE doc_id IN (SELECT doc_id FROM docs WHERE collection_id = ?)`,
			`DELETE FROM docs WHERE collection_id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return wrapDBError(err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE collection_id = ?`, id)
		if err != nil {
			return wrapDBError(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return dferrors.NotFoundError(fmt.Sprintf("collection %s not found", id), nil)
		}
		return nil
	})
}
