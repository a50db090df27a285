package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"phasegate/internal/domain"
)

// PutActor inserts or replaces a directory entry. created_at is kept from
// the first insert.
func (r Repo) PutActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,display_name,role,org_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, role=excluded.role, org_id=excluded.org_id`,
		a.ID, a.DisplayName, a.Role, a.OrgID, a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return r.GetActorTx(ctx, nil, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,display_name,role,org_id,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.DisplayName, &a.Role, &a.OrgID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("actor %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListActors returns directory entries, optionally limited to one org.
func (r Repo) ListActors(ctx context.Context, orgID string) ([]domain.Actor, error) {
	query := `SELECT id,display_name,role,org_id,created_at FROM actors`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Role, &a.OrgID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DisplayNames resolves ids to display names. Ids without an entry, or with
// an empty name, are absent from the result.
func (r Repo) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	seen := make(map[string]struct{}, len(ids))
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,display_name FROM actors WHERE display_name <> '' AND id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}
