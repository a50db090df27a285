package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"phasegate/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed key. KeyHash must already hold the digest and
// the actor must exist in the directory.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	case key.CreatedAt == "":
		return errors.New("created_at required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash resolves a presented key digest.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,actor_id,COALESCE(name,''),key_hash,created_at FROM api_keys WHERE key_hash=?`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, fmt.Errorf("api key: %w", ErrNotFound)
	}
	return key, err
}

// ListAPIKeys returns keys newest first, optionally for one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT id,actor_id,COALESCE(name,''),key_hash,created_at FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key by id.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}
