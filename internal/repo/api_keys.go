package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"batchseal/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at`

// HashAPIKey digests a key secret for storage and lookup. Only the
// digest ever touches the database; the secret is shown once at
// creation and never kept.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a key row. KeyHash must already hold the digest
// from HashAPIKey.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return fmt.Errorf("api key: id required")
	case key.ActorID == "":
		return fmt.Errorf("api key: actor_id required")
	case key.KeyHash == "":
		return fmt.Errorf("api key: key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	query := `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`
	args := []any{key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt}
	if tx != nil {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	_, err := r.DB.ExecContext(ctx, query, args...)
	return err
}

func scanAPIKey(scan func(...any) error) (domain.APIKey, error) {
	var key domain.APIKey
	err := scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// GetAPIKeyByHash resolves a presented key digest to its row. Used by
// the auth middleware on every keyed request.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	return scanAPIKey(row.Scan)
}

// ListAPIKeys returns keys newest first, optionally scoped to one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key by ID. Deleting an unknown ID is a no-op.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("api key: id required")
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	return err
}
