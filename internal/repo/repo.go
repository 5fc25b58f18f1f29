package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"batchseal/internal/config"
	"batchseal/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrImmutableReport is the storage-level refusal to touch an issued
// report. Reaching it through the engine is always a bug upstream.
var ErrImmutableReport = errors.New("immutable report")

// --- tenants ---

func (r Repo) InsertTenant(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`,
		t.ID, nullable(t.Name), t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if name.Valid {
		t.Name = name.String
	}
	return t, err
}

func (r Repo) SingleTenant(ctx context.Context) (domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM tenants`)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer rows.Close()
	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return domain.Tenant{}, err
		}
		tenants = append(tenants, t)
	}
	if len(tenants) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	if len(tenants) > 1 {
		return domain.Tenant{}, fmt.Errorf("multiple tenants exist; specify --tenant")
	}
	return tenants[0], nil
}

// --- tenant configs ---

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, r.DB, nil, tenantID, cfg)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, nil, tx, tenantID, cfg)
}

func upsertTenantConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}

// --- batches ---

const batchColumns = `id,tenant_id,seq,status,COALESCE(released_by,''),created_at,released_at,completed_at,emission_requested_at,emission_scheduled_at,auto_emission_scheduled`

func scanBatch(scan func(...any) error) (domain.Batch, error) {
	var b domain.Batch
	var releasedAt, completedAt, reqAt, schedAt sql.NullString
	var auto int
	err := scan(&b.ID, &b.TenantID, &b.Seq, &b.Status, &b.ReleasedBy, &b.CreatedAt, &releasedAt, &completedAt, &reqAt, &schedAt, &auto)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if releasedAt.Valid {
		b.ReleasedAt = &releasedAt.String
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.String
	}
	if reqAt.Valid {
		b.EmissionRequestedAt = &reqAt.String
	}
	if schedAt.Valid {
		b.EmissionScheduledAt = &schedAt.String
	}
	b.AutoEmissionScheduled = auto != 0
	return b, nil
}

func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO batches(tenant_id,seq,status,released_by,created_at) VALUES (?,?,?,?,?)`,
		b.TenantID, b.Seq, b.Status, nullable(b.ReleasedBy), b.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBatch(ctx context.Context, id int64) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Batch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) ListBatches(ctx context.Context, tenantID string) ([]domain.Batch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE tenant_id=? ORDER BY seq DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) NextBatchSeq(ctx context.Context, tx *sql.Tx, tenantID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM batches WHERE tenant_id=?`, tenantID).Scan(&seq)
	return seq, err
}

func (r Repo) UpdateBatchStatus(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkBatchReleased(ctx context.Context, tx *sql.Tx, id int64, releasedBy, releasedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=?, released_by=?, released_at=? WHERE id=? AND status=?`,
		domain.BatchActive, releasedBy, releasedAt, id, domain.BatchDraft)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkBatchCompleted(ctx context.Context, tx *sql.Tx, id int64, completedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET status=?, completed_at=? WHERE id=?`,
		domain.BatchCompleted, completedAt, id)
	return err
}

// ReopenBatch drops a completed batch back to active after an explicit
// reset or subject admission. The completion stamp is cleared; it will
// be re-stamped when readiness holds again.
func (r Repo) ReopenBatch(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET status=?, completed_at=NULL WHERE id=? AND status=?`,
		domain.BatchActive, id, domain.BatchCompleted)
	return err
}

func (r Repo) MarkEmissionRequested(ctx context.Context, tx *sql.Tx, id int64, requestedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET emission_requested_at=? WHERE id=? AND emission_requested_at IS NULL`,
		requestedAt, id)
	return err
}

// ArmAutoEmission sets the deferred issuance timer. Re-arming an already
// armed batch is a no-op (rows affected 0).
func (r Repo) ArmAutoEmission(ctx context.Context, tx *sql.Tx, id int64, scheduledAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET auto_emission_scheduled=1, emission_scheduled_at=? WHERE id=? AND auto_emission_scheduled=0`,
		scheduledAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) DisarmAutoEmission(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET auto_emission_scheduled=0 WHERE id=?`, id)
	return err
}

// ListDueAutoEmissions returns batches whose grace window has elapsed.
func (r Repo) ListDueAutoEmissions(ctx context.Context, now string, limit int) ([]domain.Batch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches
WHERE auto_emission_scheduled=1 AND emission_scheduled_at <= ?
ORDER BY emission_scheduled_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
