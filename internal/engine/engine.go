// Package engine coordinates the lifecycle of evaluation batches: the
// evaluation state machine, batch readiness, the dual-path emission
// queue and the write-once report issuance.
package engine

import (
	"context"
	"database/sql"
	"time"

	"batchseal/internal/config"
	"batchseal/internal/events"
	"batchseal/internal/guard"
	"batchseal/internal/render"
	"batchseal/internal/repo"
)

// Renderer is the external collaborator that turns a batch's computed
// state into report bytes. It may be slow and must be idempotent in
// content for a given batch state; it is always invoked off the batch
// lock.
type Renderer interface {
	Render(ctx context.Context, batchID int64) ([]byte, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Locks     *guard.Locks
	Claims    guard.Claimer
	Renderer  Renderer
	Workspace string
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Locks:     &guard.Locks{},
		Claims:    guard.Claimer{DB: db},
		Renderer:  render.JSONRenderer{Repo: r},
		Workspace: workspace,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitTenant initializes a tenant with its default config, migrations
// already run.
func (e Engine) InitTenant(ctx context.Context, tenantID, name, actorID string) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`,
		tenantID, nullable(name), now); err != nil {
		return "", err
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, tenantID, config.Default(tenantID)); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "tenant.init", tenantID, "tenant", tenantID, actorID, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return tenantID, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
