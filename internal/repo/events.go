package repo

import (
	"context"
	"database/sql"

	"batchseal/internal/domain"
)

const eventColumns = `id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var evt domain.Event
	var tenantID, entityID sql.NullString
	err := scan(&evt.ID, &evt.TS, &evt.Type, &tenantID, &evt.EntityKind, &entityID, &evt.ActorID, &evt.Payload)
	evt.TenantID = tenantID.String
	evt.EntityID = entityID.String
	return evt, err
}

// EventsAfter returns events with id > after, oldest first. Used as the
// webhook delivery cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64, tenantID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? AND tenant_id = ? ORDER BY id ASC LIMIT ?`,
		after, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE tenant_id = ?`, tenantID).Scan(&id)
	return id.Int64, err
}

// ListEntityEvents returns the audit trail for one entity, newest first.
func (r Repo) ListEntityEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE entity_kind = ? AND entity_id = ? ORDER BY id DESC LIMIT ?`,
		entityKind, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}
