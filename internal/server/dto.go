package server

import (
	"batchseal/internal/domain"
	"batchseal/internal/readiness"
)

type BatchResponse struct {
	ID                  int64   `json:"id"`
	TenantID            string  `json:"tenant_id"`
	Seq                 int     `json:"seq"`
	Status              string  `json:"status" enum:"draft,active,completed,canceled"`
	ReleasedBy          string  `json:"released_by,omitempty"`
	CreatedAt           string  `json:"created_at"`
	ReleasedAt          *string `json:"released_at,omitempty"`
	CompletedAt         *string `json:"completed_at,omitempty"`
	EmissionRequestedAt *string `json:"emission_requested_at,omitempty"`
	EmissionScheduledAt *string `json:"emission_scheduled_at,omitempty"`
	AutoEmission        bool    `json:"auto_emission_scheduled"`
}

func batchResponse(b domain.Batch) BatchResponse {
	return BatchResponse{
		ID:                  b.ID,
		TenantID:            b.TenantID,
		Seq:                 b.Seq,
		Status:              b.Status,
		ReleasedBy:          b.ReleasedBy,
		CreatedAt:           b.CreatedAt,
		ReleasedAt:          b.ReleasedAt,
		CompletedAt:         b.CompletedAt,
		EmissionRequestedAt: b.EmissionRequestedAt,
		EmissionScheduledAt: b.EmissionScheduledAt,
		AutoEmission:        b.AutoEmissionScheduled,
	}
}

func mapBatches(items []domain.Batch) []BatchResponse {
	res := make([]BatchResponse, 0, len(items))
	for _, b := range items {
		res = append(res, batchResponse(b))
	}
	return res
}

type EvaluationResponse struct {
	ID          string  `json:"id"`
	BatchID     int64   `json:"batch_id"`
	SubjectID   string  `json:"subject_id"`
	Status      string  `json:"status" enum:"started,in_progress,completed,deactivated"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func evaluationResponse(ev domain.Evaluation) EvaluationResponse {
	return EvaluationResponse{
		ID:          ev.ID,
		BatchID:     ev.BatchID,
		SubjectID:   ev.SubjectID,
		Status:      ev.Status,
		StartedAt:   ev.StartedAt,
		CompletedAt: ev.CompletedAt,
	}
}

func mapEvaluations(items []domain.Evaluation) []EvaluationResponse {
	res := make([]EvaluationResponse, 0, len(items))
	for _, ev := range items {
		res = append(res, evaluationResponse(ev))
	}
	return res
}

type ReadinessResponse struct {
	BatchID     int64    `json:"batch_id"`
	BatchStatus string   `json:"batch_status"`
	Total       int      `json:"total"`
	Active      int      `json:"active"`
	Completed   int      `json:"completed"`
	Deactivated int      `json:"deactivated"`
	Ratio       float64  `json:"ratio"`
	Ready       bool     `json:"ready"`
	Reasons     []string `json:"reasons,omitempty"`
}

func readinessResponse(batchID int64, status string, counts readiness.Counts, res readiness.Result) ReadinessResponse {
	return ReadinessResponse{
		BatchID:     batchID,
		BatchStatus: status,
		Total:       counts.Total,
		Active:      res.Active,
		Completed:   counts.Completed,
		Deactivated: counts.Deactivated,
		Ratio:       res.Ratio,
		Ready:       res.Ready,
		Reasons:     res.Reasons,
	}
}

type ReportResponse struct {
	ID           int64   `json:"id"`
	BatchID      int64   `json:"batch_id"`
	Status       string  `json:"status" enum:"draft,issued,delivered"`
	Hash         *string `json:"hash,omitempty"`
	IssuerID     *string `json:"issuer_id,omitempty"`
	IssuedAt     *string `json:"issued_at,omitempty"`
	DeliveredAt  *string `json:"delivered_at,omitempty"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
}

func reportResponse(rep domain.Report) ReportResponse {
	return ReportResponse{
		ID:           rep.ID,
		BatchID:      rep.BatchID,
		Status:       rep.Status,
		Hash:         rep.Hash,
		IssuerID:     rep.IssuerID,
		IssuedAt:     rep.IssuedAt,
		DeliveredAt:  rep.DeliveredAt,
		ArtifactPath: rep.ArtifactPath,
	}
}

type QueueEntryResponse struct {
	ID            int64   `json:"id"`
	BatchID       int64   `json:"batch_id"`
	RequestedBy   string  `json:"requested_by"`
	RequestedAt   string  `json:"requested_at"`
	Processed     bool    `json:"processed"`
	ProcessedAt   *string `json:"processed_at,omitempty"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	NextAttemptAt string  `json:"next_attempt_at"`
	LastError     string  `json:"last_error,omitempty"`
}

func queueEntryResponse(entry domain.EmissionQueueEntry) QueueEntryResponse {
	return QueueEntryResponse{
		ID:            entry.ID,
		BatchID:       entry.BatchID,
		RequestedBy:   entry.RequestedBy,
		RequestedAt:   entry.RequestedAt,
		Processed:     entry.Processed,
		ProcessedAt:   entry.ProcessedAt,
		Attempts:      entry.Attempts,
		MaxAttempts:   entry.MaxAttempts,
		NextAttemptAt: entry.NextAttemptAt,
		LastError:     entry.LastError,
	}
}

type ResetRecordResponse struct {
	ID                  string `json:"id"`
	EvaluationID        string `json:"evaluation_id"`
	BatchID             int64  `json:"batch_id"`
	RequestedBy         string `json:"requested_by"`
	Role                string `json:"role"`
	Reason              string `json:"reason"`
	ResponseCountBefore int    `json:"response_count_before"`
	CreatedAt           string `json:"created_at"`
}

func resetRecordResponse(rec domain.ResetRecord) ResetRecordResponse {
	return ResetRecordResponse{
		ID:                  rec.ID,
		EvaluationID:        rec.EvaluationID,
		BatchID:             rec.BatchID,
		RequestedBy:         rec.RequestedBy,
		Role:                rec.Role,
		Reason:              rec.Reason,
		ResponseCountBefore: rec.ResponseCountBefore,
		CreatedAt:           rec.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, EventResponse{
			ID:         evt.ID,
			TS:         evt.TS,
			Type:       evt.Type,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			Payload:    evt.Payload,
		})
	}
	return res
}

type StartEvaluationRequest struct {
	SubjectID string `json:"subject_id" minLength:"1"`
}

type AdvanceEvaluationRequest struct {
	Status string `json:"status" enum:"in_progress,completed,deactivated"`
}

type SubmitResponseRequest struct {
	Item  string `json:"item" minLength:"1"`
	Value int    `json:"value"`
}

type ResetEvaluationRequest struct {
	BatchID int64  `json:"batch_id"`
	Reason  string `json:"reason"`
}
