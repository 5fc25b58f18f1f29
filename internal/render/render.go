// Package render produces the report artifact for a batch. The output
// is deterministic for a given database state: fixed key order, sorted
// collections, no wall-clock values. Determinism matters because the
// artifact is hashed at issuance and the hash is write-once.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"batchseal/internal/domain"
	"batchseal/internal/repo"
)

type evaluationSection struct {
	SubjectID     string            `json:"subject_id"`
	Status        string            `json:"status"`
	StartedAt     string            `json:"started_at"`
	CompletedAt   string            `json:"completed_at,omitempty"`
	ResponseCount int               `json:"response_count"`
	Total         int               `json:"total"`
	Responses     []responseSection `json:"responses,omitempty"`
}

type responseSection struct {
	Item  string `json:"item"`
	Value int    `json:"value"`
}

type document struct {
	BatchID     int64               `json:"batch_id"`
	TenantID    string              `json:"tenant_id"`
	Seq         int                 `json:"seq"`
	CompletedAt string              `json:"completed_at,omitempty"`
	Evaluations []evaluationSection `json:"evaluations"`
}

// JSONRenderer renders a batch into a canonical JSON document covering
// every non-deactivated evaluation and its responses.
type JSONRenderer struct {
	Repo repo.Repo
}

func (r JSONRenderer) Render(ctx context.Context, batchID int64) ([]byte, error) {
	b, err := r.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	evals, err := r.Repo.ListEvaluations(ctx, batchID)
	if err != nil {
		return nil, err
	}

	doc := document{
		BatchID:  b.ID,
		TenantID: b.TenantID,
		Seq:      b.Seq,
	}
	if b.CompletedAt != nil {
		doc.CompletedAt = *b.CompletedAt
	}
	for _, ev := range evals {
		if ev.Status == domain.EvalDeactivated {
			continue
		}
		sec, err := r.renderEvaluation(ctx, ev)
		if err != nil {
			return nil, err
		}
		doc.Evaluations = append(doc.Evaluations, sec)
	}
	sort.Slice(doc.Evaluations, func(i, j int) bool {
		return doc.Evaluations[i].SubjectID < doc.Evaluations[j].SubjectID
	})
	if doc.Evaluations == nil {
		return nil, fmt.Errorf("batch %d has no evaluations to report", batchID)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (r JSONRenderer) renderEvaluation(ctx context.Context, ev domain.Evaluation) (evaluationSection, error) {
	sec := evaluationSection{
		SubjectID: ev.SubjectID,
		Status:    ev.Status,
		StartedAt: ev.StartedAt,
	}
	if ev.CompletedAt != nil {
		sec.CompletedAt = *ev.CompletedAt
	}
	resps, err := r.Repo.ListResponses(ctx, ev.ID)
	if err != nil {
		return sec, err
	}
	sort.Slice(resps, func(i, j int) bool { return resps[i].Item < resps[j].Item })
	for _, resp := range resps {
		sec.Responses = append(sec.Responses, responseSection{Item: resp.Item, Value: resp.Value})
		sec.Total += resp.Value
	}
	sec.ResponseCount = len(resps)
	return sec, nil
}
