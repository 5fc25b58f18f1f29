package batchsealsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Batchseal HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Batch represents the API batch model.
type Batch struct {
	ID                  int64   `json:"id"`
	TenantID            string  `json:"tenant_id"`
	Seq                 int     `json:"seq"`
	Status              string  `json:"status"`
	ReleasedBy          string  `json:"released_by,omitempty"`
	CreatedAt           string  `json:"created_at"`
	ReleasedAt          *string `json:"released_at,omitempty"`
	CompletedAt         *string `json:"completed_at,omitempty"`
	EmissionRequestedAt *string `json:"emission_requested_at,omitempty"`
	EmissionScheduledAt *string `json:"emission_scheduled_at,omitempty"`
	AutoEmission        bool    `json:"auto_emission_scheduled"`
}

// Evaluation represents one subject's participation in a batch.
type Evaluation struct {
	ID          string  `json:"id"`
	BatchID     int64   `json:"batch_id"`
	SubjectID   string  `json:"subject_id"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Readiness reports how close a batch is to completion.
type Readiness struct {
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

// Report is the sealed artifact record for a batch.
type Report struct {
	ID           int64   `json:"id"`
	BatchID      int64   `json:"batch_id"`
	Status       string  `json:"status"`
	Hash         *string `json:"hash,omitempty"`
	IssuerID     *string `json:"issuer_id,omitempty"`
	IssuedAt     *string `json:"issued_at,omitempty"`
	DeliveredAt  *string `json:"delivered_at,omitempty"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
}

// QueueEntry is a batch's emission queue record.
type QueueEntry struct {
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

// ResetRecord is the audit trail entry for an evaluation reset.
type ResetRecord struct {
	ID                  string `json:"id"`
	EvaluationID        string `json:"evaluation_id"`
	BatchID             int64  `json:"batch_id"`
	RequestedBy         string `json:"requested_by"`
	Role                string `json:"role"`
	Reason              string `json:"reason"`
	ResponseCountBefore int    `json:"response_count_before"`
	CreatedAt           string `json:"created_at"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBatch creates a batch with its draft report reserved.
func (c *Client) CreateBatch(ctx context.Context) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.path("batches"), nil, &resp)
	return resp, err
}

// ListBatches returns all batches for the tenant.
func (c *Client) ListBatches(ctx context.Context) ([]Batch, error) {
	var resp []Batch
	err := c.do(ctx, http.MethodGet, c.path("batches"), nil, &resp)
	return resp, err
}

// GetBatch fetches a batch by id.
func (c *Client) GetBatch(ctx context.Context, id int64) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("batches/%d", id)), nil, &resp)
	return resp, err
}

// ReleaseBatch moves a draft batch to active.
func (c *Client) ReleaseBatch(ctx context.Context, id int64) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("batches/%d/release", id)), nil, &resp)
	return resp, err
}

// CancelBatch cancels a batch.
func (c *Client) CancelBatch(ctx context.Context, id int64) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("batches/%d/cancel", id)), nil, &resp)
	return resp, err
}

// GetReadiness returns the batch readiness snapshot.
func (c *Client) GetReadiness(ctx context.Context, id int64) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("batches/%d/readiness", id)), nil, &resp)
	return resp, err
}

// StartEvaluation admits a subject into a batch and starts their evaluation.
func (c *Client) StartEvaluation(ctx context.Context, batchID int64, subjectID string) (Evaluation, error) {
	body := map[string]any{"subject_id": subjectID}
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("batches/%d/evaluations", batchID)), body, &resp)
	return resp, err
}

// ListEvaluations returns all evaluations in a batch.
func (c *Client) ListEvaluations(ctx context.Context, batchID int64) ([]Evaluation, error) {
	var resp []Evaluation
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("batches/%d/evaluations", batchID)), nil, &resp)
	return resp, err
}

// GetEvaluation fetches an evaluation by id.
func (c *Client) GetEvaluation(ctx context.Context, id string) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodGet, c.path("evaluations/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AdvanceEvaluation moves an evaluation to the given status.
func (c *Client) AdvanceEvaluation(ctx context.Context, id, status string) (Evaluation, error) {
	body := map[string]any{"status": status}
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, c.path("evaluations/"+url.PathEscape(id)+"/advance"), body, &resp)
	return resp, err
}

// SubmitResponse records one item response on an evaluation.
func (c *Client) SubmitResponse(ctx context.Context, id, item string, value int) (Evaluation, error) {
	body := map[string]any{"item": item, "value": value}
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, c.path("evaluations/"+url.PathEscape(id)+"/responses"), body, &resp)
	return resp, err
}

// RequestEmission enqueues report emission for a completed batch.
func (c *Client) RequestEmission(ctx context.Context, batchID int64) (QueueEntry, error) {
	var resp QueueEntry
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("batches/%d/emission", batchID)), nil, &resp)
	return resp, err
}

// GetEmission returns the emission queue entry for a batch.
func (c *Client) GetEmission(ctx context.Context, batchID int64) (QueueEntry, error) {
	var resp QueueEntry
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("batches/%d/emission", batchID)), nil, &resp)
	return resp, err
}

// GetReport fetches the report for a batch.
func (c *Client) GetReport(ctx context.Context, batchID int64) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("batches/%d/report", batchID)), nil, &resp)
	return resp, err
}

// IssueReport renders, hashes and seals the batch report.
func (c *Client) IssueReport(ctx context.Context, batchID int64) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("batches/%d/report/issue", batchID)), nil, &resp)
	return resp, err
}

// DeliverReport marks an issued report as delivered.
func (c *Client) DeliverReport(ctx context.Context, batchID int64) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("batches/%d/report/deliver", batchID)), nil, &resp)
	return resp, err
}

// ResetEvaluation wipes an evaluation's responses and restarts it.
func (c *Client) ResetEvaluation(ctx context.Context, evaluationID string, batchID int64, reason string) (ResetRecord, error) {
	body := map[string]any{"batch_id": batchID, "reason": reason}
	var resp ResetRecord
	err := c.do(ctx, http.MethodPost, c.path("evaluations/"+url.PathEscape(evaluationID)+"/reset"), body, &resp)
	return resp, err
}

// ListResets returns reset records for a batch.
func (c *Client) ListResets(ctx context.Context, batchID int64) ([]ResetRecord, error) {
	var resp []ResetRecord
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("batches/%d/resets", batchID)), nil, &resp)
	return resp, err
}

// BatchEvents returns recent events for a batch.
func (c *Client) BatchEvents(ctx context.Context, batchID int64, limit int) ([]Event, error) {
	endpoint := c.path(fmt.Sprintf("batches/%d/events", batchID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
