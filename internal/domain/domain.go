package domain

// Batch statuses.
const (
	BatchDraft     = "draft"
	BatchActive    = "active"
	BatchCompleted = "completed"
	BatchCanceled  = "canceled"
)

// Evaluation statuses.
const (
	EvalStarted     = "started"
	EvalInProgress  = "in_progress"
	EvalCompleted   = "completed"
	EvalDeactivated = "deactivated"
)

// Report statuses.
const (
	ReportDraft     = "draft"
	ReportIssued    = "issued"
	ReportDelivered = "delivered"
)

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Batch struct {
	ID                    int64   `json:"id"`
	TenantID              string  `json:"tenant_id"`
	Seq                   int     `json:"seq"`
	Status                string  `json:"status" enum:"draft,active,completed,canceled"`
	ReleasedBy            string  `json:"released_by,omitempty"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	ReleasedAt            *string `json:"released_at,omitempty" format:"date-time"`
	CompletedAt           *string `json:"completed_at,omitempty" format:"date-time"`
	EmissionRequestedAt   *string `json:"emission_requested_at,omitempty" format:"date-time"`
	EmissionScheduledAt   *string `json:"emission_scheduled_at,omitempty" format:"date-time"`
	AutoEmissionScheduled bool    `json:"auto_emission_scheduled"`
}

type Evaluation struct {
	ID          string  `json:"id"`
	BatchID     int64   `json:"batch_id"`
	SubjectID   string  `json:"subject_id"`
	Status      string  `json:"status" enum:"started,in_progress,completed,deactivated"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Response struct {
	EvaluationID string `json:"evaluation_id"`
	Item         string `json:"item"`
	Value        int    `json:"value"`
	AnsweredAt   string `json:"answered_at" format:"date-time"`
}

// Report is the 1:1 companion of a batch; its ID equals the batch ID so the
// identity is reserved at batch creation time. Hash, IssuerID and IssuedAt
// are jointly null until issuance and write-once afterward.
type Report struct {
	ID           int64   `json:"id"`
	BatchID      int64   `json:"batch_id"`
	Status       string  `json:"status" enum:"draft,issued,delivered"`
	Hash         *string `json:"hash,omitempty"`
	IssuerID     *string `json:"issuer_id,omitempty"`
	IssuedAt     *string `json:"issued_at,omitempty" format:"date-time"`
	DeliveredAt  *string `json:"delivered_at,omitempty" format:"date-time"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type EmissionQueueEntry struct {
	ID            int64   `json:"id"`
	BatchID       int64   `json:"batch_id"`
	RequestedBy   string  `json:"requested_by"`
	RequestedAt   string  `json:"requested_at" format:"date-time"`
	Processed     bool    `json:"processed"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	NextAttemptAt string  `json:"next_attempt_at" format:"date-time"`
	LastError     string  `json:"last_error,omitempty"`
}

// ResetRecord is append-only: one per (evaluation, batch), never updated.
type ResetRecord struct {
	ID                  string `json:"id"`
	EvaluationID        string `json:"evaluation_id"`
	BatchID             int64  `json:"batch_id"`
	RequestedBy         string `json:"requested_by"`
	Role                string `json:"role"`
	Reason              string `json:"reason"`
	ResponseCountBefore int    `json:"response_count_before"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
