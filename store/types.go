package store

import (
	"encoding/json"

	"github.com/veyra/ghostwork/event"
)

// StoredEvent is one persisted secure event row.
type StoredEvent struct {
	ID                 string            `json:"id"`
	SessionFingerprint string            `json:"session_fingerprint"`
	TimestampBucket    string            `json:"timestamp_bucket"`
	IntentVector       []float32         `json:"intent_vector"`
	StructuralHash     string            `json:"structural_hash"`
	OrgID              string            `json:"org_id"`
	EventType          event.Type        `json:"event_type"`
	IntentLabel        event.IntentClass `json:"intent_label"`
	IntentConfidence   float64           `json:"intent_confidence"`
	ElementSignature   string            `json:"element_signature,omitempty"`
	SequenceNumber     uint64            `json:"sequence_number"`
	DeviceFingerprint  string            `json:"device_fingerprint"`
	BatchID            string            `json:"batch_id"`
	IngestedAt         int64             `json:"ingested_at"`
}

// Pattern is a detected workflow pattern.
type Pattern struct {
	ID                   string   `json:"id"`
	OrgID                string   `json:"org_id"`
	IntentSequence       []string `json:"intent_sequence"`
	StructuralHashes     []string `json:"structural_hashes"`
	Occurrences          int      `json:"occurrences"`
	Confidence           float64  `json:"confidence"`
	SuggestedName        string   `json:"suggested_name,omitempty"`
	SuggestedDescription string   `json:"suggested_description,omitempty"`
	FirstSeen            string   `json:"first_seen"` // timestamp bucket, ISO 8601
	LastSeen             string   `json:"last_seen"`
	Status               string   `json:"status"`
	CreatedAt            int64    `json:"created_at"`
	UpdatedAt            int64    `json:"updated_at"`
}

// Ghost is an automation definition.
type Ghost struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Version         int             `json:"version"`
	Status          string          `json:"status"`
	Trigger         json.RawMessage `json:"trigger"`
	Parameters      json.RawMessage `json:"parameters"`
	ExecutionPlan   json.RawMessage `json:"execution_plan"`
	Confidence      *float64        `json:"confidence,omitempty"`
	SourcePatternID string          `json:"source_pattern_id,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	IsActive        bool            `json:"is_active"`
	UsageStats      json.RawMessage `json:"usage_stats"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// GhostVersion is an immutable snapshot taken when a ghost is approved.
type GhostVersion struct {
	ID                string          `json:"id"`
	GhostID           string          `json:"ghost_id"`
	Version           int             `json:"version"`
	ExecutionPlan     json.RawMessage `json:"execution_plan"`
	Parameters        json.RawMessage `json:"parameters"`
	Trigger           json.RawMessage `json:"trigger"`
	ChangeDescription string          `json:"change_description,omitempty"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         int64           `json:"created_at"`
}

// Execution is one run of a ghost.
type Execution struct {
	ID          string          `json:"id"`
	GhostID     string          `json:"ghost_id"`
	OrgID       string          `json:"org_id"`
	Status      string          `json:"status"`
	Parameters  json.RawMessage `json:"parameters"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	StepCount   int             `json:"step_count"`
	StartedAt   int64           `json:"started_at"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ExecutionStep is one plan node's outcome within an execution.
type ExecutionStep struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Status      string          `json:"status"`
	Strategy    string          `json:"strategy"`
	DurationMS  int64           `json:"duration_ms"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// ExecutionLog is the append-only audit row written once per execution.
type ExecutionLog struct {
	ID             string   `json:"id"`
	ExecutionID    string   `json:"execution_id"`
	GhostID        string   `json:"ghost_id"`
	OrgID          string   `json:"org_id"`
	Status         string   `json:"status"`
	Steps          int      `json:"steps"`
	DurationMS     int64    `json:"duration_ms"`
	StrategiesUsed []string `json:"strategies_used"`
	LoggedAt       int64    `json:"logged_at"`
}

// ApprovalRequest tracks a human decision on a ghost or execution.
type ApprovalRequest struct {
	ID           string `json:"id"`
	GhostID      string `json:"ghost_id"`
	ExecutionID  string `json:"execution_id,omitempty"`
	OrgID        string `json:"org_id"`
	RequestedBy  string `json:"requested_by,omitempty"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	DecisionNote string `json:"decision_note,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	CreatedAt    int64  `json:"created_at"`
	ResolvedAt   *int64 `json:"resolved_at,omitempty"`
}

// Feedback is an append-only user rating of an execution.
type Feedback struct {
	ID                string          `json:"id"`
	ExecutionID       string          `json:"execution_id"`
	GhostID           string          `json:"ghost_id"`
	OrgID             string          `json:"org_id"`
	UserID            string          `json:"user_id,omitempty"`
	SatisfactionScore *int            `json:"satisfaction_score,omitempty"` // 1..5
	CorrectedActions  json.RawMessage `json:"corrected_actions,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         int64           `json:"created_at"`
}

// OrgSettings holds per-tenant governance knobs.
type OrgSettings struct {
	OrgID                     string          `json:"org_id"`
	Settings                  json.RawMessage `json:"settings"`
	AutoApproveThreshold      float64         `json:"auto_approve_threshold"`
	MaxExecutionsPerMinute    int             `json:"max_executions_per_minute"`
	LLMProvider               string          `json:"llm_provider,omitempty"`
	LLMModel                  string          `json:"llm_model,omitempty"`
	RequireApprovalAboveValue *float64        `json:"require_approval_above_value,omitempty"`
	UpdatedAt                 int64           `json:"updated_at"`
}

// Policy is an automation governance rule evaluated before execution.
type Policy struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Condition   json.RawMessage `json:"condition"`
	Action      string          `json:"action"` // require_approval | block | notify | allow
	IsActive    bool            `json:"is_active"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}
