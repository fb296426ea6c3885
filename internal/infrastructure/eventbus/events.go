package eventbus

import "time"

// Event type constants.
const (
	EventTypeRequestAdmitted   = "request_admitted"
	EventTypeRequestRejected   = "request_rejected"
	EventTypeRequestCancelled  = "request_cancelled"
	EventTypeRequestCompleted  = "request_completed"
	EventTypePromptBlocked     = "prompt_blocked"
	EventTypeResponseBlocked   = "response_blocked"
	EventTypeScanCompleted     = "scan_completed"
	EventTypeUpstreamError     = "upstream_error"
	EventTypeStreamAborted     = "stream_aborted"
	EventTypeAdminAction       = "admin_action"
)

// AdmissionPayload describes an admission decision.
type AdmissionPayload struct {
	RequestID string
	ClientID  string
	Model     string
	WaitMs    int64
	Rejected  bool
}

// BlockPayload describes a block decision at either scan stage. It carries
// the full internal detail regardless of what the external body is
// configured to reveal.
type BlockPayload struct {
	RequestID      string
	Model          string
	Stage          string // "input" or "output"
	Language       string
	FailedScanners []string
	RiskScore      float64
	Reason         string
}

// ScanPayload describes one pipeline run.
type ScanPayload struct {
	RequestID string
	Stage     string
	Allowed   bool
	CacheHit  bool
	Duration  time.Duration
}

// CompletionPayload describes a finished request.
type CompletionPayload struct {
	RequestID string
	Model     string
	Endpoint  string
	Status    int
	Streamed  bool
	Duration  time.Duration
}

// UpstreamErrorPayload describes a failed backend call.
type UpstreamErrorPayload struct {
	RequestID string
	Model     string
	Status    int
	Error     string
}

// AdminActionPayload audits a mutation on the admin surface.
type AdminActionPayload struct {
	Action   string // "queue_update", "queue_reset", "cache_clear"
	Model    string
	ClientID string
	Details  map[string]any
}
