package event

import "strconv"

// Event types accepted on the webhook surface
const (
	TypePrOpened         = "pr_opened"
	TypeRecoveryComplete = "recovery_complete"
)

// Event is a validated webhook payload. The set of implementations is closed:
// *PrOpened and *RecoveryComplete.
type Event interface {
	// Type returns the event_type discriminator
	Type() string
	// DedupKey returns the key that identifies the logical event across re-deliveries
	DedupKey() string
	// Change returns the change_id of the contract change the event belongs to
	Change() int64

	sealed()
}

// PrOpened is emitted when a remediation PR has been raised against a downstream repo
type PrOpened struct {
	ChangeID        int64    `json:"change_id"`
	JobID           int64    `json:"job_id"`
	TargetRepo      string   `json:"target_repo"`
	TargetService   string   `json:"target_service"`
	PRURL           string   `json:"pr_url"`
	DevinSessionURL string   `json:"devin_session_url"`
	Severity        string   `json:"severity"`
	IsBreaking      bool     `json:"is_breaking"`
	Summary         string   `json:"summary"`
	ChangedRoutes   []string `json:"changed_routes"`
	Timestamp       string   `json:"timestamp"`
}

// JobSummary describes one remediation job inside a recovery report
type JobSummary struct {
	JobID         int64  `json:"job_id"`
	TargetRepo    string `json:"target_repo"`
	TargetService string `json:"target_service"`
	PRURL         string `json:"pr_url"`
}

// RecoveryComplete is emitted once every remediation PR for a change has merged
type RecoveryComplete struct {
	ChangeID         int64        `json:"change_id"`
	Severity         string       `json:"severity"`
	IsBreaking       bool         `json:"is_breaking"`
	Summary          string       `json:"summary"`
	AffectedServices []string     `json:"affected_services"`
	ChangedRoutes    []string     `json:"changed_routes"`
	TotalJobs        int64        `json:"total_jobs"`
	Jobs             []JobSummary `json:"jobs"`
	MTTRSeconds      int64        `json:"mttr_seconds"`
	Timestamp        string       `json:"timestamp"`
}

func (*PrOpened) Type() string { return TypePrOpened }

func (e *PrOpened) DedupKey() string {
	return TypePrOpened + ":" + strconv.FormatInt(e.JobID, 10)
}

func (e *PrOpened) Change() int64 { return e.ChangeID }

func (*PrOpened) sealed() {}

func (*RecoveryComplete) Type() string { return TypeRecoveryComplete }

func (e *RecoveryComplete) DedupKey() string {
	return TypeRecoveryComplete + ":" + strconv.FormatInt(e.ChangeID, 10)
}

func (e *RecoveryComplete) Change() int64 { return e.ChangeID }

func (*RecoveryComplete) sealed() {}

// DedupKey derives the deduplication key for an event.
func DedupKey(ev Event) string {
	return ev.DedupKey()
}
