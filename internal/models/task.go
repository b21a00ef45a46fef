package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TaskStatus represents a task's position in the research state machine.
type TaskStatus string

const (
	StatusInitializing TaskStatus = "initializing"
	StatusPlanning     TaskStatus = "planning"
	StatusSearching    TaskStatus = "searching"
	StatusAnalyzing    TaskStatus = "analyzing"
	StatusValidating   TaskStatus = "validating"
	StatusReporting    TaskStatus = "reporting"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransitions is the research state machine. Failed is reachable from
// every non-terminal state and is therefore not listed per-state.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusInitializing: {StatusPlanning},
	StatusPlanning:     {StatusSearching},
	StatusSearching:    {StatusAnalyzing},
	StatusAnalyzing:    {StatusPlanning, StatusValidating},
	StatusValidating:   {StatusReporting},
	StatusReporting:    {StatusCompleted},
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailReason is the machine-readable reason code carried by every failed task,
// distinct from the human-readable message.
type FailReason string

const (
	ReasonTimeout          FailReason = "timeout"
	ReasonRetriesExhausted FailReason = "retries_exhausted"
	ReasonCancelled        FailReason = "cancelled"
	ReasonPermanentError   FailReason = "permanent_provider_error"
)

// Finding is a deduplicated unit of retrieved information. Immutable once
// created; ID doubles as the dedup key.
type Finding struct {
	ID                    string  `json:"id" db:"id"`
	Content               string  `json:"content" db:"content"`
	SourceRef             string  `json:"source_ref" db:"source_ref"`
	Title                 string  `json:"title,omitempty" db:"title"`
	Relevance             float64 `json:"relevance" db:"relevance"`
	DiscoveredAtIteration int     `json:"discovered_at_iteration" db:"discovered_at_iteration"`
}

// FindingID derives a finding's identity from its content.
func FindingID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ValidationResult is set exactly once, at the validation stage.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Confidence float64  `json:"confidence"`
	Concerns   []string `json:"concerns"`
}

// AnalysisResult is the analysis stage's verdict for one iteration.
type AnalysisResult struct {
	Sufficient  bool     `json:"sufficient"`
	Coverage    float64  `json:"coverage"`
	Gaps        []string `json:"gaps"`
	NextQueries []string `json:"next_queries"`
	Reasoning   string   `json:"reasoning"`
}

// QueryPlan is the planner stage's output for one iteration.
type QueryPlan struct {
	Queries    []string `json:"queries"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
}

// Counters accumulate monotonically over a task's life.
type Counters struct {
	TotalQueries  int `json:"total_queries"`
	TotalSearches int `json:"total_searches"`
	CacheHits     int `json:"cache_hits"`
	TotalTokens   int `json:"total_tokens"`
}

// Task is one end-to-end research run. The controller owns it exclusively
// while running; everyone else sees snapshots.
type Task struct {
	ID             string            `json:"id"`
	Topic          string            `json:"topic"`
	Clarifications map[string]string `json:"clarifications"`
	MaxIterations  int               `json:"max_iterations"`

	Status    TaskStatus `json:"status"`
	Iteration int        `json:"iteration"`

	Findings     []Finding `json:"findings"`
	QueryHistory []string  `json:"query_history"`
	Gaps         []string  `json:"gaps"`
	Coverage     float64   `json:"coverage"`

	Validation *ValidationResult `json:"validation,omitempty"`
	Report     string            `json:"report,omitempty"`

	Counters Counters `json:"counters"`

	FailReason  FailReason `json:"fail_reason,omitempty"`
	FailMessage string     `json:"fail_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	findingIDs map[string]struct{}
}

// NewTask creates a task in the initializing state.
func NewTask(id, topic string, clarifications map[string]string, maxIterations int) *Task {
	if clarifications == nil {
		clarifications = map[string]string{}
	}
	return &Task{
		ID:             id,
		Topic:          topic,
		Clarifications: clarifications,
		MaxIterations:  maxIterations,
		Status:         StatusInitializing,
		CreatedAt:      time.Now().UTC(),
		findingIDs:     make(map[string]struct{}),
	}
}

// AddFinding appends f if its content hash has not been seen before.
// Returns true when the finding was new.
func (t *Task) AddFinding(f Finding) bool {
	if t.findingIDs == nil {
		t.findingIDs = make(map[string]struct{}, len(t.Findings))
		for _, existing := range t.Findings {
			t.findingIDs[existing.ID] = struct{}{}
		}
	}
	if _, dup := t.findingIDs[f.ID]; dup {
		return false
	}
	t.findingIDs[f.ID] = struct{}{}
	t.Findings = append(t.Findings, f)
	return true
}

// HasQuery reports whether q was already issued in a previous iteration.
func (t *Task) HasQuery(q string) bool {
	for _, prev := range t.QueryHistory {
		if prev == q {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy safe to hand to subscribers and API readers.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.findingIDs = nil
	cp.Clarifications = make(map[string]string, len(t.Clarifications))
	for k, v := range t.Clarifications {
		cp.Clarifications[k] = v
	}
	cp.Findings = append([]Finding(nil), t.Findings...)
	cp.QueryHistory = append([]string(nil), t.QueryHistory...)
	cp.Gaps = append([]string(nil), t.Gaps...)
	if t.Validation != nil {
		v := *t.Validation
		v.Concerns = append([]string(nil), t.Validation.Concerns...)
		cp.Validation = &v
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return cp
}

// Analytics is derived once from a completed task's recorded history.
type Analytics struct {
	TaskID              string  `json:"task_id" db:"task_id"`
	TotalQueries        int     `json:"total_queries" db:"total_queries"`
	TotalSearches       int     `json:"total_searches" db:"total_searches"`
	CacheHits           int     `json:"cache_hits" db:"cache_hits"`
	CacheHitRate        float64 `json:"cache_hit_rate" db:"cache_hit_rate"`
	TotalTokens         int     `json:"total_tokens" db:"total_tokens"`
	TotalFindings       int     `json:"total_findings" db:"total_findings"`
	IterationsCompleted int     `json:"iterations_completed" db:"iterations_completed"`
	DurationSeconds     float64 `json:"duration_seconds" db:"duration_seconds"`
	QueryEfficiency     float64 `json:"query_efficiency" db:"query_efficiency"`
	SourceDiversity     float64 `json:"source_diversity" db:"source_diversity"`
}
