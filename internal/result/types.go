package result

import (
	"fmt"
	"math"
	"time"
)

// RunState is the orchestrator lifecycle state of a Run.
type RunState string

const (
	StateCreated      RunState = "created"
	StateProvisioning RunState = "provisioning"
	StateExecuting    RunState = "executing"
	StateValidating   RunState = "validating"
	StateArchiving    RunState = "archiving"
	StateArchived     RunState = "archived"
	StateFailed       RunState = "failed"
	StateTimedOut     RunState = "timed_out"
)

// RunStatus is the final status of a Run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusTimeout   RunStatus = "timeout"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timeout"
)

// Run is one attempt to execute the scenario against one framework instance.
type Run struct {
	ID            string       `json:"id"`
	Experiment    string       `json:"experiment"`
	Framework     string       `json:"framework"`
	Attempt       int          `json:"attempt"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       time.Time    `json:"ended_at,omitzero"`
	State         RunState     `json:"state"`
	Status        RunStatus    `json:"status,omitempty"`
	Steps         []StepResult `json:"steps"`
	FailedStep    int          `json:"failed_step,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// AppendStep appends the next step result. Steps are numbered 1..N without gaps.
func (r *Run) AppendStep(s StepResult) error {
	if want := len(r.Steps) + 1; s.Step != want {
		return fmt.Errorf("run %s: step result %d out of order, want %d", r.ID, s.Step, want)
	}
	r.Steps = append(r.Steps, s)
	return nil
}

// StepResult records one scenario step, including all of its retries.
type StepResult struct {
	Step                  int        `json:"step"`
	Name                  string     `json:"name"`
	Command               string     `json:"command"`
	StartedAt             time.Time  `json:"started_at"`
	EndedAt               time.Time  `json:"ended_at"`
	DurationMS            int64      `json:"duration_ms"`
	Success               bool       `json:"success"`
	Status                StepStatus `json:"status"`
	Attempts              int        `json:"attempts"`
	Retries               int        `json:"retries"`
	ClarificationRequests int        `json:"clarification_requests"`
	HITLEvents            int        `json:"hitl_events"`
	UnguidedContinuations int        `json:"unguided_continuations"`
	// ReportedClarifications is the adapter's own count. It can disagree
	// with ClarificationRequests when a framework asks outside Clarify.
	ReportedClarifications int    `json:"reported_clarifications"`
	TokensIn               int    `json:"tokens_in"`
	TokensOut              int    `json:"tokens_out"`
	FailureReason          string `json:"failure_reason,omitempty"`
}

// HITLEvent is one answered clarification. Write-once.
type HITLEvent struct {
	RunID          string    `json:"run_id"`
	Step           int       `json:"step"`
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	ResponseDigest string    `json:"response_digest"`
	Timestamp      time.Time `json:"timestamp"`
}

type ValidationCategory string

const (
	CategoryFunctional   ValidationCategory = "functional"
	CategoryUI           ValidationCategory = "ui"
	CategoryAvailability ValidationCategory = "availability"
)

type ValidationResult struct {
	Step      int                `json:"step"`
	Category  ValidationCategory `json:"category"`
	Name      string             `json:"name"`
	Target    string             `json:"target"`
	Passed    bool               `json:"passed"`
	LatencyMS int64              `json:"latency_ms"`
	Detail    string             `json:"detail,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// MetricRecord holds the per-run aggregate values. Computed once per run.
type MetricRecord struct {
	RunID     string    `json:"run_id"`
	Framework string    `json:"framework"`
	Attempt   int       `json:"attempt"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	StepsTotal     int `json:"steps_total"`
	StepsCompleted int `json:"steps_completed"`
	Retries        int `json:"retries"`

	AutonomyRate          float64 `json:"autonomy_rate"`
	HITLEvents            int     `json:"hitl_events"`
	UnguidedContinuations int     `json:"unguided_continuations"`

	TokensIn    int     `json:"tokens_in"`
	TokensOut   int     `json:"tokens_out"`
	TotalTokens int     `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
	WallTimeS   float64 `json:"wall_time_s"`

	FunctionalPassRate float64 `json:"functional_pass_rate"`
	UIPassRate         float64 `json:"ui_pass_rate"`
	AvailabilityRate   float64 `json:"availability_rate"`
	DowntimeIncidents  int     `json:"downtime_incidents"`
	TestsScore         float64 `json:"tests_score"`
	LintScore          float64 `json:"lint_score"`
	CodeMetricsScore   float64 `json:"code_metrics_score"`
	QualityComposite   float64 `json:"quality_composite"`
}

// MetricNames lists the numeric metrics addressable by name.
var MetricNames = []string{
	"autonomy_rate", "hitl_events", "unguided_continuations", "retries",
	"tokens_in", "tokens_out", "total_tokens", "cost_usd", "wall_time_s",
	"steps_completed", "functional_pass_rate", "ui_pass_rate", "availability_rate",
	"downtime_incidents", "tests_score", "lint_score", "code_metrics_score",
	"quality_composite",
}

// Value returns the named metric. ok is false for unknown names and NaN values.
func (m *MetricRecord) Value(name string) (v float64, ok bool) {
	switch name {
	case "autonomy_rate":
		v = m.AutonomyRate
	case "hitl_events":
		v = float64(m.HITLEvents)
	case "unguided_continuations":
		v = float64(m.UnguidedContinuations)
	case "retries":
		v = float64(m.Retries)
	case "tokens_in":
		v = float64(m.TokensIn)
	case "tokens_out":
		v = float64(m.TokensOut)
	case "total_tokens":
		v = float64(m.TotalTokens)
	case "cost_usd":
		v = m.CostUSD
	case "wall_time_s":
		v = m.WallTimeS
	case "steps_completed":
		v = float64(m.StepsCompleted)
	case "functional_pass_rate":
		v = m.FunctionalPassRate
	case "ui_pass_rate":
		v = m.UIPassRate
	case "availability_rate":
		v = m.AvailabilityRate
	case "downtime_incidents":
		v = float64(m.DowntimeIncidents)
	case "tests_score":
		v = m.TestsScore
	case "lint_score":
		v = m.LintScore
	case "code_metrics_score":
		v = m.CodeMetricsScore
	case "quality_composite":
		v = m.QualityComposite
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// IsMetric reports whether name is addressable through Value.
func IsMetric(name string) bool {
	_, ok := (&MetricRecord{}).Value(name)
	return ok
}

// ArchiveMeta is the metadata record stored next to each archive.
type ArchiveMeta struct {
	RunID     string    `json:"run_id"`
	Framework string    `json:"framework"`
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"created_at"`
	MirrorKey string    `json:"mirror_key,omitempty"`
}
