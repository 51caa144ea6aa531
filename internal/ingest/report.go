package ingest

import (
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"exploitwatch/internal/incident"
)

// SourceStatus is the outcome of one source within a cycle. Breaker skips,
// attempted failures and successes stay distinguishable.
type SourceStatus string

const (
	StatusSucceeded          SourceStatus = "succeeded"
	StatusFailed             SourceStatus = "failed"
	StatusTimeout            SourceStatus = "timeout"
	StatusSkippedBreakerOpen SourceStatus = "skipped_breaker_open"
	StatusCancelled          SourceStatus = "cancelled"
	StatusNotAttempted       SourceStatus = "not_attempted"
)

// CycleStatus is the outcome of a whole cycle.
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
	CycleSkipped   CycleStatus = "skipped"
)

// SourceReport is the per-source section of a cycle report.
type SourceReport struct {
	Source             string                        `json:"source"`
	Tier               int                           `json:"tier"`
	Status             SourceStatus                  `json:"status"`
	Attempted          bool                          `json:"attempted"`
	Succeeded          bool                          `json:"succeeded"`
	CandidatesReturned int                           `json:"candidates_returned"`
	AcceptedNew        int                           `json:"accepted_new"`
	Duplicates         int                           `json:"duplicates"`
	Merged             int                           `json:"merged"`
	Rejected           int                           `json:"rejected"`
	RejectReasons      map[incident.RejectReason]int `json:"reject_reasons,omitempty"`
	ProcessingErrors   int                           `json:"processing_errors,omitempty"`
	BreakerState       string                        `json:"breaker_state"`
	Error              string                        `json:"error,omitempty"`
	DurationMS         int64                         `json:"duration_ms"`
}

// Summary counts sources per outcome class.
type Summary struct {
	Succeeded          int `json:"succeeded"`
	Failed             int `json:"failed"`
	SkippedBreakerOpen int `json:"skipped_breaker_open"`
	NotAttempted       int `json:"not_attempted"`
	AcceptedNew        int `json:"accepted_new"`
	Duplicates         int `json:"duplicates"`
	Merged             int `json:"merged"`
	Rejected           int `json:"rejected"`
}

// Report is the structured outcome of one cycle.
type Report struct {
	ID         uuid.UUID      `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Status     CycleStatus    `json:"status"`
	Error      string         `json:"error,omitempty"`
	Summary    Summary        `json:"summary"`
	Sources    []SourceReport `json:"sources"`
}

// Source returns the section for name.
func (r *Report) Source(name string) (SourceReport, bool) {
	for _, s := range r.Sources {
		if s.Source == name {
			return s, true
		}
	}
	return SourceReport{}, false
}

// Count returns how many sources ended with status.
func (r *Report) Count(status SourceStatus) int {
	n := 0
	for _, s := range r.Sources {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (r *Report) summarize() {
	var sum Summary
	for _, s := range r.Sources {
		switch s.Status {
		case StatusSucceeded:
			sum.Succeeded++
		case StatusFailed, StatusTimeout, StatusCancelled:
			sum.Failed++
		case StatusSkippedBreakerOpen:
			sum.SkippedBreakerOpen++
		case StatusNotAttempted:
			sum.NotAttempted++
		}
		sum.AcceptedNew += s.AcceptedNew
		sum.Duplicates += s.Duplicates
		sum.Merged += s.Merged
		sum.Rejected += s.Rejected
	}
	r.Summary = sum
}

// completed counts sources whose fetch returned before the cycle ended.
func (r *Report) completed() int {
	return r.Count(StatusSucceeded) + r.Count(StatusFailed) + r.Count(StatusTimeout)
}

// Cycle is the result of RunCycle: the report and the newly accepted records.
type Cycle struct {
	Report   Report
	accepted []incident.Incident
}

// Accepted yields the records first stored during the cycle, in the order
// they were accepted.
func (c *Cycle) Accepted() iter.Seq[incident.Incident] {
	return slices.Values(c.accepted)
}

// AcceptedCount returns the number of newly stored records.
func (c *Cycle) AcceptedCount() int { return len(c.accepted) }
