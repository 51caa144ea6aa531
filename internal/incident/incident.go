// Package incident holds the canonical exploit record, the source-shaped raw
// candidates it is derived from, and the error taxonomy shared by the pipeline.
package incident

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Incident is the canonical, source-independent representation of one exploit.
type Incident struct {
	ContentHash   string
	Chain         string
	UnmappedChain bool
	Protocol      string
	TxHash        string
	AmountUSD     decimal.NullDecimal
	OccurredAt    time.Time
	Category      string
	Description   string
	SourceName    string
	SourceRef     string
	FirstSeenAt   time.Time
	FieldSources  FieldSources
	Sources       []string
}

// FieldSources records which source supplied each mergeable field.
type FieldSources struct {
	Amount     string
	Category   string
	OccurredAt string
}

// HasSource reports whether name already contributed to the record.
func (i Incident) HasSource(name string) bool {
	return i.SourceName == name || slices.Contains(i.Sources, name)
}

// Fingerprint summarises the mergeable fields so two views of the same hash can
// be compared without a field-by-field walk.
func (i Incident) Fingerprint() string {
	amount := "null"
	if i.AmountUSD.Valid {
		amount = i.AmountUSD.Decimal.String()
	}
	return fmt.Sprintf("%s|%s|%s", amount, i.Category, i.OccurredAt.UTC().Format(time.RFC3339))
}

// ProvenanceAction classifies a provenance entry.
type ProvenanceAction string

const (
	ActionCreated   ProvenanceAction = "created"
	ActionConfirmed ProvenanceAction = "confirmed"
	ActionMerged    ProvenanceAction = "merged"
)

// Provenance records one source's contribution to a stored incident.
type Provenance struct {
	SourceName string
	SourceRef  string
	Action     ProvenanceAction
	Changed    []string
	ObservedAt time.Time
}

// MergeFields carries the field values a merge should write. Unset members
// leave the stored value untouched; there is no way to express "set to null".
type MergeFields struct {
	AmountUSD        decimal.NullDecimal
	AmountSource     string
	Category         string
	CategorySource   string
	OccurredAt       time.Time
	OccurredAtSource string
}

// Empty reports whether the merge writes nothing.
func (m MergeFields) Empty() bool {
	return !m.AmountUSD.Valid && m.Category == "" && m.OccurredAt.IsZero()
}

// Changed lists the field names the merge writes.
func (m MergeFields) Changed() []string {
	var fields []string
	if m.AmountUSD.Valid {
		fields = append(fields, "amount_usd")
	}
	if m.Category != "" {
		fields = append(fields, "category")
	}
	if !m.OccurredAt.IsZero() {
		fields = append(fields, "occurred_at")
	}
	return fields
}

// Apply returns a copy of inc with the merge written onto it.
func (m MergeFields) Apply(inc Incident) Incident {
	if m.AmountUSD.Valid {
		inc.AmountUSD = m.AmountUSD
		inc.FieldSources.Amount = m.AmountSource
	}
	if m.Category != "" {
		inc.Category = m.Category
		inc.FieldSources.Category = m.CategorySource
	}
	if !m.OccurredAt.IsZero() {
		inc.OccurredAt = m.OccurredAt
		inc.FieldSources.OccurredAt = m.OccurredAtSource
	}
	return inc
}
