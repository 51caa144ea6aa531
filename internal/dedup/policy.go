package dedup

import (
	"exploitwatch/internal/incident"
)

// MergePolicy decides how a second report of a stored incident changes it.
// Sources with a lower historical revision rate are trusted first. When
// rates cannot separate two sources the larger amount and the earlier
// occurrence win, and an existing category is kept. A value is never
// replaced by null.
type MergePolicy struct {
	// RevisionRates is the share of a source's reports later corrected.
	RevisionRates map[string]float64
}

// Merge returns the fields incoming would change on existing. An empty
// result means the two agree.
func (p MergePolicy) Merge(existing, incoming incident.Incident) incident.MergeFields {
	var out incident.MergeFields
	src := incoming.SourceName

	if incoming.AmountUSD.Valid {
		switch {
		case !existing.AmountUSD.Valid:
			out.AmountUSD, out.AmountSource = incoming.AmountUSD, src
		case existing.AmountUSD.Decimal.Equal(incoming.AmountUSD.Decimal):
		default:
			switch p.compare(src, existing.FieldSources.Amount) {
			case incomingWins:
				out.AmountUSD, out.AmountSource = incoming.AmountUSD, src
			case tie:
				if incoming.AmountUSD.Decimal.GreaterThan(existing.AmountUSD.Decimal) {
					out.AmountUSD, out.AmountSource = incoming.AmountUSD, src
				}
			}
		}
	}

	if incoming.Category != "" && incoming.Category != existing.Category {
		if existing.Category == "" || p.compare(src, existing.FieldSources.Category) == incomingWins {
			out.Category, out.CategorySource = incoming.Category, src
		}
	}

	if !incoming.OccurredAt.IsZero() && !incoming.OccurredAt.Equal(existing.OccurredAt) {
		switch p.compare(src, existing.FieldSources.OccurredAt) {
		case incomingWins:
			out.OccurredAt, out.OccurredAtSource = incoming.OccurredAt, src
		case tie:
			if existing.OccurredAt.IsZero() || incoming.OccurredAt.Before(existing.OccurredAt) {
				out.OccurredAt, out.OccurredAtSource = incoming.OccurredAt, src
			}
		}
	}

	return out
}

type verdict int

const (
	tie verdict = iota
	incomingWins
	existingWins
)

// compare ranks two sources by revision rate. Unknown rates and the same
// source never separate.
func (p MergePolicy) compare(incoming, existing string) verdict {
	if incoming == existing {
		return tie
	}
	in, okIn := p.RevisionRates[incoming]
	ex, okEx := p.RevisionRates[existing]
	if !okIn || !okEx || in == ex {
		return tie
	}
	if in < ex {
		return incomingWins
	}
	return existingWins
}
