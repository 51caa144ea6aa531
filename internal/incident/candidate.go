package incident

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawCandidate is one unvalidated report returned by a source, plus the
// source's own reference for provenance.
type RawCandidate struct {
	Source  string
	Ref     string
	Payload Payload
}

// PayloadKind names the concrete payload shape.
type PayloadKind string

const (
	KindStructured PayloadKind = "structured"
	KindText       PayloadKind = "text"
)

// Payload is implemented only by the payload types in this package so the
// canonicalizer can switch over them exhaustively.
type Payload interface {
	Kind() PayloadKind
	sealed()
}

// StructuredPayload comes from APIs that expose discrete fields.
type StructuredPayload struct {
	Chain       string
	ChainID     string
	TxHash      string
	Protocol    string
	Amount      RawAmount
	Time        RawTime
	Category    string
	Description string
}

func (*StructuredPayload) Kind() PayloadKind { return KindStructured }
func (*StructuredPayload) sealed()           {}

// TextPayload comes from feeds and social posts where the fields have to be
// extracted from prose.
type TextPayload struct {
	Title     string
	Body      string
	Published time.Time
	Tags      []string
}

func (*TextPayload) Kind() PayloadKind { return KindText }
func (*TextPayload) sealed()           {}

// RawAmount is either a textual figure ("$5.2M") or a number.
type RawAmount struct {
	Text   string
	Number *decimal.Decimal
}

// AmountText wraps a textual amount.
func AmountText(s string) RawAmount { return RawAmount{Text: s} }

// AmountNumber wraps a numeric amount.
func AmountNumber(f float64) RawAmount {
	d := decimal.NewFromFloat(f)
	return RawAmount{Number: &d}
}

// AmountDecimal wraps an exact amount.
func AmountDecimal(d decimal.Decimal) RawAmount { return RawAmount{Number: &d} }

// IsZero reports whether no amount was supplied.
func (a RawAmount) IsZero() bool { return a.Number == nil && a.Text == "" }

// RawTime is a timestamp in whatever form the source provides.
type RawTime struct {
	Text string
	Unix int64
	At   time.Time
}

// TimeText wraps a textual timestamp.
func TimeText(s string) RawTime { return RawTime{Text: s} }

// TimeUnix wraps unix seconds.
func TimeUnix(sec int64) RawTime { return RawTime{Unix: sec} }

// TimeAt wraps an already parsed time.
func TimeAt(t time.Time) RawTime { return RawTime{At: t} }

// IsZero reports whether no timestamp was supplied.
func (t RawTime) IsZero() bool { return t.Text == "" && t.Unix == 0 && t.At.IsZero() }
