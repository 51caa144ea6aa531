// Package canon turns source-shaped candidates into canonical incidents.
// Everything here is pure apart from the injected clock.
package canon

import (
	"strings"
	"time"
	"unicode/utf8"

	"exploitwatch/internal/incident"
)

// Options tunes the canonicalizer.
type Options struct {
	// FutureTolerance allows timestamps slightly ahead of the local clock.
	FutureTolerance time.Duration
	Now             func() time.Time
}

// Canonicalizer validates and normalizes raw candidates.
type Canonicalizer struct {
	futureTolerance time.Duration
	nowFunc         func() time.Time
}

// New builds a Canonicalizer.
func New(opts Options) *Canonicalizer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tolerance := opts.FutureTolerance
	if tolerance < 0 {
		tolerance = 0
	}
	return &Canonicalizer{futureTolerance: tolerance, nowFunc: now}
}

// Canonicalize converts raw into an Incident or returns a
// *incident.RejectionError naming the reason.
func (c *Canonicalizer) Canonicalize(raw incident.RawCandidate) (incident.Incident, error) {
	var (
		inc incident.Incident
		err error
	)
	switch p := raw.Payload.(type) {
	case *incident.StructuredPayload:
		if p == nil {
			return incident.Incident{}, incident.Reject(incident.ReasonUnsupportedPayload, "nil structured payload")
		}
		inc, err = c.fromStructured(p)
	case *incident.TextPayload:
		if p == nil {
			return incident.Incident{}, incident.Reject(incident.ReasonUnsupportedPayload, "nil text payload")
		}
		inc, err = c.fromText(p)
	default:
		return incident.Incident{}, incident.Reject(incident.ReasonUnsupportedPayload, "payload %T", raw.Payload)
	}
	if err != nil {
		return incident.Incident{}, err
	}

	now := c.nowFunc().UTC()
	if inc.OccurredAt.After(now.Add(c.futureTolerance)) {
		return incident.Incident{}, incident.Reject(incident.ReasonFutureTimestamp,
			"occurred_at %s is after %s", inc.OccurredAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	inc.SourceName = raw.Source
	inc.SourceRef = raw.Ref
	inc.FirstSeenAt = now
	inc.Sources = []string{raw.Source}
	inc.FieldSources = incident.FieldSources{OccurredAt: raw.Source}
	if inc.AmountUSD.Valid {
		inc.FieldSources.Amount = raw.Source
	}
	if inc.Category != "" {
		inc.FieldSources.Category = raw.Source
	}
	inc.ContentHash = ContentHash(inc)
	return inc, nil
}

func (c *Canonicalizer) fromStructured(p *incident.StructuredPayload) (incident.Incident, error) {
	chain, mapped := NormalizeChain(p.Chain)
	if chain == "" {
		chain, mapped = ChainFromID(p.ChainID)
	}
	if chain == "" {
		return incident.Incident{}, incident.Reject(incident.ReasonMissingChain, "")
	}

	occurred, err := ParseTime(p.Time)
	if err != nil {
		return incident.Incident{}, err
	}

	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return incident.Incident{}, err
	}

	tx := NormalizeTx(chain, p.TxHash)
	protocol := NormalizeProtocol(p.Protocol)
	if protocol == "" && tx == "" {
		return incident.Incident{}, incident.Reject(incident.ReasonMissingProtocol, "no protocol or transaction id")
	}

	category := NormalizeCategory(p.Category)
	if category == "" {
		category = Classify(p.Description)
	}

	return incident.Incident{
		Chain:         chain,
		UnmappedChain: !mapped,
		Protocol:      protocol,
		TxHash:        tx,
		AmountUSD:     amount,
		OccurredAt:    occurred,
		Category:      category,
		Description:   strings.ToValidUTF8(strings.TrimSpace(p.Description), ""),
	}, nil
}

func (c *Canonicalizer) fromText(p *incident.TextPayload) (incident.Incident, error) {
	text := p.Title + "\n" + p.Body
	tags := strings.Join(p.Tags, " ")

	chain := chainFromText(text)
	if chain == "" {
		chain = chainFromText(tags)
	}
	if chain == "" {
		return incident.Incident{}, incident.Reject(incident.ReasonMissingChain, "no chain named in %q", truncate(p.Title, 80))
	}

	if p.Published.IsZero() {
		return incident.Incident{}, incident.Reject(incident.ReasonMissingTimestamp, "")
	}

	tx := NormalizeTx(chain, txFromText(text))
	protocol := protocolFromTitle(p.Title)
	if protocol == "" && tx == "" {
		return incident.Incident{}, incident.Reject(incident.ReasonMissingProtocol, "title %q", truncate(p.Title, 80))
	}

	category := Classify(text)
	if category == "" {
		category = Classify(tags)
	}

	return incident.Incident{
		Chain:       chain,
		Protocol:    protocol,
		TxHash:      tx,
		AmountUSD:   amountFromText(text),
		OccurredAt:  p.Published.UTC(),
		Category:    category,
		Description: truncate(strings.TrimSpace(p.Body), 1000),
	}, nil
}

// truncate cuts s to at most n bytes without splitting a rune. Invalid
// sequences in the input are dropped.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	cut := 0
	for cut < len(s) {
		_, size := utf8.DecodeRuneInString(s[cut:])
		if cut+size > n {
			break
		}
		cut += size
	}
	return s[:cut]
}
