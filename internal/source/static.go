package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"exploitwatch/internal/incident"
)

// Static replays candidates from a JSON file. It backs fixtures and offline
// replays of previously captured reports.
type Static struct {
	name string
	path string
}

// NewStatic constructs a file-backed source.
func NewStatic(name, path string) *Static {
	return &Static{name: name, path: path}
}

func (s *Static) Name() string { return s.name }

// StaticRecord is one entry of a static source file. Records with a title
// or body and no chain are treated as text payloads.
type StaticRecord struct {
	Source      string          `json:"source,omitempty"`
	Ref         string          `json:"ref,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Chain       string          `json:"chain,omitempty"`
	ChainID     json.RawMessage `json:"chain_id,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Protocol    string          `json:"protocol,omitempty"`
	Amount      json.RawMessage `json:"amount,omitempty"`
	Time        json.RawMessage `json:"time,omitempty"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	Title       string          `json:"title,omitempty"`
	Body        string          `json:"body,omitempty"`
	Published   *time.Time      `json:"published,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// Fetch reads the file on every call.
func (s *Static) Fetch(ctx context.Context) ([]incident.RawCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", incident.ErrFetchTimeout, s.name, err)
	}
	payload, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read %s: %w", incident.ErrFetchTransport, s.name, s.path, err)
	}
	records, err := DecodeStatic(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", incident.ErrFetchTransport, s.name, err)
	}
	out := make([]incident.RawCandidate, 0, len(records))
	for _, r := range records {
		out = append(out, r.Candidate(s.name))
	}
	return out, nil
}

// DecodeStatic parses a list of records.
func DecodeStatic(payload []byte) ([]StaticRecord, error) {
	var records []StaticRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decode static records: %w", err)
	}
	return records, nil
}

// Candidate converts r, attributing it to fallback when r names no source.
func (r StaticRecord) Candidate(fallback string) incident.RawCandidate {
	name := r.Source
	if name == "" {
		name = fallback
	}
	c := incident.RawCandidate{Source: name, Ref: r.Ref}

	kind := strings.ToLower(r.Kind)
	if kind == "" && r.Chain == "" && len(r.ChainID) == 0 && (r.Title != "" || r.Body != "") {
		kind = string(incident.KindText)
	}
	if kind == string(incident.KindText) {
		p := &incident.TextPayload{Title: r.Title, Body: r.Body, Tags: r.Tags}
		if r.Published != nil {
			p.Published = r.Published.UTC()
		}
		c.Payload = p
		return c
	}

	c.Payload = &incident.StructuredPayload{
		Chain:       r.Chain,
		ChainID:     strings.Trim(string(r.ChainID), `" `),
		TxHash:      r.TxHash,
		Protocol:    r.Protocol,
		Amount:      flexAmount(r.Amount),
		Time:        flexTime(r.Time),
		Category:    r.Category,
		Description: r.Description,
	}
	return c
}
