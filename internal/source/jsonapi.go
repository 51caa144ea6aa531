package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"exploitwatch/internal/incident"
)

// JSONAPI reads a hacks listing shaped like the DeFiLlama /hacks endpoint.
type JSONAPI struct {
	http   httpFetcher
	url    string
	logger zerolog.Logger
}

// NewJSONAPI constructs a JSON list fetcher.
func NewJSONAPI(name, url string, opts HTTPOptions, logger zerolog.Logger) *JSONAPI {
	return &JSONAPI{
		http:   newHTTPFetcher(name, opts),
		url:    url,
		logger: logger.With().Str("component", "jsonapi_source").Str("source", name).Logger(),
	}
}

func (j *JSONAPI) Name() string { return j.http.name }

type hackRecord struct {
	Name           string          `json:"name"`
	Date           json.RawMessage `json:"date"`
	Amount         json.RawMessage `json:"amount"`
	Chain          json.RawMessage `json:"chain"`
	Classification string          `json:"classification"`
	Technique      string          `json:"technique"`
	Source         string          `json:"source"`
	TxHash         string          `json:"txHash"`
	TxHashSnake    string          `json:"tx_hash"`
	Description    string          `json:"description"`
	ID             json.RawMessage `json:"defillamaId"`
}

// Fetch downloads the listing and maps every entry to a structured candidate.
func (j *JSONAPI) Fetch(ctx context.Context) ([]incident.RawCandidate, error) {
	payload, err := j.http.get(ctx, j.url, "application/json")
	if err != nil {
		return nil, err
	}

	var records []hackRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, j.http.malformed("hack list", err)
	}

	out := make([]incident.RawCandidate, 0, len(records))
	for i, rec := range records {
		out = append(out, incident.RawCandidate{
			Source:  j.Name(),
			Ref:     j.ref(i, rec),
			Payload: rec.payload(),
		})
	}
	j.logger.Debug().Int("candidates", len(out)).Msg("fetched hack list")
	return out, nil
}

func (j *JSONAPI) ref(i int, rec hackRecord) string {
	if rec.Source != "" {
		return rec.Source
	}
	if id := strings.Trim(string(rec.ID), `" `); id != "" && id != "null" {
		return fmt.Sprintf("%s#%s", j.url, id)
	}
	return fmt.Sprintf("%s#%d", j.url, i)
}

func (rec hackRecord) payload() *incident.StructuredPayload {
	chain := ""
	switch chains := flexStrings(rec.Chain); len(chains) {
	case 0:
	case 1:
		chain = chains[0]
	default:
		chain = "multi-chain"
	}

	category := rec.Technique
	if category == "" {
		category = rec.Classification
	}

	tx := rec.TxHash
	if tx == "" {
		tx = rec.TxHashSnake
	}

	return &incident.StructuredPayload{
		Chain:       chain,
		TxHash:      tx,
		Protocol:    rec.Name,
		Amount:      flexAmount(rec.Amount),
		Time:        flexTime(rec.Date),
		Category:    category,
		Description: rec.Description,
	}
}
