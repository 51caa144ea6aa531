package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"exploitwatch/internal/incident"
)

const alertsQuery = `query GetAlerts($first: Int!, $createdSince: Int!, $after: String) {
  alerts(first: $first, after: $after, input: {severities: [CRITICAL, HIGH], createdSince: $createdSince}) {
    pageInfo { hasNextPage endCursor { alertId blockNumber } }
    alerts {
      hash
      name
      description
      severity
      metadata
      source { transactionHash block { timestamp chainId } }
    }
  }
}`

// GraphQLOptions configure the alert-network fetcher.
type GraphQLOptions struct {
	Name     string
	URL      string
	APIKey   string
	Lookback time.Duration
	MaxPages int
	PageSize int
	HTTP     HTTPOptions
}

// GraphQL pages through high-severity alerts from a Forta-style API.
type GraphQL struct {
	http   httpFetcher
	opts   GraphQLOptions
	logger zerolog.Logger
}

// NewGraphQL constructs an alert fetcher.
func NewGraphQL(opts GraphQLOptions, logger zerolog.Logger) *GraphQL {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &GraphQL{
		http:   newHTTPFetcher(opts.Name, opts.HTTP),
		opts:   opts,
		logger: logger.With().Str("component", "graphql_source").Str("source", opts.Name).Logger(),
	}
}

func (g *GraphQL) Name() string { return g.http.name }

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type alertsPage struct {
	Alerts struct {
		PageInfo struct {
			HasNextPage bool `json:"hasNextPage"`
			EndCursor   *struct {
				AlertID     string          `json:"alertId"`
				BlockNumber json.RawMessage `json:"blockNumber"`
			} `json:"endCursor"`
		} `json:"pageInfo"`
		Alerts []alert `json:"alerts"`
	} `json:"alerts"`
}

type alert struct {
	Hash        string         `json:"hash"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Metadata    map[string]any `json:"metadata"`
	Source      struct {
		TransactionHash string `json:"transactionHash"`
		Block           struct {
			Timestamp json.RawMessage `json:"timestamp"`
			ChainID   json.RawMessage `json:"chainId"`
		} `json:"block"`
	} `json:"source"`
}

// Fetch pages through alerts. Results from pages fetched before a failure
// are returned with the error.
func (g *GraphQL) Fetch(ctx context.Context) ([]incident.RawCandidate, error) {
	var (
		out    []incident.RawCandidate
		cursor string
	)
	for page := 0; page < g.opts.MaxPages; page++ {
		vars := map[string]any{
			"first":        g.opts.PageSize,
			"createdSince": g.opts.Lookback.Milliseconds(),
		}
		if cursor != "" {
			vars["after"] = cursor
		}

		data, err := g.query(ctx, vars)
		var result alertsPage
		if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
			if decodeErr := json.Unmarshal(data, &result); decodeErr != nil {
				return out, errors.Join(err, g.http.malformed("alerts page", decodeErr))
			}
		}
		for _, a := range result.Alerts.Alerts {
			out = append(out, g.candidate(a))
		}
		if err != nil {
			return out, err
		}

		info := result.Alerts.PageInfo
		if !info.HasNextPage || info.EndCursor == nil {
			break
		}
		cursor = fmt.Sprintf("%s-%s", info.EndCursor.AlertID, strings.Trim(string(info.EndCursor.BlockNumber), `"`))
	}
	g.logger.Debug().Int("candidates", len(out)).Msg("fetched alerts")
	return out, nil
}

// query returns the data member even when the response also carries errors.
func (g *GraphQL) query(ctx context.Context, vars map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: alertsQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal graphql request: %w", g.Name(), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", g.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.opts.APIKey)
	}

	payload, err := g.http.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp graphqlResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, g.http.malformed("graphql envelope", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return resp.Data, fmt.Errorf("%w: %s graphql: %s", incident.ErrFetchTransport, g.Name(), strings.Join(msgs, "; "))
	}
	return resp.Data, nil
}

var (
	protocolKeys = []string{"protocol", "project", "contractName"}
	amountKeys   = []string{"amountUSD", "valueUSD", "loss", "amount", "value"}
)

func (g *GraphQL) candidate(a alert) incident.RawCandidate {
	ref := g.opts.URL
	if a.Hash != "" {
		ref = "https://explorer.forta.network/alert/" + a.Hash
	}

	protocol := metadataString(a.Metadata, protocolKeys...)
	amount := incident.RawAmount{}
	if v, ok := metadataValue(a.Metadata, amountKeys...); ok {
		if raw, err := json.Marshal(v); err == nil {
			amount = flexAmount(raw)
		}
	}

	chainID := strings.Trim(string(a.Source.Block.ChainID), `" `)
	if chainID == "null" {
		chainID = ""
	}

	return incident.RawCandidate{
		Source: g.Name(),
		Ref:    ref,
		Payload: &incident.StructuredPayload{
			ChainID:     chainID,
			TxHash:      a.Source.TransactionHash,
			Protocol:    protocol,
			Amount:      amount,
			Time:        flexTime(a.Source.Block.Timestamp),
			Category:    a.Name,
			Description: a.Description,
		},
	}
}

func metadataValue(meta map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := meta[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func metadataString(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := meta[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
