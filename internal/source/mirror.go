package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"exploitwatch/internal/incident"
)

// Mirror reads social accounts through a list of interchangeable RSS
// mirrors. Each account is tried against the mirrors in order until one
// answers.
type Mirror struct {
	http     httpFetcher
	mirrors  []string
	accounts []string
	logger   zerolog.Logger
}

// NewMirror constructs a mirror-backed fetcher.
func NewMirror(name string, mirrors, accounts []string, opts HTTPOptions, logger zerolog.Logger) *Mirror {
	cleaned := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		if m = strings.TrimRight(strings.TrimSpace(m), "/"); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	return &Mirror{
		http:     newHTTPFetcher(name, opts),
		mirrors:  cleaned,
		accounts: accounts,
		logger:   logger.With().Str("component", "mirror_source").Str("source", name).Logger(),
	}
}

func (m *Mirror) Name() string { return m.http.name }

// Fetch collects posts from every account. Accounts whose mirrors all
// failed are reported in the joined error; posts from the rest are still
// returned.
func (m *Mirror) Fetch(ctx context.Context) ([]incident.RawCandidate, error) {
	if len(m.mirrors) == 0 {
		return nil, fmt.Errorf("%w: %s: no mirrors configured", incident.ErrFetchTransport, m.Name())
	}

	var (
		out  []incident.RawCandidate
		errs []error
	)
	for _, account := range m.accounts {
		account = strings.TrimPrefix(strings.TrimSpace(account), "@")
		if account == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, m.http.classify(err))
			break
		}
		items, err := m.fetchAccount(ctx, account)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, feedCandidates(m.Name(), items)...)
	}

	m.logger.Debug().Int("candidates", len(out)).Int("failed_accounts", len(errs)).Msg("fetched mirrors")
	return out, errors.Join(errs...)
}

func (m *Mirror) fetchAccount(ctx context.Context, account string) ([]*gofeed.Item, error) {
	var last error
	for _, base := range m.mirrors {
		items, err := fetchFeed(ctx, m.http, base+"/"+url.PathEscape(account)+"/rss")
		if err == nil {
			return items, nil
		}
		m.logger.Debug().Err(err).Str("mirror", base).Str("account", account).Msg("mirror failed")
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("account %s: %w", account, last)
}
