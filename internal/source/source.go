// Package source defines the fetcher contract and the concrete fetchers
// for exploit report feeds.
package source

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"exploitwatch/internal/config"
	"exploitwatch/internal/incident"
)

// Source fetches raw candidates from one external system. Implementations
// make a single attempt, honour ctx, and return whatever they collected
// alongside any error.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]incident.RawCandidate, error)
}

// Func adapts a function to Source.
type Func struct {
	name string
	fn   func(ctx context.Context) ([]incident.RawCandidate, error)
}

// NewFunc wraps fn as a named Source.
func NewFunc(name string, fn func(ctx context.Context) ([]incident.RawCandidate, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Fetch(ctx context.Context) ([]incident.RawCandidate, error) {
	return f.fn(ctx)
}

// Build constructs the fetcher described by cfg. A nil client uses a
// default one; per-call deadlines come from ctx.
func Build(cfg config.SourceConfig, client *http.Client, logger zerolog.Logger) (Source, error) {
	opts := HTTPOptions{
		Client:        client,
		UserAgent:     cfg.UserAgent,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}
	switch cfg.Kind {
	case config.KindJSONAPI:
		return NewJSONAPI(cfg.Name, cfg.URL, opts, logger), nil
	case config.KindFeed:
		return NewFeed(cfg.Name, cfg.URL, opts, logger), nil
	case config.KindGraphQL:
		return NewGraphQL(GraphQLOptions{
			Name:     cfg.Name,
			URL:      cfg.URL,
			APIKey:   cfg.APIKey,
			Lookback: cfg.Lookback,
			MaxPages: cfg.MaxPages,
			PageSize: cfg.PageSize,
			HTTP:     opts,
		}, logger), nil
	case config.KindMirror:
		return NewMirror(cfg.Name, cfg.Mirrors, cfg.Accounts, opts, logger), nil
	case config.KindStatic:
		return NewStatic(cfg.Name, cfg.Path), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

var (
	_ Source = (*Func)(nil)
	_ Source = (*JSONAPI)(nil)
	_ Source = (*Feed)(nil)
	_ Source = (*GraphQL)(nil)
	_ Source = (*Mirror)(nil)
	_ Source = (*Static)(nil)
)
