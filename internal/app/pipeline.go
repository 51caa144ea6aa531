package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"exploitwatch/internal/breaker"
	"exploitwatch/internal/canon"
	"exploitwatch/internal/config"
	"exploitwatch/internal/dedup"
	"exploitwatch/internal/ingest"
	"exploitwatch/internal/metrics"
	"exploitwatch/internal/publish"
	"exploitwatch/internal/source"
)

type pipeline struct {
	orchestrator *ingest.Orchestrator
	close        func()
}

// newPipeline wires sources, breakers, canonicalizer, deduplicator and sinks
// into an orchestrator over st.
func (a *App) newPipeline(ctx context.Context, st *stores, sources []config.SourceConfig, rec *metrics.Recorder) (*pipeline, error) {
	cfg := a.Config
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	breakers := breaker.NewRegistry(cfg.BreakerDefaults, breaker.WithStateChange(rec.BreakerState))
	client := &http.Client{Transport: http.DefaultTransport}

	entries := make([]ingest.Entry, 0, len(sources))
	for _, sc := range sources {
		src, err := source.Build(sc, client, a.Logger)
		if err != nil {
			return nil, err
		}
		breakers.Configure(sc.Name, sc.BreakerConfig(cfg.BreakerDefaults))
		entries = append(entries, ingest.Entry{Source: src, Tier: sc.Tier, Timeout: sc.Timeout})
	}

	cache, err := dedup.NewSeenCache(dedup.CacheConfig{
		Size:              cfg.Pipeline.SeenCacheSize,
		BloomCapacity:     cfg.Pipeline.BloomCapacity,
		BloomFalsePosRate: cfg.Pipeline.BloomFPRate,
	})
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}

	sinks := []ingest.Sink{publish.NewLog(a.Logger)}
	if cfg.Redis.Enabled {
		rdb, err := publish.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		sinks = append(sinks, publish.NewRedisStream(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen, a.Logger))
	}

	deps := ingest.Deps{
		Breakers: breakers,
		Canon:    canon.New(canon.Options{FutureTolerance: cfg.Pipeline.FutureTolerance, Now: time.Now}),
		Dedup:    dedup.NewDeduplicator(st.incidents, cache, dedup.MergePolicy{RevisionRates: cfg.RevisionRates()}),
		Store:    st.incidents,
		Cycles:   st.cycles,
		Sinks:    sinks,
		Metrics:  rec,
	}
	if st.persistent {
		deps.Locker = st.locker
	}

	orch := ingest.New(entries, deps, ingest.Options{
		Workers:       cfg.Pipeline.WorkerPoolWidth,
		FetchTimeout:  cfg.Pipeline.FetchTimeout,
		CycleDeadline: cfg.Pipeline.CycleDeadline,
		StoreTimeout:  cfg.Pipeline.StoreTimeout,
		CancelGrace:   cfg.Pipeline.CancelGrace,
		LockKey:       cfg.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	return &pipeline{orchestrator: orch, close: closeAll}, nil
}
