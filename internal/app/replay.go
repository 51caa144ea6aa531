package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"exploitwatch/internal/config"
	"exploitwatch/internal/ingest"
)

const replaySourceName = "replay"

// Replay runs one cycle whose only source is a static file of captured
// candidates. Records that name their own source keep that attribution.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (*ingest.Cycle, error) {
	if opts.Path == "" {
		return nil, errors.New("--file is required")
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("replay file: %w", err)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.close()
	if !st.persistent {
		a.Logger.Warn().Msg("database.dsn not configured; replay results are not persisted")
	}

	src := config.SourceConfig{Name: replaySourceName, Kind: config.KindStatic, Path: opts.Path}
	p, err := a.newPipeline(ctx, st, []config.SourceConfig{src}, nil)
	if err != nil {
		return nil, err
	}
	defer p.close()

	cycle, err := p.orchestrator.RunCycle(ctx)
	if cycle != nil {
		a.Logger.Info().
			Str("file", opts.Path).
			Int("accepted", cycle.AcceptedCount()).
			Int("duplicates", cycle.Report.Summary.Duplicates).
			Int("rejected", cycle.Report.Summary.Rejected).
			Msg("replay finished")
	}
	return cycle, err
}
