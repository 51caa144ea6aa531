package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"exploitwatch/internal/alerting"
	"exploitwatch/internal/config"
	"exploitwatch/internal/ingest"
	"exploitwatch/internal/metrics"
	"exploitwatch/internal/scheduler"
	"exploitwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// stores bundles the persistence interfaces a command needs. Without a DSN
// they are backed by one in-memory store.
type stores struct {
	incidents  storage.IncidentStore
	cycles     storage.CycleStore
	locker     storage.AdvisoryLocker
	persistent bool
	close      func()
}

func (a *App) openStore(ctx context.Context) (*stores, error) {
	if a.Config.Database.DSN == "" {
		mem := storage.NewMemoryStore()
		return &stores{incidents: mem, cycles: mem, locker: mem, close: func() {}}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	store := storage.NewStore(pool)
	return &stores{
		incidents:  store,
		cycles:     store,
		locker:     store,
		persistent: true,
		close:      store.Close,
	}, nil
}

func (a *App) openPersistentStore(ctx context.Context, action string) (*stores, error) {
	if a.Config.Database.DSN == "" {
		return nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return a.openStore(ctx)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured")
		return nil
	}
	return alerting.NewDispatcher(notifier, a.Config.Alerting.Cooldown, a.Config.Alerting.Channels, a.Logger)
}

// Run executes the long-running ingestion service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.close()
	if !st.persistent {
		a.Logger.Warn().Msg("database.dsn not configured; incidents are kept in memory only")
	}

	var rec *metrics.Recorder
	if a.Config.Metrics.Enabled {
		rec = metrics.New()
	}

	p, err := a.newPipeline(ctx, st, a.Config.EnabledSources(), rec)
	if err != nil {
		return err
	}
	defer p.close()

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		Mode:         scheduler.Mode(a.Config.Scheduler.Mode),
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	dispatcher := a.newDispatcher()
	tick := func(ctx context.Context, at time.Time) error {
		cycle, err := p.orchestrator.RunCycle(ctx)
		if cycle != nil {
			if _, alertErr := dispatcher.CycleFinished(ctx, cycle.Report); alertErr != nil {
				a.Logger.Error().Err(alertErr).Msg("failed to dispatch alert")
			}
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if rec != nil {
		srv := metrics.NewServer(a.Config.Metrics.Listen, a.Config.Metrics.Path, rec, p.orchestrator.Health, a.Logger)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops endpoint: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.Logger.Info().Int("sources", len(a.Config.EnabledSources())).Msg("starting ingestion service")
		return sched.Run(gctx, tick)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// RunCycle executes a single cycle over the enabled sources.
func (a *App) RunCycle(ctx context.Context) (*ingest.Cycle, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.close()

	p, err := a.newPipeline(ctx, st, a.Config.EnabledSources(), nil)
	if err != nil {
		return nil, err
	}
	defer p.close()

	cycle, err := p.orchestrator.RunCycle(ctx)
	if cycle != nil {
		if _, alertErr := a.newDispatcher().CycleFinished(ctx, cycle.Report); alertErr != nil {
			a.Logger.Error().Err(alertErr).Msg("failed to dispatch alert")
		}
	}
	return cycle, err
}

// SimulateAlert sends a synthetic failed-cycle alert through the configured channels.
func (a *App) SimulateAlert(ctx context.Context) error {
	dispatcher := a.newDispatcher()
	if dispatcher == nil {
		return errors.New("alerting is disabled or has no channel configured")
	}
	now := time.Now().UTC()
	rep := ingest.Report{
		ID:         uuid.New(),
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
		Status:     ingest.CycleFailed,
		Error:      "simulated failure",
	}
	_, err := dispatcher.CycleFinished(ctx, rep)
	return err
}

// ExportOptions hold parameters for exporting stored incidents.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Chain     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Cycles bool
}

// ReplayOptions configure the replay command.
type ReplayOptions struct {
	Path string
}
