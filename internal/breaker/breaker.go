// Package breaker isolates failing sources behind per-source circuit breakers.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exploitwatch/internal/incident"
)

// State is the breaker position.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the cool-down elapses.
	Open
	// HalfOpen admits exactly one trial call at a time.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker. Every value can be overridden per source.
type Config struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
	// WindowFailures opens the breaker after this many failures inside Window.
	WindowFailures int           `mapstructure:"window_failures"`
	Window         time.Duration `mapstructure:"window"`
	// CooldownBase is the first open interval; each failed trial doubles it up to CooldownMax.
	CooldownBase time.Duration `mapstructure:"cooldown_base"`
	CooldownMax  time.Duration `mapstructure:"cooldown_max"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures: 5,
		WindowFailures:      8,
		Window:              5 * time.Minute,
		CooldownBase:        time.Minute,
		CooldownMax:         30 * time.Minute,
	}
}

// Overlay returns c with every non-zero field of over applied.
func (c Config) Overlay(over Config) Config {
	if over.ConsecutiveFailures > 0 {
		c.ConsecutiveFailures = over.ConsecutiveFailures
	}
	if over.WindowFailures > 0 {
		c.WindowFailures = over.WindowFailures
	}
	if over.Window > 0 {
		c.Window = over.Window
	}
	if over.CooldownBase > 0 {
		c.CooldownBase = over.CooldownBase
	}
	if over.CooldownMax > 0 {
		c.CooldownMax = over.CooldownMax
	}
	return c
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if c.WindowFailures <= 0 {
		c.WindowFailures = def.WindowFailures
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = def.CooldownBase
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = c.CooldownBase
	}
	return c
}

// Health is a point-in-time view of one source's breaker.
type Health struct {
	Source              string        `json:"source"`
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	WindowFailures      int           `json:"window_failures"`
	LastTransition      time.Time     `json:"last_transition"`
	LastSuccess         time.Time     `json:"last_success"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Breaker guards calls to a single source.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	consecutive    int
	failures       []time.Time
	lastTransition time.Time
	lastSuccess    time.Time
	openedAt       time.Time
	reopens        int
	probing        bool

	nowFunc  func() time.Time
	onChange func(source string, from, to State)
}

func newBreaker(name string, cfg Config, now func() time.Time, onChange func(string, State, State)) *Breaker {
	return &Breaker{
		name:           name,
		cfg:            cfg.withDefaults(),
		state:          Closed,
		lastTransition: now(),
		nowFunc:        now,
		onChange:       onChange,
	}
}

// Name returns the source the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through b and keeps its value, including partial values returned
// alongside an error. A failed call whose ctx ended while fn ran is not
// counted against the source.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.allow()
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	b.record(ctx, probe, err)
	return val, err
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health returns a snapshot of the breaker.
func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{
		Source:              b.name,
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.consecutive,
		WindowFailures:      len(b.pruneLocked(b.nowFunc())),
		LastTransition:      b.lastTransition,
		LastSuccess:         b.lastSuccess,
		Cooldown:            b.cooldownLocked(),
	}
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.nowFunc().Sub(b.openedAt) < b.cooldownLocked() {
			return false, b.unavailable()
		}
		b.transitionLocked(HalfOpen)
		b.probing = true
		return true, nil
	case HalfOpen:
		if b.probing {
			return false, b.unavailable()
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(ctx context.Context, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	now := b.nowFunc()
	if err != nil && ctx.Err() != nil {
		return
	}

	if err == nil {
		b.consecutive = 0
		b.failures = nil
		b.lastSuccess = now
		// only the trial call decides a half-open breaker
		if b.state == HalfOpen && probe {
			b.reopens = 0
			b.transitionLocked(Closed)
		}
		return
	}

	b.consecutive++
	b.failures = append(b.pruneLocked(now), now)

	switch b.state {
	case HalfOpen:
		if probe {
			b.reopens++
			b.openLocked(now)
		}
	case Closed:
		if b.consecutive >= b.cfg.ConsecutiveFailures || len(b.failures) >= b.cfg.WindowFailures {
			b.openLocked(now)
		}
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.transitionLocked(Open)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = b.nowFunc()
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
	return kept
}

func (b *Breaker) cooldownLocked() time.Duration {
	d := b.cfg.CooldownBase
	for i := 0; i < b.reopens; i++ {
		d *= 2
		if d >= b.cfg.CooldownMax {
			return b.cfg.CooldownMax
		}
	}
	return d
}

func (b *Breaker) unavailable() error {
	return fmt.Errorf("%w: %s breaker %s", incident.ErrSourceUnavailable, b.name, b.state)
}
