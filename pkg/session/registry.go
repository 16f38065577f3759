package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/provider"
)

// DefaultIdleTimeout is how long an unused session is kept
const DefaultIdleTimeout = 30 * time.Minute

// DefaultSweepSchedule runs the idle sweep every minute
const DefaultSweepSchedule = "@every 1m"

// ErrClosed is returned by Get after Close
var ErrClosed = errors.New("session registry closed")

// Config configures a Registry
type Config struct {
	IdleTimeout time.Duration
	// SweepSchedule is a robfig/cron spec. Empty disables scheduled sweeps.
	SweepSchedule string
}

type entry struct {
	p        *provider.Provider
	lastUsed time.Time
	// ready is closed once the first Activate returned
	ready chan struct{}
}

// Registry keeps one Provider per (user, clinic) session
type Registry struct {
	src      provider.Source
	cfg      Config
	opts     []provider.Option
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	cron     *cron.Cron
	mu       sync.Mutex
	sessions map[provider.Session]*entry
	closed   bool
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics reports the number of live sessions and is passed on to every Provider
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source used for idle tracking
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithProviderOptions adds options applied to every Provider the registry creates
func WithProviderOptions(opts ...provider.Option) Option {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// NewRegistry creates a registry resolving from src
func NewRegistry(src provider.Source, cfg Config, opts ...Option) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	r := &Registry{
		src:      src,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[provider.Session]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	r.logger = r.logger.WithField("component", "session")
	return r
}

// Get returns the Provider of s, creating and activating it on first use.
// Concurrent callers for a new session wait for the first resolve. The Provider
// is returned even when err is non-nil; it denies every check in that case.
func (r *Registry) Get(ctx context.Context, s provider.Session) (*provider.Provider, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := r.sessions[s]
	if ok {
		e.lastUsed = r.now()
		r.mu.Unlock()
		return r.await(ctx, e)
	}

	opts := append([]provider.Option{provider.WithLogger(r.logger)}, r.opts...)
	if r.metrics != nil {
		opts = append(opts, provider.WithMetrics(r.metrics))
	}
	e = &entry{
		p:        provider.New(r.src, opts...),
		lastUsed: r.now(),
		ready:    make(chan struct{}),
	}
	r.sessions[s] = e
	n := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetSessions(n)

	err := e.p.Activate(ctx, s)
	if errors.Is(err, provider.ErrSuperseded) && e.p.Snapshot().Status == provider.StatusReady {
		err = nil
	}
	close(e.ready)
	if err != nil {
		r.logger.WithFields(map[string]interface{}{
			"user_id":   s.UserID,
			"clinic_id": s.ClinicID,
		}).WithError(err).Warn("Failed to resolve session permissions")
	}
	return e.p, err
}

func (r *Registry) await(ctx context.Context, e *entry) (*provider.Provider, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return e.p, ctx.Err()
	}
	if st := e.p.Snapshot(); st.Status == provider.StatusFailed {
		// Retry a failed session on its next use
		if err := e.p.Refresh(ctx); err != nil {
			return e.p, fmt.Errorf("failed to refresh session: %w", err)
		}
	}
	return e.p, nil
}

// Lookup returns the Provider of s without creating one
func (r *Registry) Lookup(s provider.Session) (*provider.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s]
	if !ok {
		return nil, false
	}
	return e.p, true
}

// End closes the Provider of s and forgets it
func (r *Registry) End(s provider.Session) bool {
	r.mu.Lock()
	e, ok := r.sessions[s]
	delete(r.sessions, s)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.p.Close()
	r.metrics.SetSessions(n)
	return true
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes every session unused for longer than the idle timeout and returns how many were closed
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*entry
	for s, e := range r.sessions {
		if now.Sub(e.lastUsed) > r.cfg.IdleTimeout {
			expired = append(expired, e)
			delete(r.sessions, s)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	for _, e := range expired {
		e.p.Close()
	}
	r.metrics.SetSessions(n)
	if len(expired) > 0 {
		r.logger.WithFields(map[string]interface{}{
			"closed":    len(expired),
			"remaining": n,
		}).Debug("Swept idle sessions")
	}
	return len(expired)
}

// Start schedules Sweep on the configured cron spec
func (r *Registry) Start() error {
	if r.cfg.SweepSchedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.SweepSchedule, func() {
		defer observability.RecoverPanic(r.logger, "session sweep")
		r.Sweep(r.now())
	}); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.logger.WithField("schedule", r.cfg.SweepSchedule).Info("Session sweep scheduled")
	return nil
}

// Close stops the sweep and closes every session
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	c := r.cron
	sessions := r.sessions
	r.sessions = make(map[provider.Session]*entry)
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, e := range sessions {
		e.p.Close()
	}
	r.metrics.SetSessions(0)
	return nil
}
