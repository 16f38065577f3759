package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

var (
	// ErrNoSession is returned by Refresh before Activate or after Logout
	ErrNoSession = errors.New("no active session")

	// ErrSuperseded is returned when a newer Activate, Refresh or Logout
	// started while a resolve was in flight. The result was discarded.
	ErrSuperseded = errors.New("resolve superseded")
)

// Session identifies the user and the active clinic
type Session struct {
	UserID   int64 `json:"user_id"`
	ClinicID int64 `json:"clinic_id"`
}

// Source is the read side the Provider resolves from. *fetch.Cache implements it.
type Source interface {
	Access(ctx context.Context, clinicID, userID int64) (*rbac.Access, error)
	Template(ctx context.Context, clinicID int64, role permissions.Role) (*rbac.RoleTemplate, error)
	Subscribe(fn fetch.Listener) (unsubscribe func())
}

var _ Source = (*fetch.Cache)(nil)

// Status is the lifecycle stage of the resolved set
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// State is an immutable snapshot of the Provider
type State struct {
	Session    Session
	Status     Status
	Resolved   permissions.ResolvedSet
	Err        error
	Generation uint64
	ResolvedAt time.Time
}

// Allows checks a pair against the snapshot. Anything but a ready state denies.
func (s *State) Allows(m permissions.Module, a permissions.Action) bool {
	if s == nil || s.Status != StatusReady {
		return false
	}
	return s.Resolved.Has(m, a)
}

// Provider owns the resolved permission set of one session.
//
// Reads load an atomic pointer and never block. Every Activate, Refresh and
// Logout starts a new generation; a resolve result is applied only while its
// generation is still current.
type Provider struct {
	src     Source
	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  trace.Tracer
	now     func() time.Time

	state atomic.Pointer[State]
	gen   atomic.Uint64

	// mu serializes state writes so the generation check and the store are atomic
	mu          sync.Mutex
	unsubscribe func()
	closeOnce   sync.Once

	// beforeRebegin runs in Refresh between reading the state and restarting it
	beforeRebegin func()
}

// Option configures a Provider
type Option func(*Provider)

// WithMetrics records checks and resolves
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithTracer sets the tracer used for resolve spans
func WithTracer(t trace.Tracer) Option {
	return func(p *Provider) { p.tracer = t }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates an idle Provider subscribed to src invalidations
func New(src Source, opts ...Option) *Provider {
	p := &Provider{
		src:    src,
		tracer: observability.Tracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	p.logger = p.logger.WithField("component", "provider")
	p.state.Store(&State{Status: StatusIdle})
	p.unsubscribe = src.Subscribe(p.onInvalidate)
	return p
}

// Activate switches the Provider to a session and resolves its permissions.
// Checks deny until the resolve completes.
func (p *Provider) Activate(ctx context.Context, s Session) error {
	gen := p.begin(s)
	return p.resolve(ctx, s, gen)
}

// Refresh discards the resolved set of the current session and resolves it again.
// It returns ErrSuperseded when an Activate or Logout lands before it restarts.
func (p *Provider) Refresh(ctx context.Context) error {
	st := p.state.Load()
	if st.Status == StatusIdle {
		return ErrNoSession
	}
	if p.beforeRebegin != nil {
		p.beforeRebegin()
	}
	gen, ok := p.rebegin(st)
	if !ok {
		return ErrSuperseded
	}
	return p.resolve(ctx, st.Session, gen)
}

// Logout drops the session. In-flight resolves are discarded on arrival.
func (p *Provider) Logout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen := p.gen.Add(1)
	p.state.Store(&State{Status: StatusIdle, Generation: gen})
}

// Close unsubscribes from invalidations and logs out
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
	})
	p.Logout()
}

// HasPermission reports whether the current session may perform action on module.
// It is false while loading, after a failed resolve and without a session.
func (p *Provider) HasPermission(m permissions.Module, a permissions.Action) bool {
	allowed := p.state.Load().Allows(m, a)
	p.metrics.ObserveCheck(string(m), allowed)
	return allowed
}

// Loading reports whether a resolve is in flight
func (p *Provider) Loading() bool {
	return p.state.Load().Status == StatusLoading
}

// Err returns the error of the last failed resolve, if the Provider is in the failed state
func (p *Provider) Err() error {
	return p.state.Load().Err
}

// Role returns the resolved role of the current session
func (p *Provider) Role() (permissions.Role, bool) {
	st := p.state.Load()
	if st.Status != StatusReady {
		return "", false
	}
	return st.Resolved.Role(), true
}

// Session returns the current session
func (p *Provider) Session() (Session, bool) {
	st := p.state.Load()
	return st.Session, st.Status != StatusIdle
}

// Snapshot returns a copy of the current state
func (p *Provider) Snapshot() State {
	return *p.state.Load()
}

func (p *Provider) begin(s Session) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen := p.gen.Add(1)
	p.state.Store(&State{Session: s, Status: StatusLoading, Generation: gen})
	return gen
}

// rebegin starts a new generation for seen's session only if no Activate,
// Refresh or Logout started since seen was read
func (p *Provider) rebegin(seen *State) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.state.Load()
	if cur.Status == StatusIdle || cur.Generation != seen.Generation || cur.Session != seen.Session {
		return 0, false
	}
	gen := p.gen.Add(1)
	p.state.Store(&State{Session: seen.Session, Status: StatusLoading, Generation: gen})
	return gen, true
}

// apply stores st if gen is still current
func (p *Provider) apply(gen uint64, st *State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen.Load() != gen {
		return false
	}
	p.state.Store(st)
	return true
}

func (p *Provider) resolve(ctx context.Context, s Session, gen uint64) error {
	ctx, span := p.tracer.Start(ctx, "provider.resolve", trace.WithAttributes(
		attribute.Int64("clinic_id", s.ClinicID),
		attribute.Int64("user_id", s.UserID),
	))
	defer span.End()

	start := p.now()
	logger := observability.TraceLogger(ctx, p.logger).WithFields(map[string]interface{}{
		"clinic_id": s.ClinicID,
		"user_id":   s.UserID,
	})

	resolved, err := p.fetch(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveResolve("error", p.now().Sub(start))

		if !p.apply(gen, &State{Session: s, Status: StatusFailed, Err: err, Generation: gen}) {
			return ErrSuperseded
		}
		logger.WithError(err).Warn("Permission resolve failed, denying all checks")
		return err
	}

	span.SetAttributes(attribute.String("role", string(resolved.Role())))
	if !p.apply(gen, &State{Session: s, Status: StatusReady, Resolved: resolved, Generation: gen, ResolvedAt: p.now()}) {
		p.metrics.ObserveResolve("discarded", p.now().Sub(start))
		logger.Debug("Discarded superseded permission resolve")
		return ErrSuperseded
	}
	p.metrics.ObserveResolve("success", p.now().Sub(start))
	logger.WithField("role", resolved.Role()).Debug("Resolved permissions")
	return nil
}

func (p *Provider) fetch(ctx context.Context, s Session) (permissions.ResolvedSet, error) {
	access, err := p.src.Access(ctx, s.ClinicID, s.UserID)
	if err != nil {
		return permissions.ResolvedSet{}, fmt.Errorf("failed to load access: %w", err)
	}
	if err := rbac.ValidateRole(access.Role); err != nil {
		return permissions.ResolvedSet{}, err
	}
	if access.Role.IsSuper() {
		return permissions.Resolve(access.Role, permissions.Set{}, permissions.Set{}), nil
	}

	tmpl, err := p.src.Template(ctx, s.ClinicID, access.Role)
	if err != nil {
		return permissions.ResolvedSet{}, fmt.Errorf("failed to load role template: %w", err)
	}
	return permissions.Resolve(access.Role, tmpl.PermissionSet(), access.GrantSet()), nil
}

func (p *Provider) onInvalidate(ctx context.Context, ev fetch.Event) {
	st := p.state.Load()
	if st.Status == StatusIdle || !affects(st, ev) {
		return
	}
	if err := p.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrNoSession) {
		p.logger.WithError(err).Warn("Refresh after invalidation failed")
	}
}

// affects reports whether ev touches the data st was or is being resolved from.
// Without a resolved role any template of the clinic counts.
func affects(st *State, ev fetch.Event) bool {
	s := st.Session
	if ev.Matches(fetch.AccessKey(s.ClinicID, s.UserID)) {
		return true
	}
	if st.Status == StatusReady {
		return ev.Matches(fetch.TemplateKey(s.ClinicID, st.Resolved.Role()))
	}
	for _, role := range permissions.Roles() {
		if ev.Matches(fetch.TemplateKey(s.ClinicID, role)) {
			return true
		}
	}
	return false
}
