package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

const (
	// DefaultSize is the default maximum number of cached entries
	DefaultSize = 4096

	// DefaultTTL bounds how long an entry is served without an invalidation
	DefaultTTL = 5 * time.Minute
)

// Listener is notified synchronously after every invalidation
type Listener func(ctx context.Context, ev Event)

// Publisher fans an invalidation out to other processes
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Cache is a read-through cache over rbac.Backend reads with keyed invalidation.
//
// Each key carries an epoch that Invalidate bumps. A load records the epoch
// it started under and is stored only if the epoch is unchanged when it
// returns, so a read that raced a write is never cached.
type Cache struct {
	backend   rbac.Backend
	entries   *lru.LRU[string, interface{}]
	group     singleflight.Group
	metrics   *observability.Metrics
	logger    *observability.Logger
	publisher Publisher

	mu     sync.Mutex
	epochs map[string]uint64

	subsMu  sync.RWMutex
	subs    map[uint64]Listener
	nextSub uint64
}

type options struct {
	size      int
	ttl       time.Duration
	metrics   *observability.Metrics
	logger    *observability.Logger
	publisher Publisher
}

// Option configures a Cache
type Option func(*options)

// WithSize sets the maximum number of entries
func WithSize(n int) Option {
	return func(o *options) { o.size = n }
}

// WithTTL sets the entry lifetime. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithMetrics records hits, misses and invalidations
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPublisher forwards local invalidations to other processes
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New creates a cache over backend
func New(backend rbac.Backend, opts ...Option) *Cache {
	o := options{size: DefaultSize, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.size <= 0 {
		o.size = DefaultSize
	}
	if o.logger == nil {
		o.logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	return &Cache{
		backend:   backend,
		entries:   lru.NewLRU[string, interface{}](o.size, nil, o.ttl),
		metrics:   o.metrics,
		logger:    o.logger.WithField("component", "fetch"),
		publisher: o.publisher,
		epochs:    make(map[string]uint64),
		subs:      make(map[uint64]Listener),
	}
}

// Backend returns the wrapped backend
func (c *Cache) Backend() rbac.Backend {
	return c.backend
}

// Access returns the role and grants of a user in a clinic
func (c *Cache) Access(ctx context.Context, clinicID, userID int64) (*rbac.Access, error) {
	v, err := c.load(ctx, AccessKey(clinicID, userID), func(ctx context.Context) (interface{}, error) {
		return c.backend.GetAccess(ctx, clinicID, userID)
	})
	if err != nil {
		return nil, err
	}
	return cloneAccess(v.(*rbac.Access)), nil
}

// Template returns a clinic's template for a role
func (c *Cache) Template(ctx context.Context, clinicID int64, role permissions.Role) (*rbac.RoleTemplate, error) {
	v, err := c.load(ctx, TemplateKey(clinicID, role), func(ctx context.Context) (interface{}, error) {
		return c.backend.GetTemplate(ctx, clinicID, role)
	})
	if err != nil {
		return nil, err
	}
	return cloneTemplate(v.(*rbac.RoleTemplate)), nil
}

func (c *Cache) load(ctx context.Context, key string, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok := c.entries.Get(key); ok {
		c.metrics.ObserveCache(keyType(key), true)
		return v, nil
	}
	c.metrics.ObserveCache(keyType(key), false)

	c.mu.Lock()
	epoch := c.epochs[key]
	c.epochs[key] = epoch
	c.mu.Unlock()

	// The flight key carries the epoch so callers arriving after an
	// invalidation never join a load that started before it.
	flight := fmt.Sprintf("%s@%d", key, epoch)
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.epochs[key] == epoch {
			c.entries.Add(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Invalidate drops keys, notifies local subscribers and publishes the event.
// It must be called only after the backend acknowledged the write.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	c.dispatch(ctx, Event{Keys: keys}, true)
}

// InvalidatePrefix drops every key starting with prefix
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	c.dispatch(ctx, Event{Prefix: prefix}, true)
}

// ApplyRemote applies an invalidation received from another process without re-publishing it
func (c *Cache) ApplyRemote(ctx context.Context, ev Event) {
	c.dispatch(ctx, ev, false)
}

func (c *Cache) dispatch(ctx context.Context, ev Event, local bool) {
	if ev.Empty() {
		return
	}

	origin := "remote"
	if local {
		origin = "local"
	}

	c.mu.Lock()
	for _, key := range c.matchingKeys(ev) {
		c.epochs[key]++
		c.entries.Remove(key)
		c.metrics.ObserveInvalidation(keyType(key), origin)
	}
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"keys":   ev.Keys,
		"prefix": ev.Prefix,
		"origin": origin,
	}).Debug("Invalidated cache keys")

	if local && c.publisher != nil {
		if err := c.publisher.Publish(ctx, ev); err != nil {
			c.logger.WithError(err).Warn("Failed to publish invalidation")
		}
	}

	c.notify(ctx, ev)
}

// matchingKeys must be called with c.mu held
func (c *Cache) matchingKeys(ev Event) []string {
	seen := make(map[string]struct{}, len(ev.Keys))
	keys := make([]string, 0, len(ev.Keys))
	add := func(key string) {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for _, key := range ev.Keys {
		add(key)
	}
	if ev.Prefix == "" {
		return keys
	}
	for key := range c.epochs {
		if strings.HasPrefix(key, ev.Prefix) {
			add(key)
		}
	}
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, ev.Prefix) {
			add(key)
		}
	}
	return keys
}

func (c *Cache) notify(ctx context.Context, ev Event) {
	c.subsMu.RLock()
	listeners := make([]Listener, 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range listeners {
		c.safeNotify(ctx, fn, ev)
	}
}

func (c *Cache) safeNotify(ctx context.Context, fn Listener, ev Event) {
	defer observability.RecoverPanic(c.logger, "invalidation listener")
	fn(ctx, ev)
}

// Subscribe registers fn for every later invalidation and returns its cancel function
func (c *Cache) Subscribe(fn Listener) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// Subscribers returns the number of registered listeners
func (c *Cache) Subscribers() int {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.subs)
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry without notifying subscribers
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.epochs {
		c.epochs[key]++
	}
	c.entries.Purge()
}

func cloneAccess(a *rbac.Access) *rbac.Access {
	out := *a
	out.Grants = make([]permissions.Permission, len(a.Grants))
	copy(out.Grants, a.Grants)
	out.Rejected = append([]string(nil), a.Rejected...)
	return &out
}

func cloneTemplate(t *rbac.RoleTemplate) *rbac.RoleTemplate {
	out := *t
	out.Permissions = make([]permissions.Permission, len(t.Permissions))
	copy(out.Permissions, t.Permissions)
	return &out
}
