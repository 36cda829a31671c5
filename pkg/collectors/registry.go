package collectors

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound means the configuration has no collector by that name. It
	// only fails the records routed to it.
	ErrNotFound = errors.New("collector not found")
	// ErrUnavailable means the secret store could not be read and no earlier
	// configuration can answer the lookup.
	ErrUnavailable = errors.New("collector configuration unavailable")
)

// Registry resolves collector names against configuration read from the
// secret store. It is safe for concurrent use and meant to live for the whole
// process so the cache survives between invocations.
type Registry struct {
	cfg     Config
	client  SecretsClient
	logger  log.Logger
	metrics *metrics
	now     func() time.Time

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

type snapshot struct {
	byName    map[string]*Collector
	all       []*Collector
	fetchedAt time.Time
}

func newSnapshot(byName map[string]*Collector, fetchedAt time.Time) *snapshot {
	all := make([]*Collector, 0, len(byName))
	for _, c := range byName {
		all = append(all, c)
	}
	slices.SortFunc(all, func(a, b *Collector) int { return strings.Compare(a.Name, b.Name) })
	return &snapshot{byName: byName, all: all, fetchedAt: fetchedAt}
}

func (s *snapshot) fresh(now time.Time, ttl time.Duration) bool {
	return s != nil && now.Sub(s.fetchedAt) < ttl
}

// lookup resolves a route: a comma separated list of names, or All.
func (s *snapshot) lookup(route string) ([]*Collector, error) {
	var (
		out  []*Collector
		seen = map[string]struct{}{}
	)
	for _, name := range strings.Split(route, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == All {
			if len(s.all) == 0 {
				return nil, errors.Wrap(ErrNotFound, "no collectors configured")
			}
			return s.all, nil
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		c, ok := s.byName[name]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "%q", name)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrNotFound, "empty route")
	}
	return out, nil
}

// NewRegistry makes a Registry. Nothing is fetched until the first lookup.
func NewRegistry(cfg Config, client SecretsClient, logger log.Logger, reg prometheus.Registerer) *Registry {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	return &Registry{
		cfg:     cfg,
		client:  client,
		logger:  log.With(logger, "component", "collectors"),
		metrics: newMetrics(reg),
		now:     time.Now,
	}
}

// Resolve returns the collectors a route names. An empty route uses the
// configured default.
func (r *Registry) Resolve(ctx context.Context, route string) ([]*Collector, error) {
	route = strings.TrimSpace(route)
	if route == "" {
		route = r.cfg.Default
	}

	s, stale, err := r.load(ctx)
	if err != nil {
		r.metrics.lookups.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	collectors, err := s.lookup(route)
	switch {
	case err != nil && stale:
		// The collector may have been added since the last good refresh.
		r.metrics.lookups.WithLabelValues("unavailable").Inc()
		return nil, errors.Wrapf(ErrUnavailable, "%v", err)
	case err != nil:
		r.metrics.lookups.WithLabelValues("not_found").Inc()
		return nil, err
	}
	r.metrics.lookups.WithLabelValues("found").Inc()
	return collectors, nil
}

// Get resolves a single collector by name.
func (r *Registry) Get(ctx context.Context, name string) (*Collector, error) {
	if name == "" || name == All || strings.Contains(name, ",") {
		return nil, errors.Wrapf(ErrNotFound, "%q is not a collector name", name)
	}
	collectors, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return collectors[0], nil
}

// SplitRoute takes the routing header out of a record's headers. The
// returned map never contains it; headers itself is not modified.
func (r *Registry) SplitRoute(headers map[string]string) (string, map[string]string) {
	var (
		route string
		rest  map[string]string
	)
	for k, v := range headers {
		if strings.EqualFold(k, r.cfg.RoutingHeader) {
			route = v
			continue
		}
		if rest == nil {
			rest = make(map[string]string, len(headers))
		}
		rest[k] = v
	}
	return route, rest
}

// Invalidate marks the current configuration as expired. It is still used
// as a fallback if the next refresh fails.
func (r *Registry) Invalidate() {
	if s := r.current.Load(); s != nil {
		r.current.CompareAndSwap(s, &snapshot{byName: s.byName, all: s.all})
	}
}

// load returns configuration that is fresh, refreshing it when needed.
// Concurrent callers share one refresh. When the refresh fails the expired
// configuration is returned with stale set.
func (r *Registry) load(ctx context.Context) (*snapshot, bool, error) {
	s := r.current.Load()
	if s.fresh(r.now(), r.cfg.TTL()) {
		return s, false, nil
	}

	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		if s := r.current.Load(); s.fresh(r.now(), r.cfg.TTL()) {
			return s, nil
		}
		return r.refresh(ctx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err == nil {
		return res.Val.(*snapshot), false, nil
	}

	if s := r.current.Load(); s != nil {
		r.metrics.staleServed.Inc()
		level.Warn(r.logger).Log("msg", "refresh failed, using expired collector configuration", "age", r.now().Sub(s.fetchedAt), "err", res.Err)
		return s, true, nil
	}
	level.Error(r.logger).Log("msg", "refresh failed and no collector configuration is cached", "err", res.Err)
	return nil, false, errors.Wrapf(ErrUnavailable, "%v", res.Err)
}

func (r *Registry) refresh(ctx context.Context) (*snapshot, error) {
	// A caller giving up must not abort the refresh others are waiting on.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RefreshTimeout)
	defer cancel()

	start := time.Now()
	byName, err := fetchCollectors(ctx, r.client, r.cfg.SecretsPrefix, r.cfg.SigningRegion, r.logger)
	r.metrics.refreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.refreshes.WithLabelValues("failure").Inc()
		return nil, err
	}

	s := newSnapshot(byName, r.now())
	r.current.Store(s)
	r.metrics.refreshes.WithLabelValues("success").Inc()
	r.metrics.collectors.Set(float64(len(s.all)))
	level.Debug(r.logger).Log("msg", "refreshed collector configuration", "collectors", len(s.all), "duration", time.Since(start))
	return s, nil
}
