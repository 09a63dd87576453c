package sitecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a worker's lifecycle phase.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var ErrClosed = errors.New("registration closed")

// worker is one version of the offline cache, bound to a single generation.
type worker struct {
	name    string
	offline string // absolute URL of the fallback document
	state   atomic.Int32
	cache   *Cache
}

func newWorker(name string) *worker {
	w := &worker{name: name}
	w.setState(StateParsed)
	return w
}

func (w *worker) State() State { return State(w.state.Load()) }
func (w *worker) setState(s State) { w.state.Store(int32(s)) }

type job struct {
	w    *worker
	m    Manifest
	done chan error
}

// Registration runs worker lifecycles one at a time: install, then activate.
// Only an activated worker controls requests.
type Registration struct {
	store *CacheStorage
	net   *network
	log   *zap.Logger

	active  atomic.Pointer[worker]
	waiting atomic.Pointer[worker]

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRegistration(store *CacheStorage, net *network, logger *zap.Logger) *Registration {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registration{
		store:  store,
		net:    net,
		log:    logger.Named("lifecycle"),
		jobs:   make(chan job, 8),
		ctx:    ctx,
		cancel: cancel,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	return r
}

func (r *Registration) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registration) loop() {
	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case j := <-r.jobs:
					j.w.setState(StateRedundant)
					j.done <- ErrClosed
				default:
					return
				}
			}
		case j := <-r.jobs:
			j.done <- r.run(j)
		}
	}
}

// restore adopts the generation that was active before a restart, so cached
// entries keep serving without a fresh install.
func (r *Registration) restore(offline string) bool {
	name, ok := r.store.Active()
	if !ok || !r.store.Has(name) {
		return false
	}
	c, err := r.store.Open(name)
	if err != nil {
		return false
	}
	w := newWorker(name)
	w.cache = c
	if u, err := r.net.resolvePath(offline); err == nil {
		w.offline = u.String()
	}
	w.setState(StateActivated)
	r.active.Store(w)
	r.log.Info("restored active cache", zap.String("cache", name))
	return true
}

// Register queues a worker for the named generation. The channel receives
// nil once it controls requests, or the install error. Registering the name
// that is already active is a no-op.
func (r *Registration) Register(name string, m Manifest) <-chan error {
	done := make(chan error, 1)
	if r.ctx.Err() != nil {
		done <- ErrClosed
		return done
	}
	w := newWorker(name)
	select {
	case r.jobs <- job{w: w, m: m, done: done}:
	case <-r.ctx.Done():
		done <- ErrClosed
	}
	return done
}

// controller returns the worker that intercepts requests, or nil.
func (r *Registration) controller() *worker {
	return r.active.Load()
}

func (r *Registration) ActiveName() string {
	if w := r.active.Load(); w != nil {
		return w.name
	}
	return ""
}

// WaitingState reports the state of the worker currently going through
// install or activate, if any.
func (r *Registration) WaitingState() (State, bool) {
	if w := r.waiting.Load(); w != nil {
		return w.State(), true
	}
	return 0, false
}

func (r *Registration) run(j job) error {
	if cur := r.active.Load(); cur != nil && cur.name == j.w.name {
		j.w.setState(StateRedundant)
		return nil
	}
	r.waiting.Store(j.w)
	defer r.waiting.Store(nil)

	if err := r.install(r.ctx, j.w, j.m); err != nil {
		j.w.setState(StateRedundant)
		r.log.Warn("install failed", zap.String("cache", j.w.name), zap.Error(err))
		return err
	}
	// skip waiting
	r.activate(j.w)
	return nil
}

func (r *Registration) install(ctx context.Context, w *worker, m Manifest) error {
	w.setState(StateInstalling)
	r.log.Info("installing", zap.String("cache", w.name))

	cache, err := r.store.Open(w.name)
	if err != nil {
		return err
	}

	optional := append([]string(nil), m.Optional...)
	if len(m.Sitemaps) > 0 {
		optional = append(optional, r.discoverPaths(ctx, m.Sitemaps)...)
	}
	recs, err := r.precache(ctx, m, optional)
	if err != nil {
		return err
	}
	if err := cache.PutAll(recs); err != nil {
		return fmt.Errorf("store precache: %w", err)
	}

	if m.Offline != "" {
		if u, err := r.net.resolvePath(m.Offline); err == nil {
			w.offline = u.String()
		}
	}
	w.cache = cache
	w.setState(StateInstalled)
	r.log.Info("installed", zap.String("cache", w.name), zap.Int("precached", len(recs)))
	return nil
}

type precacheItem struct {
	path     string
	required bool
}

// precache fetches the manifest. In strict mode a single failing required
// path fails the whole batch, and nothing is returned.
func (r *Registration) precache(ctx context.Context, m Manifest, optional []string) ([]Record, error) {
	seen := map[string]struct{}{}
	var items []precacheItem
	add := func(paths []string, required bool) {
		for _, p := range paths {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			items = append(items, precacheItem{path: p, required: required})
		}
	}
	add(m.Required, true)
	add(optional, false)

	parallel := m.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	recs := make([]*Record, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			rec, err := r.fetchForPrecache(gctx, it.path)
			if err != nil {
				if it.required && m.Strict {
					return fmt.Errorf("precache %s: %w", it.path, err)
				}
				r.log.Debug("precache skipped", zap.String("path", it.path), zap.Error(err))
				return nil
			}
			recs[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *Registration) fetchForPrecache(ctx context.Context, path string) (Record, error) {
	target, err := r.net.resolvePath(path)
	if err != nil {
		return Record{}, err
	}
	res, err := r.net.fetch(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Record{}, err
	}
	if res.ent.Status < 200 || res.ent.Status >= 300 {
		return Record{}, &StatusError{URL: target.String(), Status: res.ent.Status}
	}
	return Record{URL: target.String(), Entry: sharedCopy(res.ent)}, nil
}

// activate purges every other generation and then takes control.
func (r *Registration) activate(w *worker) {
	w.setState(StateActivating)

	names, err := r.store.Keys()
	if err != nil {
		r.log.Warn("list caches", zap.Error(err))
	}
	for _, name := range names {
		if name == w.name {
			continue
		}
		if _, err := r.store.Delete(name); err != nil {
			r.log.Warn("delete stale cache", zap.String("cache", name), zap.Error(err))
			continue
		}
		r.log.Info("deleted stale cache", zap.String("cache", name))
	}
	if err := r.store.SetActive(w.name); err != nil {
		r.log.Warn("record active cache", zap.String("cache", w.name), zap.Error(err))
	}

	w.setState(StateActivated)
	if prev := r.active.Swap(w); prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	r.log.Info("activated", zap.String("cache", w.name))
}
