package sitecache

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const headerOutcome = "X-Sitecache"

// Service is the offline cache worker in front of the site origin.
type Service struct {
	log   *zap.Logger
	store *CacheStorage
	net   *network
	reg   *Registration

	mu  sync.Mutex
	cfg Config

	ready    <-chan error
	writeLog *rateLimitedLogger
	stats    *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService opens the cache storage under cfg.Storage.Dir and registers a
// worker for the configured generation.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	store, err := OpenCacheStorage(filepath.Join(cfg.Storage.Dir, "cache"), cfg.ramMax, cfg.diskMax)
	if err != nil {
		return nil, err
	}
	return newService(cfg, store, logger), nil
}

func newService(cfg Config, store *CacheStorage, logger *zap.Logger) *Service {
	logger = logger.Named("sitecache")
	net := newNetwork(cfg.originURL, &http.Client{Timeout: cfg.timeoutDur})
	net.allowOrigins(cfg.Cache.CrossOrigin)
	s := &Service{
		log:      logger,
		store:    store,
		net:      net,
		reg:      newRegistration(store, net, logger),
		cfg:      cfg,
		writeLog: newRateLimitedLogger(logger, time.Minute),
		stats:    newStatsCollector(),
		stopCh:   make(chan struct{}),
	}

	s.reg.restore(cfg.Cache.Offline)
	s.ready = s.reg.Register(cfg.Cache.Name(), cfg.manifest())

	if cfg.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEvery)
		}()
	}
	return s
}

// Ready yields the outcome of the initial registration.
func (s *Service) Ready() <-chan error { return s.ready }

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.reg.Close()
	s.net.closeIdle()
	_ = s.store.Close()
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Reload registers a worker for cfg's generation. Nothing happens when that
// generation already controls requests.
func (s *Service) Reload(cfg Config) <-chan error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if old.Server.Origin != cfg.Server.Origin || old.timeoutDur != cfg.timeoutDur {
		s.log.Warn("server.origin and server.timeout changes need a restart",
			zap.String("origin", old.Server.Origin),
			zap.Duration("timeout", old.timeoutDur),
		)
	}
	prev := old.Cache.Name()

	name := cfg.Cache.Name()
	if name != prev {
		s.log.Info("cache version changed", zap.String("from", prev), zap.String("to", name))
	}
	return s.reg.Register(name, cfg.manifest())
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target, err := s.net.resolve(r)
	if err != nil {
		s.badGateway(w)
		return
	}
	if !s.net.permitted(target) {
		s.forbidden(w)
		return
	}
	ctl := s.reg.controller()
	if r.Method != http.MethodGet || ctl == nil {
		s.passThrough(w, r, target)
		return
	}

	key := target.String()
	if ent, ok := ctl.cache.Match(key); ok {
		s.write(w, ent, OutcomeHit)
		return
	}

	res, err := s.net.fetch(r.Context(), http.MethodGet, target, r)
	if err != nil {
		if isNavigation(r) && ctl.offline != "" {
			if ent, ok := ctl.cache.Match(ctl.offline); ok {
				s.write(w, ent, OutcomeOffline)
				return
			}
		}
		s.log.Debug("network fetch failed", zap.String("url", key), zap.Error(err))
		s.badGateway(w)
		return
	}

	if res.ent.Status != http.StatusOK || res.typ != ResponseBasic || !storable(res.ent.Header) {
		s.write(w, res.ent, OutcomeUncached)
		return
	}
	if err := ctl.cache.Put(key, sharedCopy(res.ent)); err != nil {
		s.writeLog.Warn("cache write failed", zap.String("cache", ctl.name), zap.String("url", key), zap.Error(err))
	}
	s.write(w, res.ent, OutcomeMiss)
}

// passThrough forwards r to target as-is.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, target *url.URL) {
	res, err := s.net.fetch(r.Context(), r.Method, target, r)
	if err != nil {
		s.log.Debug("pass-through failed", zap.String("method", r.Method), zap.String("url", target.String()), zap.Error(err))
		s.badGateway(w)
		return
	}
	s.write(w, res.ent, OutcomeBypass)
}

func (s *Service) badGateway(w http.ResponseWriter) {
	setOutcomeHeaders(w.Header(), OutcomeBadGateway)
	s.stats.Observe(OutcomeBadGateway, 0)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) forbidden(w http.ResponseWriter) {
	setOutcomeHeaders(w.Header(), OutcomeForbidden)
	s.stats.Observe(OutcomeForbidden, 0)
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (s *Service) write(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
	s.stats.Observe(outcome, len(ent.Body))
}

func setOutcomeHeaders(h http.Header, outcome string) {
	h.Set(headerOutcome, outcome)
	// Custom headers are unreadable from browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, headerOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.String("cache", s.reg.ActiveName()),
				zap.Int("entries", s.store.EntryCount()),
				zap.String("ram", formatBytes(uint64(s.store.RAMSize()))),
				zap.String("disk", formatBytes(uint64(s.store.DiskSize()))),
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Uint64("uncached", ss.Uncached),
				zap.Uint64("bypassed", ss.Bypassed),
				zap.Uint64("offline", ss.Offline),
				zap.Uint64("failed", ss.Failed),
				zap.Uint64("forbidden", ss.Forbidden),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("cache stats", fields...)
		}
	}
}
