package contact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// SyncTag is the background-sync tag that replays the outbox.
const SyncTag = "contact-form"

var (
	ErrUnknownSyncTag = errors.New("unknown sync tag")
	ErrNoEndpoint     = errors.New("no contact endpoint configured")
)

type SyncResult struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Syncer replays queued submissions. One replay runs at a time.
type Syncer struct {
	fwd    *Forwarder
	outbox *Outbox
	log    *zap.Logger

	mu sync.Mutex
}

func NewSyncer(fwd *Forwarder, outbox *Outbox, logger *zap.Logger) *Syncer {
	return &Syncer{fwd: fwd, outbox: outbox, log: logger.Named("sync")}
}

// Sync handles a sync event. Delivered submissions are removed, and so are
// submissions the endpoint rejects. Other failures stay queued with their
// attempt count bumped.
func (s *Syncer) Sync(ctx context.Context, tag string) (SyncResult, error) {
	if tag != SyncTag {
		return SyncResult{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.outbox.List()
	if err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		err := ErrNoEndpoint
		if s.fwd != nil {
			err = s.fwd.Send(ctx, sub.Payload, sub.Header)
		}
		if errors.Is(err, ErrRejected) {
			s.log.Warn("endpoint rejected queued submission, dropping it", zap.String("id", sub.ID), zap.Error(err))
			if rerr := s.outbox.Remove(sub); rerr != nil {
				s.log.Warn("remove rejected submission", zap.String("id", sub.ID), zap.Error(rerr))
			}
			res.Dropped++
			continue
		}
		if err != nil {
			res.Failed++
			sub.Attempts++
			sub.LastError = err.Error()
			s.log.Warn("replay failed", zap.String("id", sub.ID), zap.Int("attempts", sub.Attempts), zap.Error(err))
			if uerr := s.outbox.Update(sub); uerr != nil {
				s.log.Warn("record attempt", zap.String("id", sub.ID), zap.Error(uerr))
			}
			continue
		}
		if err := s.outbox.Remove(sub); err != nil {
			s.log.Warn("remove delivered submission", zap.String("id", sub.ID), zap.Error(err))
		}
		res.Sent++
	}

	res.Remaining, err = s.outbox.Len()
	if err != nil {
		return res, err
	}
	if res.Sent > 0 || res.Failed > 0 || res.Dropped > 0 {
		s.log.Info("sync finished",
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
			zap.Int("remaining", res.Remaining),
		)
	}
	return res, nil
}

// Run fires a sync every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sync(ctx, SyncTag); err != nil {
				s.log.Warn("periodic sync", zap.Error(err))
			}
		}
	}
}

// Handler serves POST /__sync/{tag}.
func (s *Syncer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tag := strings.Trim(strings.TrimPrefix(r.URL.Path, "/__sync"), "/")
		res, err := s.Sync(r.Context(), tag)
		switch {
		case errors.Is(err, ErrUnknownSyncTag):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
}
