package svc

import (
	"clipbin/cfg"
	"clipbin/metrics"
	"clipbin/pkg/domain"
	"clipbin/svc/notify"
	"clipbin/svc/store"
	"clipbin/svc/util"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Clip orchestrates the store and the notifier behind the four core
// operations plus stats. It owns the request-facing invariants: validation
// errors on create, fail-closed NotFound everywhere else.
type Clip struct {
	store           *store.Store
	hub             *notify.Hub
	cfg             *cfg.Cfg
	activeCreateOps int32
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
}

func NewClip(st *store.Store, hub *notify.Hub, c *cfg.Cfg) *Clip {
	if st == nil || hub == nil || c == nil {
		panic("clip service: nil dependency (store, hub, or cfg)")
	}
	return &Clip{
		store: st,
		hub:   hub,
		cfg:   c,
	}
}

func (s *Clip) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	s.hub.Shutdown()
	util.Debug().Msg("clip service shutdown complete")
}

func (s *Clip) Create(ctx context.Context, params domain.CreateParams) (*domain.Clip, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()
	currentLoad := atomic.AddInt32(&s.activeCreateOps, 1)
	defer atomic.AddInt32(&s.activeCreateOps, -1)
	if currentLoad > int32(s.cfg.MaxWorkerLoad) {
		return nil, domain.ErrServiceUnavailable
	}

	clip, err := s.store.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	metrics.ClipCreated.Inc()
	return clip, nil
}

func (s *Clip) Get(ctx context.Context, id string) (*domain.Clip, error) {
	s.opWg.Add(1)
	defer s.opWg.Done()
	clip, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.ClipRetrieved.Inc()
	return clip, nil
}

func (s *Clip) Revoke(ctx context.Context, id string) bool {
	s.opWg.Add(1)
	defer s.opWg.Done()
	ok := s.store.Revoke(ctx, id)
	if ok {
		metrics.ClipRevoked.Inc()
	}
	return ok
}

func (s *Clip) Cleanup(ctx context.Context) int {
	s.opWg.Add(1)
	defer s.opWg.Done()
	removed := s.store.Cleanup(ctx)
	if removed > 0 {
		metrics.ClipsSwept.Add(float64(removed))
	}
	return removed
}

func (s *Clip) Stats(ctx context.Context) domain.Stats {
	return s.store.Stats(ctx)
}

// Subscribe hands out a notifier subscription for the given clip id; the
// transport layer (WebSocket or long-poll) owns the returned handle.
func (s *Clip) Subscribe(id string) *notify.Subscription {
	return s.hub.Subscribe(id)
}

var (
	sweeperOnce    sync.Once
	sweeperRunning atomic.Bool
)

// StartSweeper runs the timer-driven eviction policy: a background tick that
// sweeps expired clips until ctx is cancelled. At most one sweeper runs per
// process.
func StartSweeper(ctx context.Context, st *store.Store, interval time.Duration) error {
	if sweeperRunning.Load() {
		return errors.New("sweeper already running")
	}
	sweeperOnce.Do(func() {
		sweeperRunning.Store(true)
		go runSweeper(ctx, st, interval)
	})
	return nil
}

func runSweeper(ctx context.Context, st *store.Store, interval time.Duration) {
	defer sweeperRunning.Store(false)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("sweep worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("sweep worker shutting down")
			return
		case <-ticker.C:
			metrics.SweepCycles.Inc()
			removed := st.Cleanup(ctx)
			if removed > 0 {
				metrics.ClipsSwept.Add(float64(removed))
				util.Info().
					Int("removed", removed).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep completed")
			}
		}
	}
}
