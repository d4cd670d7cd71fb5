package store

import (
	"clipbin/pkg/domain"
	"clipbin/svc/util"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Notifier receives the terminal lifecycle events the store emits. The hub in
// svc/notify implements it.
type Notifier interface {
	ClipRevoked(id string)
	ClipExpired(id string)
}

// Options tune a Store. Zero values fall back to defaults.
type Options struct {
	// Shards is the number of lock shards; rounded up to a power of two.
	Shards int
	// MaxContentSize is the content byte ceiling enforced on Create.
	MaxContentSize int64
	// LazySweepDebounce enables the lazy eviction policy: Create and Get run
	// a full sweep inline when at least this much time passed since the last
	// one. Zero disables lazy sweeping (the timer worker still applies).
	LazySweepDebounce time.Duration
	// Notifier may be nil; events are then dropped.
	Notifier Notifier
}

const (
	defaultShards  = 16
	defaultMaxSize = 64 * 1024
)

// Store is the authoritative in-memory collection of clips. It is
// process-local on purpose: cross-instance consistency belongs to an external
// backing store, not here. All operations are atomic per id; the shard locks
// keep Cleanup from blocking reads of unrelated ids.
type Store struct {
	shards   []*shard
	mask     uint32
	maxSize  int64
	debounce time.Duration
	notifier Notifier

	lastSweep atomic.Int64 // unix nanos of the last sweep, any policy

	now func() time.Time // injectable for deterministic tests
}

type shard struct {
	mu    sync.RWMutex
	clips map[string]*domain.Clip
}

func New(opts Options) *Store {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	// round up to a power of two so shardFor can mask instead of mod
	size := 1
	for size < n {
		size <<= 1
	}
	shards := make([]*shard, size)
	for i := range shards {
		shards[i] = &shard{clips: make(map[string]*domain.Clip)}
	}
	maxSize := opts.MaxContentSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Store{
		shards:   shards,
		mask:     uint32(size - 1),
		maxSize:  maxSize,
		debounce: opts.LazySweepDebounce,
		notifier: opts.Notifier,
		now:      time.Now,
	}
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()&s.mask]
}

// Create validates the payload, generates a fresh id and inserts the clip.
// The expiry must be strictly in the future at call time.
func (s *Store) Create(ctx context.Context, params domain.CreateParams) (*domain.Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.maybeSweep(ctx)
	now := s.now()
	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > s.maxSize {
		return nil, domain.ErrClipTooLarge
	}
	if !params.ExpiresAt.After(now) {
		return nil, domain.ErrInvalidExpiry
	}

	for attempt := 0; attempt < 3; attempt++ {
		id, err := util.GenID(func(id string) bool {
			sh := s.shardFor(id)
			sh.mu.RLock()
			_, ok := sh.clips[id]
			sh.mu.RUnlock()
			return ok
		})
		if err != nil {
			return nil, errors.Wrap(domain.ErrIDGenerationFailed, err.Error())
		}
		clip := &domain.Clip{
			ID:        id,
			Content:   params.Content,
			CreatedAt: now,
			ExpiresAt: params.ExpiresAt,
		}
		sh := s.shardFor(id)
		sh.mu.Lock()
		if _, taken := sh.clips[id]; taken {
			// lost a race for the same id between the exists check and the
			// insert; roll another one
			sh.mu.Unlock()
			continue
		}
		sh.clips[id] = clip
		sh.mu.Unlock()
		out := *clip
		return &out, nil
	}
	return nil, domain.ErrIDGenerationFailed
}

// Get returns the clip only while it is live. An expired entry is removed as
// a side effect and its "expired" event fires; a revoked tombstone stays for
// Cleanup to reclaim. Callers cannot distinguish unknown, expired and revoked
// ids.
func (s *Store) Get(ctx context.Context, id string) (*domain.Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.maybeSweep(ctx)
	sh := s.shardFor(id)
	now := s.now()

	sh.mu.RLock()
	clip, ok := sh.clips[id]
	if !ok {
		sh.mu.RUnlock()
		return nil, domain.ErrClipNotFound
	}
	if clip.IsLive(now) {
		out := *clip
		sh.mu.RUnlock()
		return &out, nil
	}
	revoked := clip.Revoked
	sh.mu.RUnlock()

	if revoked {
		return nil, domain.ErrClipNotFound
	}

	// Expired: evict under the write lock, re-checking since cleanup may
	// have raced us here.
	sh.mu.Lock()
	clip, ok = sh.clips[id]
	if ok && !s.now().Before(clip.ExpiresAt) {
		delete(sh.clips, id)
		sh.mu.Unlock()
		if s.notifier != nil {
			s.notifier.ClipExpired(id)
		}
		return nil, domain.ErrClipNotFound
	}
	sh.mu.Unlock()
	return nil, domain.ErrClipNotFound
}

// Revoke flips the revoked flag, first-wins: exactly one caller observes
// true, which keeps concurrent revokes of the same id from both reporting
// success. The "revoked" event fires before the winner's call returns.
// Unknown, expired and already-revoked ids all report false.
func (s *Store) Revoke(ctx context.Context, id string) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	sh := s.shardFor(id)
	now := s.now()

	sh.mu.Lock()
	clip, ok := sh.clips[id]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	if !now.Before(clip.ExpiresAt) {
		delete(sh.clips, id)
		sh.mu.Unlock()
		if s.notifier != nil {
			s.notifier.ClipExpired(id)
		}
		return false
	}
	if clip.Revoked {
		sh.mu.Unlock()
		return false
	}
	clip.Revoked = true
	sh.mu.Unlock()

	if s.notifier != nil {
		s.notifier.ClipRevoked(id)
	}
	return true
}

// Cleanup removes every entry whose expiry has passed, revoked or not, and
// returns the count removed. Expired entries that were never revoked fire an
// "expired" event; the notifier suppresses duplicates for ids that already
// fired "revoked". Locks are taken one shard at a time.
func (s *Store) Cleanup(ctx context.Context) int {
	s.lastSweep.Store(s.now().UnixNano())
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed
		}
		now := s.now()
		var expired []string
		sh.mu.Lock()
		for id, clip := range sh.clips {
			if !now.Before(clip.ExpiresAt) {
				expired = append(expired, id)
			}
		}
		for _, id := range expired {
			delete(sh.clips, id)
		}
		sh.mu.Unlock()
		removed += len(expired)
		if s.notifier != nil {
			for _, id := range expired {
				s.notifier.ClipExpired(id)
			}
		}
	}
	return removed
}

// Stats reports total entries held (tombstones included) and how many are
// currently live. Read-only; never evicts.
func (s *Store) Stats(ctx context.Context) domain.Stats {
	var st domain.Stats
	now := s.now()
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return st
		}
		sh.mu.RLock()
		st.Total += len(sh.clips)
		for _, clip := range sh.clips {
			if clip.IsLive(now) {
				st.Active++
			}
		}
		sh.mu.RUnlock()
	}
	return st
}

// maybeSweep implements the lazy eviction policy: piggyback a full sweep on
// the current call when the debounce window has elapsed. Correctness never
// depends on it; Get checks expiry itself.
func (s *Store) maybeSweep(ctx context.Context) {
	if s.debounce <= 0 {
		return
	}
	now := s.now().UnixNano()
	last := s.lastSweep.Load()
	if now-last < int64(s.debounce) {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now) {
		return // another caller is sweeping
	}
	if n := s.Cleanup(ctx); n > 0 {
		util.Debug().Int("removed", n).Msg("lazy sweep")
	}
}
