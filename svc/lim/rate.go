package lim

import (
	"clipbin/svc/db"
	"clipbin/svc/util"
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxBuckets      = 10000
	cleanupInterval = 5 * time.Minute
	bucketTTL       = 30 * time.Minute
	redisTimeout    = 100 * time.Millisecond
	adaptiveWindow  = 60 * time.Second
)

// Limiter enforces request rates per endpoint class (create, read, revoke).
// With Redis configured it uses a shared fixed-window counter across
// instances; without it, each instance falls back to conservative local
// per-IP token buckets.
type Limiter struct {
	rdb               *db.Redis
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	buckets           map[string]*ipBucket
	mu                sync.Mutex
	conservativeLimit int
	burstLimit        int
	globalRPM         int
	quit              chan struct{}
	evictionSem       chan struct{}
}

// ipBucket is one client's local token bucket along with the last time it
// was touched, for TTL eviction.
type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(globalRPM, perIPBurst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else {
			if net.ParseIP(proxy) == nil {
				panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
			}
		}
	}
	l := &Limiter{
		rdb:               rdb,
		trustedProxies:    trustedProxies,
		buckets:           make(map[string]*ipBucket),
		conservativeLimit: conservativeLimit,
		burstLimit:        perIPBurst,
		globalRPM:         globalRPM,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStaleBuckets()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictStaleBuckets() {
	now := time.Now()
	stale := make([]string, 0, 100)
	l.mu.Lock()
	for key, b := range l.buckets {
		if now.Sub(b.seen) > bucketTTL {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(l.buckets, key)
	}
	remaining := len(l.buckets)
	l.mu.Unlock()
	if len(stale) > 0 {
		util.Debug().Int("evicted", len(stale)).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

// TriggerAdaptiveMode halves effective limits for a window; wired to the
// anomaly detector's error-rate threshold.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

// halved applies the adaptive-mode penalty, never dropping below 1 rpm.
func (l *Limiter) halved(limit int) int {
	if !l.isAdaptiveMode() {
		return limit
	}
	limit /= 2
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	if l.rdb == nil {
		return l.localCheck(ip, endpoint)
	}
	res, err := l.sharedWindow(r.Context(), endpoint)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return l.localCheck(ip, endpoint)
	}
	return res
}

// sharedWindow consults the cross-instance fixed-window counter in Redis.
func (l *Limiter) sharedWindow(ctx context.Context, endpoint string) (*RateLimitResult, error) {
	limit := l.halved(l.globalRPM)
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	usage, err := l.rdb.RateLimit(ctx, "global:"+endpoint, limit, time.Minute)
	if err != nil {
		return nil, err
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}, nil
}

// localCheck is the fail-closed path: per-IP token buckets at the
// conservative limit, bounded map with async LRU-ish eviction.
func (l *Limiter) localCheck(ip, endpoint string) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) >= (maxBuckets*9)/10 {
		l.kickEviction(len(l.buckets) / 10)
	}
	if len(l.buckets) >= maxBuckets {
		util.Warn().
			Int("buckets", len(l.buckets)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{
			Allowed: false,
			Limit:   l.conservativeLimit,
			Reset:   time.Now().Add(time.Minute),
		}
	}

	limit := l.halved(l.conservativeLimit)
	key := ip + ":" + endpoint
	b, ok := l.buckets[key]
	if !ok {
		b = &ipBucket{
			lim:  rate.NewLimiter(rate.Limit(limit)/60.0, limit),
			seen: time.Now(),
		}
		l.buckets[key] = b
	} else {
		b.seen = time.Now()
	}
	if !b.lim.Allow() {
		return &RateLimitResult{
			Allowed: false,
			Limit:   limit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: l.conservativeLimit - 1,
		Reset:     time.Now().Add(time.Minute),
	}
}

// kickEviction starts at most one background eviction pass. Caller holds mu.
func (l *Limiter) kickEviction(count int) {
	if count <= 0 {
		return
	}
	select {
	case l.evictionSem <- struct{}{}:
		go func() {
			defer func() { <-l.evictionSem }()
			l.evictOldest(count)
		}()
	default:
	}
}

func (l *Limiter) evictOldest(count int) {
	l.mu.Lock()
	if len(l.buckets) < (maxBuckets*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key  string
		seen time.Time
	}
	entries := make([]kv, 0, len(l.buckets))
	for k, b := range l.buckets {
		entries = append(entries, kv{k, b.seen})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seen.Before(entries[j].seen)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.buckets[entries[i].key]; ok {
			delete(l.buckets, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP walks X-Forwarded-For right to left and returns the first hop
// that is not a trusted proxy. Without trusted proxies the socket address is
// authoritative and the header is ignored entirely.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxHops = 100
	hops := 0
	remaining := xff
	for len(remaining) > 0 && hops < maxHops {
		var hop string
		if i := strings.LastIndexByte(remaining, ','); i >= 0 {
			hop = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		} else {
			hop = strings.TrimSpace(remaining)
			remaining = ""
		}
		if hop == "" {
			continue
		}
		hops++
		if net.ParseIP(hop) == nil {
			util.Warn().Str("ip", hop).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	if hops >= maxHops {
		util.Warn().Int("parsed", hops).Str("remote", remoteIP).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
