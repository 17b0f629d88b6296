// Package ratelimit enforces the per-identity and global request budgets.
// The upstream network treats excess authentication attempts as abuse, so
// every outbound call in the engine is routed through a Limiter bucket. The
// contract is cooperative: Acquire tells the caller how long to wait, and the
// caller must not proceed before the wait elapses.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/symmbot/blocksync/internal/metrics"
)

// Bucket classes. The upstream enforces separate ceilings for
// authentication and content writes, so they never share a budget.
const (
	ClassAuth   = "auth"
	ClassRead   = "read"
	ClassWrite  = "write"
	ClassGlobal = "global"
)

// GlobalBucket is consumed alongside every per-identity acquisition.
const GlobalBucket = "global"

func AuthBucket(handle string) string  { return ClassAuth + ":" + handle }
func ReadBucket(handle string) string  { return ClassRead + ":" + handle }
func WriteBucket(handle string) string { return ClassWrite + ":" + handle }

// Config is a sliding-window budget: at most Ceiling cost consumed within any
// Window.
type Config struct {
	Ceiling int
	Window  time.Duration
}

// DefaultConfigs mirrors the upstream's published ceilings with headroom.
var DefaultConfigs = map[string]Config{
	ClassAuth:   {Ceiling: 10, Window: 24 * time.Hour},
	ClassRead:   {Ceiling: 1000, Window: 5 * time.Minute},
	ClassWrite:  {Ceiling: 1000, Window: time.Hour},
	ClassGlobal: {Ceiling: 3000, Window: 5 * time.Minute},
}

type consumption struct {
	at   time.Time
	cost int
}

type bucket struct {
	consumed     []consumption
	penaltyUntil time.Time
}

type Limiter struct {
	mu      sync.Mutex
	configs map[string]Config
	buckets map[string]*bucket

	metricsService metrics.MetricsService

	// nowFunc is swapped out in tests.
	nowFunc func() time.Time
}

func NewLimiter(configs map[string]Config, metricsService metrics.MetricsService) *Limiter {
	if configs == nil {
		configs = DefaultConfigs
	}
	return &Limiter{
		configs:        configs,
		buckets:        make(map[string]*bucket),
		metricsService: metricsService,
		nowFunc:        time.Now,
	}
}

// Acquire attempts to consume cost from the named bucket. A zero return means
// the consumption was recorded and the caller may proceed; a positive return
// is the delay until enough budget frees up, and nothing was consumed.
func (l *Limiter) Acquire(bucketName string, cost int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	cfg := l.configFor(bucketName)
	b := l.bucketFor(bucketName)

	if wait := b.penaltyUntil.Sub(now); wait > 0 {
		return wait
	}

	b.prune(now, cfg.Window)

	total := 0
	for _, c := range b.consumed {
		total += c.cost
	}
	if total+cost <= cfg.Ceiling {
		b.consumed = append(b.consumed, consumption{at: now, cost: cost})
		return 0
	}

	// Find when enough of the oldest consumptions fall out of the window for
	// cost to fit under the ceiling.
	needed := total + cost - cfg.Ceiling
	freed := 0
	for _, c := range b.consumed {
		freed += c.cost
		if freed >= needed {
			return c.at.Add(cfg.Window).Sub(now)
		}
	}
	// cost alone exceeds the ceiling; wait out the full window.
	return cfg.Window
}

// Penalize blanks the bucket until now+penalty. Fed by upstream 429
// responses; the penalty takes precedence over any computed window wait.
func (l *Limiter) Penalize(bucketName string, penalty time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.nowFunc().Add(penalty)
	b := l.bucketFor(bucketName)
	if until.After(b.penaltyUntil) {
		b.penaltyUntil = until
	}
}

// Wait blocks until cost is acquired from both the named bucket and the
// global bucket, or the context is done.
func (l *Limiter) Wait(ctx context.Context, bucketName string, cost int) error {
	class := classOf(bucketName)
	var waited time.Duration
	for {
		wait := l.Acquire(bucketName, cost)
		if wait == 0 {
			if bucketName != GlobalBucket {
				// The global bucket is a secondary gate; a wait there refunds
				// nothing because per-bucket consumption already happened and
				// double counting a retry would starve the caller.
				for {
					globalWait := l.Acquire(GlobalBucket, cost)
					if globalWait == 0 {
						break
					}
					waited += globalWait
					if err := sleepCtx(ctx, globalWait); err != nil {
						return err
					}
				}
			}
			if l.metricsService != nil {
				l.metricsService.ObserveRateLimitWait(class, waited.Seconds())
			}
			return nil
		}

		waited += wait
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) configFor(bucketName string) Config {
	if cfg, ok := l.configs[classOf(bucketName)]; ok {
		return cfg
	}
	return Config{Ceiling: 100, Window: time.Minute}
}

func (l *Limiter) bucketFor(bucketName string) *bucket {
	b, ok := l.buckets[bucketName]
	if !ok {
		b = &bucket{}
		l.buckets[bucketName] = b
	}
	return b
}

func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(b.consumed); i++ {
		if b.consumed[i].at.After(cutoff) {
			break
		}
	}
	b.consumed = b.consumed[i:]
}

func classOf(bucketName string) string {
	if idx := strings.IndexByte(bucketName, ':'); idx > 0 {
		return bucketName[:idx]
	}
	return bucketName
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for rate limit budget: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
