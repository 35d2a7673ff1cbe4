package usecase

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/infra/config"
)

// EstimateTokens approximates the token cost of a prompt. Roughly four
// characters per token is close enough for admission control.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter enforces a per-client token budget refilled over a rolling
// window. Each client key gets its own bucket; idle buckets are evicted by
// a background sweep.
type ClientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	limit   rate.Limit
	burst   int

	done     chan struct{}
	stopOnce sync.Once
}

// NewClientLimiter builds a limiter from the admission config: bucket
// capacity cfg.Tokens, refilled evenly over cfg.Window.
func NewClientLimiter(cfg config.AdmissionConfig) *ClientLimiter {
	l := &ClientLimiter{
		buckets: make(map[string]*clientBucket),
		limit:   rate.Limit(float64(cfg.Tokens) / cfg.Window.Seconds()),
		burst:   cfg.Tokens,
		done:    make(chan struct{}),
	}
	go l.sweep(cfg.Window)
	return l
}

// Admit attempts to spend cost tokens from the client's bucket. When the
// budget is exhausted it returns false and how long until the reservation
// would have been satisfied. A denial spends nothing.
func (l *ClientLimiter) Admit(clientKey string, cost int) (bool, time.Duration) {
	if cost > l.burst {
		cost = l.burst
	}

	lim := l.bucketFor(clientKey)
	res := lim.ReserveN(time.Now(), cost)
	if !res.OK() {
		return false, 0
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *ClientLimiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// sweep evicts buckets idle for more than three windows.
func (l *ClientLimiter) sweep(window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * window)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the background sweep.
func (l *ClientLimiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}
