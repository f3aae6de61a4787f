// ABOUTME: Per-worker claim throttle for POST .../claim, keyed by client IP.
// ABOUTME: Token buckets from golang.org/x/time/rate; idle workers are forgotten after a TTL.
package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// claimThrottle bounds how often each remote worker may ask for work.
type claimThrottle struct {
	perWorker rate.Limit
	burst     int
	idleTTL   time.Duration

	mu      sync.Mutex
	workers map[string]*workerBucket

	closeOnce sync.Once
	done      chan struct{}
}

type workerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClaimThrottle(perWorker rate.Limit, burst int, idleTTL time.Duration) *claimThrottle {
	ct := &claimThrottle{
		perWorker: perWorker,
		burst:     burst,
		idleTTL:   idleTTL,
		workers:   make(map[string]*workerBucket),
		done:      make(chan struct{}),
	}
	go ct.forgetIdle()
	return ct
}

// admit spends one token from the worker's bucket.
func (ct *claimThrottle) admit(worker string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	b, ok := ct.workers[worker]
	if !ok {
		b = &workerBucket{limiter: rate.NewLimiter(ct.perWorker, ct.burst)}
		ct.workers[worker] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// tracked returns the number of workers currently holding a bucket.
func (ct *claimThrottle) tracked() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.workers)
}

func (ct *claimThrottle) sweep(now time.Time) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	cutoff := now.Add(-ct.idleTTL)
	for w, b := range ct.workers {
		if b.lastSeen.Before(cutoff) {
			delete(ct.workers, w)
		}
	}
}

func (ct *claimThrottle) forgetIdle() {
	ticker := time.NewTicker(ct.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ct.done:
			return
		case now := <-ticker.C:
			ct.sweep(now)
		}
	}
}

// close stops the sweeper goroutine. Safe to call more than once.
func (ct *claimThrottle) close() {
	ct.closeOnce.Do(func() { close(ct.done) })
}

// claimRateLimit throttles POST .../claim per client address and passes
// every other request through. chi's RealIP must run first.
func (srv *Server) claimRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/claim") {
				next.ServeHTTP(w, r)
				return
			}
			worker := r.RemoteAddr
			if host, _, err := net.SplitHostPort(worker); err == nil {
				worker = host
			}
			if !srv.claims.admit(worker) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "claim rate exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
