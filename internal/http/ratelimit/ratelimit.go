package ratelimit

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jw6ventures/council/internal/metrics"
)

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	scope          string
	limiters       map[netip.Addr]*limiterEntry
	mu             sync.Mutex
	rate           rate.Limit
	burst          int
	idle           time.Duration
	maxEntries     int
	trustedProxies []netip.Prefix
	now            func() time.Time
	stop           chan struct{}
	stopOnce       sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPRateLimiter allows r requests per second with bursts of b per client.
// Entries idle for twice the cleanup interval are dropped. Forwarding headers
// are only honored when the peer matches one of trustedProxies (CIDRs or
// single addresses); with none configured the peer address is used as is.
func NewIPRateLimiter(scope string, r rate.Limit, b int, cleanup time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		scope:          scope,
		limiters:       make(map[netip.Addr]*limiterEntry),
		rate:           r,
		burst:          b,
		idle:           2 * cleanup,
		maxEntries:     10000,
		trustedProxies: ParseTrustedProxies(trustedProxies),
		now:            time.Now,
		stop:           make(chan struct{}),
	}
	go l.cleanupStale(cleanup)
	return l
}

// ParseTrustedProxies accepts CIDRs and bare addresses; invalid items are skipped.
func ParseTrustedProxies(items []string) []netip.Prefix {
	var out []netip.Prefix
	for _, item := range items {
		item = strings.TrimSpace(item)
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(item); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// Stop ends the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *IPRateLimiter) getLimiter(ip netip.Addr) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, exists := l.limiters[ip]
	if !exists {
		if len(l.limiters) >= l.maxEntries {
			l.evictOldest()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

func (l *IPRateLimiter) evictOldest() {
	var oldest netip.Addr
	var oldestTime time.Time
	for ip, entry := range l.limiters {
		if !oldest.IsValid() || entry.lastAccess.Before(oldestTime) {
			oldest = ip
			oldestTime = entry.lastAccess
		}
	}
	if oldest.IsValid() {
		delete(l.limiters, oldest)
	}
}

func (l *IPRateLimiter) cleanupStale(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *IPRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for ip, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// Middleware answers 429 with Retry-After once a client's bucket is empty.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := l.getLimiter(l.ClientIP(r))

			res := limiter.ReserveN(l.now(), 1)
			if delay := res.DelayFrom(l.now()); !res.OK() || delay > 0 {
				res.CancelAt(l.now())
				metrics.RateLimited(l.scope)
				retry := 1
				if res.OK() && delay > time.Second {
					retry = int(math.Ceil(delay.Seconds()))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address the request is attributed to. X-Forwarded-For
// is walked from the right, skipping trusted proxies, so a client cannot
// choose its own bucket by prepending entries.
func (l *IPRateLimiter) ClientIP(r *http.Request) netip.Addr {
	peer := parseAddr(r.RemoteAddr)
	if !l.trusted(peer) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := parseAddr(strings.TrimSpace(hops[i]))
			if !hop.IsValid() {
				break
			}
			if !l.trusted(hop) {
				return hop
			}
		}
	}

	if xri := parseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); xri.IsValid() {
		return xri
	}
	return peer
}

func (l *IPRateLimiter) trusted(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, p := range l.trustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func parseAddr(addr string) netip.Addr {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap()
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}
