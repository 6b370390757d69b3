package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTimeout = 10 * time.Minute

// Limiter applies a per-client token bucket across all gateway routes.
type Limiter struct {
	perSecond rate.Limit
	burst     int
	nowFn     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter builds a limiter allowing perMinute requests with the given
// burst per client.
func NewLimiter(perMinute float64, burst int) *Limiter {
	perSecond := perMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		nowFn:     time.Now,
		visitors:  make(map[string]*visitor),
	}
}

// Middleware rejects over-limit clients with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(ClientAddress(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(client string) bool {
	now := l.nowFn()
	l.mu.Lock()
	entry, ok := l.visitors[client]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[client] = entry
	}
	entry.lastSeen = now
	l.sweep(now)
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// sweep drops buckets idle past the timeout. Caller holds the mutex.
func (l *Limiter) sweep(now time.Time) {
	for client, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > visitorIdleTimeout {
			delete(l.visitors, client)
		}
	}
}

// ClientAddress extracts a stable per-client key: the first X-Forwarded-For
// hop when present, otherwise the peer address.
func ClientAddress(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
