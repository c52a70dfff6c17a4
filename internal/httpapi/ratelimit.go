package httpapi

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/feedworks/feedgate/api"
	"github.com/feedworks/feedgate/internal/correlation"
)

const limiterIdleEviction = 2 * time.Hour
const limiterSweepInterval = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one token bucket per client IP. Entries idle past
// limiterIdleEviction are swept so the map stays bounded.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	b        int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRateLimiterStore(requestsPerHour int) *rateLimiterStore {
	s := &rateLimiterStore{
		limiters: make(map[string]*ipLimiter),
		r:        rate.Limit(float64(requestsPerHour) / 3600.0),
		b:        requestsPerHour,
		stopCh:   make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *rateLimiterStore) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for ip, l := range s.limiters {
				if time.Since(l.lastSeen) > limiterIdleEviction {
					delete(s.limiters, ip)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *rateLimiterStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

func (s *rateLimiterStore) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// limit rejects requests over the per-IP budget with 429 and a Retry-After
// hint. A nil store passes everything through.
func (h *Handler) limit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := realIP(r)
		reservation := h.limiter.get(ip).Reserve()
		if d := reservation.Delay(); d > 0 {
			// Return the token; this request is rejected, not delayed.
			reservation.Cancel()
			retryAfter := int64(math.Ceil(d.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			ctx := correlation.Ensure(r.Context())
			h.logger.Warn("http.request.rate_limited", "remote_ip", ip, "retry_after", retryAfter)
			h.writeJSON(w, http.StatusTooManyRequests, api.ErrorResponse{
				ErrorCode:     "rate_limited",
				Detail:        "request rate limit exceeded",
				CorrelationID: correlation.ID(ctx),
			}, map[string]string{"Retry-After": strconv.FormatInt(retryAfter, 10)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// realIP extracts the client IP from common proxy headers or RemoteAddr.
func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
