package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/comigor/tripmate/internal/config"
	"github.com/comigor/tripmate/internal/logger"
)

// anonymous owns every session when the service runs without tokens.
const anonymous = "anonymous"

// principal identifies the caller of an authenticated request.
type principal struct {
	// ID is stable per token and safe to store and show.
	ID string
	// Verified is set when the caller presented a configured token.
	Verified bool
}

type principalKey struct{}

func principalFrom(ctx context.Context) principal {
	if p, ok := ctx.Value(principalKey{}).(principal); ok {
		return p
	}
	return principal{ID: anonymous}
}

// userID derives the caller id from a token without keeping the token.
func userID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "user-" + hex.EncodeToString(sum[:8])
}

// authenticate requires one of tokens as a bearer token and records the
// caller. With no tokens configured the service is open and every caller is
// anonymous.
func authenticate(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principal{ID: anonymous}
			if len(tokens) > 0 {
				token := bearer(r)
				if !validToken(token, tokens) {
					logger.L.Warnw("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
					writeDetail(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				p = principal{ID: userID(token), Verified: true}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func validToken(got string, tokens []string) bool {
	if got == "" {
		return false
	}
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(got), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

// rateLimit throttles each client: verified callers by identity, everyone
// else by remote IP. It must run after authenticate.
func rateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	limiters := newLimiterPool(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if p := principalFrom(r.Context()); p.Verified {
				key = "user:" + p.ID
			}
			if !limiters.Allow(key) {
				logger.L.Warnw("request_rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeDetail(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one limiter per key and drops keys idle for longer than
// idleTTL.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	cfg       config.RateLimitConfig
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(cfg config.RateLimitConfig) *limiterPool {
	return &limiterPool{
		m:       make(map[string]*limiterEntry),
		cfg:     cfg,
		idleTTL: limiterIdleTTL,
		now:     time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.sweepLocked(now)
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

func (p *limiterPool) sweepLocked(now time.Time) {
	if now.Sub(p.lastSweep) < p.idleTTL {
		return
	}
	p.lastSweep = now
	for k, e := range p.m {
		if now.Sub(e.lastSeen) >= p.idleTTL {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
