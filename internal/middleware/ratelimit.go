package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"pgp-vault-service/pkg/httputil"
)

// limiterTTL を超えて使われていないバケットは破棄する。
const limiterTTL = 10 * time.Minute

// RateLimiter はキーごとのトークンバケットを保持する。
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	entries   map[string]*limiterBucket
	lastSweep time.Time
	now       func() time.Time
}

type limiterBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter は1分あたりperMinute回、最大burst回まで連続で許可するRateLimiterを生成する。
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		ttl:     limiterTTL,
		entries: make(map[string]*limiterBucket),
		now:     time.Now,
	}
}

// Allow はkeyのリクエストを許可するかを返す。
func (l *RateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entries[key]
	if b == nil {
		b = &limiterBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = b
	}
	b.lastSeen = now

	if now.Sub(l.lastSweep) > l.ttl {
		for k, v := range l.entries {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}
	return b.lim.AllowN(now, 1)
}

// retryAfter はトークン1つが補充されるまでの秒数。
func (l *RateLimiter) retryAfter() int {
	if l.limit <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(l.limit)))
}

// Middleware はセッションのアイデンティティ単位で流量を制限する。
// セッションがない場合は接続元IPで制限する。
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !l.Allow(key) {
			slog.WarnContext(r.Context(), "rate limit exceeded",
				"request_id", chimiddleware.GetReqID(r.Context()),
				"client", key,
			)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			httputil.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if s := SessionFromContext(r.Context()); s != nil {
		return "identity:" + s.TenantID + "/" + s.IdentityID
	}
	// RealIPミドルウェアがRemoteAddrを書き換える
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
