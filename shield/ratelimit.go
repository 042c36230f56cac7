package shield

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig allows MaxRequests per WindowSeconds for one endpoint. A
// client may burst the whole allowance at once; it then refills evenly over
// the window.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests" json:"max_requests"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

func (c RateLimitConfig) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c RateLimitConfig) limit() rate.Limit {
	return rate.Limit(float64(c.MaxRequests) / float64(c.WindowSeconds))
}

type clientBucket struct {
	lim      *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (client IP, endpoint). Rules are
// keyed by "METHOD /path"; endpoints without a rule pass through. The client
// IP is the RemoteAddr host, so put chi's middleware.RealIP in front when
// running behind a proxy.
type RateLimiter struct {
	rules   map[string]RateLimitConfig
	buckets sync.Map // "ip|endpoint" -> *clientBucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter. Rules with a non-positive limit or window
// are dropped.
func NewRateLimiter(rules map[string]RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{rules: make(map[string]RateLimitConfig, len(rules)), now: time.Now}
	for ep, cfg := range rules {
		if cfg.MaxRequests > 0 && cfg.WindowSeconds > 0 {
			rl.rules[ep] = cfg
		}
	}
	return rl
}

// StartGC forgets idle clients every interval until done is closed. A bucket
// idle for a full window is full again, so dropping it changes nothing.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		_, endpoint, _ := strings.Cut(key.(string), "|")
		b := value.(*clientBucket)
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) > rl.rules[endpoint].window()
		b.mu.Unlock()
		if idle {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// allow reports whether the request may proceed and, when it may not, how
// long until the next token.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	cfg, ok := rl.rules[endpoint]
	if !ok {
		return true, 0
	}
	now := rl.now()
	v, _ := rl.buckets.LoadOrStore(ip+"|"+endpoint, &clientBucket{
		lim: rate.NewLimiter(cfg.limit(), cfg.MaxRequests),
	})
	b := v.(*clientBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now
	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - b.lim.TokensAt(now)
	return false, time.Duration(missing / float64(cfg.limit()) * float64(time.Second))
}

// Middleware answers 429 with a JSON body and Retry-After once a client has
// spent its allowance.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ClientIP(r)
		ok, wait := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint, "retry_after", wait)
		secs := max(1, int(math.Ceil(wait.Round(time.Millisecond).Seconds())))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
