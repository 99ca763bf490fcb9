package api

import (
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crowd-nav/internal/observability"
)

// Budget selects which per-client token bucket a request is charged to.
type Budget int

const (
	// BudgetRequest covers every API request.
	BudgetRequest Budget = iota
	// BudgetTarget covers calls that feed the engine's target queue: agent
	// spawns, target changes and websocket target commands.
	BudgetTarget
	numBudgets
)

func (b Budget) String() string {
	switch b {
	case BudgetRequest:
		return "request"
	case BudgetTarget:
		return "target"
	}
	return "unknown"
}

// rejectReason is the connection_rejected_total label for a budget.
func (b Budget) rejectReason() string {
	if b == BudgetTarget {
		return "target_rate_limit"
	}
	return "rate_limit"
}

// RateLimitConfig sets the per-client budgets. Zero fields take defaults.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	TargetsPerSecond  float64
	TargetBurst       int
	// TrustProxy makes ClientIP read X-Forwarded-For and X-Real-IP.
	TrustProxy bool
	// IdleTTL forgets a client after this long without traffic.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig matches the server section defaults
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 20,
	Burst:             40,
	TargetsPerSecond:  5,
	TargetBurst:       10,
	IdleTTL:           10 * time.Minute,
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := DefaultRateLimitConfig
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = def.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.TargetsPerSecond <= 0 {
		c.TargetsPerSecond = def.TargetsPerSecond
	}
	if c.TargetBurst <= 0 {
		c.TargetBurst = def.TargetBurst
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = def.IdleTTL
	}
	return c
}

// BudgetStats counts decisions for one budget.
type BudgetStats struct {
	Allowed  uint64 `json:"allowed" msgpack:"allowed"`
	Rejected uint64 `json:"rejected" msgpack:"rejected"`
}

// RateLimitStats is the limiter block of /api/stats.
type RateLimitStats struct {
	Clients   int         `json:"clients" msgpack:"clients"`
	Requests  BudgetStats `json:"requests" msgpack:"requests"`
	Targets   BudgetStats `json:"targets" msgpack:"targets"`
	WebSocket ConnStats   `json:"websocket" msgpack:"websocket"`
}

type clientBuckets struct {
	limiters [numBudgets]*rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per budget for every client address.
type ClientLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientBuckets

	allowed  [numBudgets]atomic.Uint64
	rejected [numBudgets]atomic.Uint64

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewClientLimiter creates the limiter and starts its idle sweep; Stop ends it.
func NewClientLimiter(cfg RateLimitConfig) *ClientLimiter {
	l := &ClientLimiter{
		cfg:      cfg.withDefaults(),
		clients:  make(map[string]*clientBuckets),
		stopChan: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Config returns the effective configuration.
func (l *ClientLimiter) Config() RateLimitConfig { return l.cfg }

// Stop ends the idle sweep.
func (l *ClientLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *ClientLimiter) bucket(ip string, b Budget, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &clientBuckets{}
		c.limiters[BudgetRequest] = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		c.limiters[BudgetTarget] = rate.NewLimiter(rate.Limit(l.cfg.TargetsPerSecond), l.cfg.TargetBurst)
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiters[b]
}

// Take spends one token of ip's budget b. An empty bucket is left untouched
// and Take reports how long until the next token.
func (l *ClientLimiter) Take(ip string, b Budget) (bool, time.Duration) {
	now := time.Now()
	res := l.bucket(ip, b, now).ReserveN(now, 1)
	if !res.OK() {
		l.rejected[b].Add(1)
		return false, l.cfg.IdleTTL
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		l.rejected[b].Add(1)
		return false, wait
	}
	l.allowed[b].Add(1)
	return true, 0
}

// Limit returns middleware charging each request to budget b. Rejected
// requests get 429 with a Retry-After in whole seconds.
func (l *ClientLimiter) Limit(b Budget) func(http.Handler) http.Handler {
	reason := b.rejectReason()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := l.Take(l.ClientIP(r), b)
			if !ok {
				observability.RecordConnectionRejected(reason)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, "Too many "+b.String()+" requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *ClientLimiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// sweep forgets clients idle for longer than IdleTTL and returns how many remain.
func (l *ClientLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
	n := len(l.clients)
	l.mu.Unlock()

	observability.UpdateRateLimitClients(n)
	return n
}

// Stats returns the tracked client count and per-budget decisions. The
// websocket block is filled in by the caller.
func (l *ClientLimiter) Stats() RateLimitStats {
	l.mu.Lock()
	n := len(l.clients)
	l.mu.Unlock()

	return RateLimitStats{
		Clients:  n,
		Requests: BudgetStats{Allowed: l.allowed[BudgetRequest].Load(), Rejected: l.rejected[BudgetRequest].Load()},
		Targets:  BudgetStats{Allowed: l.allowed[BudgetTarget].Load(), Rejected: l.rejected[BudgetTarget].Load()},
	}
}

// ClientIP returns the address a request is charged to. A nil limiter
// uses the socket address.
func (l *ClientLimiter) ClientIP(r *http.Request) string {
	return clientIP(r, l != nil && l.cfg.TrustProxy)
}

// clientIP reads forwarding headers only when trustProxy is set, and only
// when they hold a parseable address.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.String()
			}
		}
		if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return addr.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var (
	errConnTotal = errors.New("websocket connection limit reached")
	errConnPerIP = errors.New("too many websocket connections from this address")
)

// ConnStats is the websocket block of RateLimitStats.
type ConnStats struct {
	Active   int    `json:"active" msgpack:"active"`
	Clients  int    `json:"clients" msgpack:"clients"`
	Rejected uint64 `json:"rejected" msgpack:"rejected"`
}

// ConnLimiter caps concurrent websocket connections overall and per address.
type ConnLimiter struct {
	maxTotal int
	maxPerIP int

	mu       sync.Mutex
	perIP    map[string]int
	total    int
	rejected uint64
}

// NewConnLimiter creates a limiter admitting maxTotal connections, at most
// maxPerIP from one address.
func NewConnLimiter(maxTotal, maxPerIP int) *ConnLimiter {
	return &ConnLimiter{
		maxTotal: maxTotal,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
	}
}

// Acquire reserves a slot for ip. Each successful Acquire needs one Release.
func (c *ConnLimiter) Acquire(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total >= c.maxTotal {
		c.rejected++
		return errConnTotal
	}
	if c.perIP[ip] >= c.maxPerIP {
		c.rejected++
		return errConnPerIP
	}
	c.perIP[ip]++
	c.total++
	return nil
}

// Release frees a slot. An address with no open connections is forgotten.
func (c *ConnLimiter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.perIP[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.perIP, ip)
	} else {
		c.perIP[ip] = n - 1
	}
	c.total--
}

// Stats returns open connections, distinct addresses and rejections.
func (c *ConnLimiter) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{Active: c.total, Clients: len(c.perIP), Rejected: c.rejected}
}

// DefaultOrigins allows local development front-ends on any port.
var DefaultOrigins = []string{
	"http://localhost:*",
	"http://127.0.0.1:*",
}

// IsAllowedOrigin checks origin against an allow list. Entries may end in
// "*" to match any suffix (e.g. any port). "*" alone allows everything.
func IsAllowedOrigin(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
