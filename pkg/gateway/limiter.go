// Package gateway is the request-admission layer in front of the pipeline's
// entry points: two-tier sliding-window rate limiting with quota headers, a
// process-local degraded mode when the shared counter store is unreachable,
// and unconditional pass-through when no store is configured at all.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentrails/tollgate/pkg/api"
	"github.com/agentrails/tollgate/pkg/audit"
)

// Policy bounds one identity tier.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is one admitted-or-rejected verdict with the quota view the
// client is told about.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// CounterStore is the shared sliding-window counter backend. Incr must be
// atomic: two concurrent requests from the same identity cannot both be
// admitted past the boundary count.
type CounterStore interface {
	Incr(ctx context.Context, key string, policy Policy) (Decision, error)
}

// Keyring looks up active API-key fingerprints. Key management maintains the
// underlying set; unknown or revoked fingerprints fall through to the
// anonymous tier.
type Keyring interface {
	Active(ctx context.Context, fingerprint string) (bool, error)
}

// APIKeyHeader carries the authenticated-tier credential.
const APIKeyHeader = "X-API-Key"

// Fingerprint derives the shared-lookup key for an API key. The raw key is
// never stored or logged.
func Fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:16]
}

// Limiter enforces the two admission tiers.
type Limiter struct {
	store    CounterStore
	keyring  Keyring
	auth     Policy
	anon     Policy
	fallback *FallbackLimiter
	sink     audit.Sink
	logger   *slog.Logger
}

// Config wires a Limiter.
type Config struct {
	// Store is the shared counter backend. Nil means "not configured":
	// every request passes through (local development).
	Store CounterStore
	// Keyring resolves API-key fingerprints; nil disables the
	// authenticated tier.
	Keyring Keyring
	// AuthPolicy is the higher-throughput tier for active API keys.
	AuthPolicy Policy
	// AnonPolicy is the lower-throughput tier keyed by client address.
	AnonPolicy Policy
	// Sink receives best-effort rejection events; may be nil.
	Sink   audit.Sink
	Logger *slog.Logger
}

// NewLimiter builds a limiter from cfg, filling in defaults.
func NewLimiter(cfg Config) *Limiter {
	if cfg.AuthPolicy.Limit <= 0 {
		cfg.AuthPolicy = Policy{Limit: 60, Window: time.Minute}
	}
	if cfg.AnonPolicy.Limit <= 0 {
		cfg.AnonPolicy = Policy{Limit: 10, Window: time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		store:    cfg.Store,
		keyring:  cfg.Keyring,
		auth:     cfg.AuthPolicy,
		anon:     cfg.AnonPolicy,
		fallback: NewFallbackLimiter(cfg.AnonPolicy),
		sink:     cfg.Sink,
		logger:   cfg.Logger,
	}
}

// Middleware admits or rejects each request before the wrapped handler runs.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Not configured at all: pass through unconditionally.
			if l.store == nil {
				next.ServeHTTP(w, r)
				return
			}

			identity, policy := l.identify(r)
			decision, err := l.store.Incr(r.Context(), identity, policy)
			if err != nil {
				// Degraded mode: shared store unreachable. Fall back to the
				// process-local fixed-window bucket keyed by client address
				// rather than failing open or rejecting outright.
				l.logger.Warn("gateway: counter store unreachable, using local fallback", "error", err)
				decision = l.fallback.Allow(clientAddr(r), time.Now())
			}

			writeQuotaHeaders(w, decision)
			if !decision.Allowed {
				l.reject(r, identity, decision)
				api.WriteTooManyRequests(w, retryAfterSeconds(decision))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identify derives the rate-limit identity: an active API-key fingerprint
// (tier 1) or the client network address (tier 2). Identities are recomputed
// per request and never persisted; only their counters are.
func (l *Limiter) identify(r *http.Request) (string, Policy) {
	if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" && l.keyring != nil {
		fp := Fingerprint(apiKey)
		active, err := l.keyring.Active(r.Context(), fp)
		if err != nil {
			l.logger.Warn("gateway: keyring lookup failed", "error", err)
		} else if active {
			return "rl:key:" + fp, l.auth
		}
	}
	return "rl:addr:" + clientAddr(r), l.anon
}

func (l *Limiter) reject(r *http.Request, identity string, decision Decision) {
	l.logger.Info("gateway: request rejected",
		"identity", identity,
		"path", r.URL.Path,
		"retry_after", decision.RetryAfter)
	if l.sink == nil {
		return
	}
	event := audit.NewEvent(audit.EventRateLimit, "request_rejected")
	event.Metadata = map[string]any{
		"identity":   identity,
		"path":       r.URL.Path,
		"limit":      decision.Limit,
		"retryAfter": decision.RetryAfter.Seconds(),
	}
	if err := l.sink.Emit(r.Context(), event); err != nil {
		l.logger.Warn("gateway: rejection audit failed", "error", err)
	}
}

// clientAddr is the first entry of the forwarded-address chain, or the
// direct peer address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeQuotaHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.Reset.Unix()))
}

func retryAfterSeconds(d Decision) int {
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
