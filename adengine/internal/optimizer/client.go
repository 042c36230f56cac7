// Package optimizer asks a remote scoring service to choose ads for a slot.
// The client never fails a serve request: every failure (network, non-2xx,
// explicit error, unknown response shape, open breaker, rate limit) becomes
// "no answer" and the caller falls back to local selection.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/adserve/adengine/internal/model"
	"github.com/hazyhaar/adserve/connectivity"
	"github.com/hazyhaar/adserve/horosafe"
)

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 10 * time.Second

// PriorStat is an eligible ad's counters as sent to the optimizer.
type PriorStat struct {
	AdID        string  `json:"ad_id"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Alpha       float64 `json:"alpha"`
	Beta        float64 `json:"beta"`
	CTRMean     float64 `json:"ctr_mean"`
}

// NewPriorStat derives the wire form from AdStats.
func NewPriorStat(adID string, st model.AdStats) PriorStat {
	return PriorStat{
		AdID:        adID,
		Impressions: st.Impressions,
		Clicks:      st.Clicks,
		Alpha:       st.Alpha,
		Beta:        st.Beta,
		CTRMean:     st.Mean(),
	}
}

// Request is the optimizer payload. Empty arrays are omitted at every level.
type Request struct {
	PageContext model.PageContext `json:"page_context"`
	UserContext model.UserContext `json:"user_context"`
	EligibleAds []model.Ad        `json:"eligible_ads,omitempty"`
	PriorStats  []PriorStat       `json:"prior_stats,omitempty"`
	Config      model.Tunables    `json:"config"`
}

// Config configures a Client.
type Config struct {
	URL     string
	Timeout time.Duration
	Retry   connectivity.RetryPolicy
	// RatePerSec limits outbound calls; 0 disables the limiter.
	RatePerSec float64
	Burst      int
	// BreakerThreshold consecutive failures open the breaker for
	// BreakerReset; 0 disables the breaker.
	BreakerThreshold int
	BreakerReset     time.Duration
	// AllowPrivate permits loopback and private endpoints.
	AllowPrivate bool
}

// Client calls the optimizer. A nil *Client is valid and never answers.
type Client struct {
	url     string
	timeout time.Duration
	retry   connectivity.RetryPolicy
	http    *http.Client
	limiter *rate.Limiter
	breaker *connectivity.CircuitBreaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New validates the endpoint and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.AllowPrivate {
		if _, err := horosafe.ValidateScheme(cfg.URL); err != nil {
			return nil, fmt.Errorf("optimizer: endpoint: %w", err)
		}
	} else if err := horosafe.ValidateURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("optimizer: endpoint: %w", err)
	}

	c := &Client{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.retry.MaxAttempts <= 0 {
		def := connectivity.DefaultRetryPolicy()
		def.Sleep = c.retry.Sleep
		c.retry = def
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if cfg.BreakerThreshold > 0 {
		bopts := []connectivity.BreakerOption{
			connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
			connectivity.WithBreakerStateHook(func(from, to connectivity.BreakerState) {
				c.logger.Warn("optimizer: breaker state changed", "from", from.String(), "to", to.String())
			}),
		}
		if cfg.BreakerReset > 0 {
			bopts = append(bopts, connectivity.WithBreakerResetTimeout(cfg.BreakerReset))
		}
		c.breaker = connectivity.NewCircuitBreaker(bopts...)
	}
	for _, o := range opts {
		o(c)
	}
	c.retry.Logger = c.logger
	return c, nil
}

// BreakerState reports the breaker state, "disabled" without one.
func (c *Client) BreakerState() string {
	if c == nil || c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Choose asks the optimizer for up to three ads. ok is false when there is
// no usable answer; the reason is logged, never returned.
func (c *Client) Choose(ctx context.Context, req Request) (ans Answer, ok bool) {
	if c == nil {
		return Answer{}, false
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.WarnContext(ctx, "optimizer: rate limited, falling back")
		return Answer{}, false
	}

	body, err := json.Marshal(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "optimizer: marshal request", "error", err)
		return Answer{}, false
	}

	start := time.Now()
	err = c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		call := func() error {
			var err error
			ans, err = c.post(ctx, body)
			return err
		}
		if c.breaker == nil {
			return call()
		}
		return c.breaker.Guard("optimizer", call)
	})
	if err != nil {
		var exhausted *connectivity.ErrAttemptsExhausted
		attempts := 0
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
		}
		c.logger.WarnContext(ctx, "optimizer: no answer, falling back",
			"attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return Answer{}, false
	}
	c.logger.DebugContext(ctx, "optimizer: answered",
		"shape", ans.Shape.String(),
		"chosen", len(ans.Chosen),
		"duration_ms", time.Since(start).Milliseconds())
	return ans, true
}

func (c *Client) post(ctx context.Context, body []byte) (Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Answer{}, err
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return Answer{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Answer{}, fmt.Errorf("optimizer: status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return ParseAnswer(data)
}
