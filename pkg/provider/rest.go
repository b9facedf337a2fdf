package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/logging"
)

// ErrorClass classifies upstream failures for retry decisions.
type ErrorClass string

const (
	// ErrorClassClient is a 4xx response; retrying will not help.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer is a 5xx response; usually transient.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit is a 429 response; back off longer.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork is a transport-level failure.
	ErrorClassNetwork ErrorClass = "network"
)

var restRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arb_provider_retries_total",
	Help: "Retry attempts against upstream providers by error class",
}, []string{"provider", "error_class"})

// RetryConfig holds exponential backoff parameters for upstream calls.
type RetryConfig struct {
	// MaxAttempts includes the initial request.
	MaxAttempts int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RESTConfig configures a RESTProvider.
type RESTConfig struct {
	// Name identifies the provider in plans, keys, and metrics.
	Name string

	// BaseURL is the upstream root, e.g. "https://api.example.com/v1".
	BaseURL string

	// APIKey, when set, is sent as the X-API-Key header.
	APIKey string

	// Classes restricts the supported asset classes. Empty means all.
	Classes []asset.Class

	// Timeout bounds one HTTP attempt. Defaults to 10s.
	Timeout time.Duration

	Retry RetryConfig
}

// RESTProvider adapts a JSON-over-HTTP market data API to the Provider
// interface. Responses are either a bare JSON document, taken as the
// data with server time as observation time, or an envelope
// {"as_of": ..., "data": ...}.
type RESTProvider struct {
	name    string
	baseURL string
	apiKey  string
	classes map[asset.Class]bool
	retry   RetryConfig
	http    *http.Client
	logger  zerolog.Logger
}

// NewRESTProvider creates a REST-backed provider.
func NewRESTProvider(cfg RESTConfig) (*RESTProvider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base url is required", cfg.Name)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider %s: invalid base url: %w", cfg.Name, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	var classes map[asset.Class]bool
	if len(cfg.Classes) > 0 {
		classes = make(map[asset.Class]bool, len(cfg.Classes))
		for _, c := range cfg.Classes {
			classes[c] = true
		}
	}

	return &RESTProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		classes: classes,
		retry:   cfg.Retry,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logging.NewLogger("provider." + cfg.Name),
	}, nil
}

// Name implements Provider.
func (p *RESTProvider) Name() string {
	return p.name
}

// SupportsAsset implements Provider.
func (p *RESTProvider) SupportsAsset(a asset.Asset) bool {
	if p.classes == nil {
		return true
	}
	return p.classes[a.Class]
}

// restEnvelope is the optional upstream response wrapper.
type restEnvelope struct {
	AsOf time.Time       `json:"as_of"`
	Data json.RawMessage `json:"data"`
}

// Fetch implements Provider. Transient failures (5xx, 429, transport
// errors) are retried with jittered exponential backoff; client errors
// fail immediately.
func (p *RESTProvider) Fetch(ctx context.Context, req asset.Request) (*Response, error) {
	endpoint, err := p.requestURL(req)
	if err != nil {
		return nil, NewFetchError(p.name, err)
	}

	var body []byte
	backoff := p.retry.InitialBackoff

	for attempt := 1; ; attempt++ {
		var class ErrorClass
		body, class, err = p.attempt(ctx, endpoint)
		if err == nil {
			if attempt > 1 {
				p.logger.Info().Int("attempt", attempt).Msg("upstream call succeeded after retry")
			}
			break
		}
		if class == ErrorClassClient || attempt >= p.retry.MaxAttempts {
			return nil, NewFetchError(p.name, err)
		}

		restRetries.WithLabelValues(p.name, string(class)).Inc()
		p.logger.Warn().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("upstream call failed, backing off")

		// Jitter of up to 25% avoids synchronized retries.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/4+1))
		select {
		case <-ctx.Done():
			return nil, NewTimeoutError(p.name, ctx.Err())
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * p.retry.BackoffMultiplier)
		if backoff > p.retry.MaxBackoff {
			backoff = p.retry.MaxBackoff
		}
	}

	return p.decode(body)
}

// attempt performs one HTTP round trip.
func (p *RESTProvider) attempt(ctx context.Context, endpoint string) ([]byte, ErrorClass, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, ErrorClassClient, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, ErrorClassNetwork, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, ErrorClassNetwork, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, "", nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrorClassRateLimit, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, ErrorClassServer, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return nil, ErrorClassClient, fmt.Errorf("status %d", resp.StatusCode)
	}
}

// decode interprets the upstream body, unwrapping the envelope form
// when present.
func (p *RESTProvider) decode(body []byte) (*Response, error) {
	if len(body) == 0 || !json.Valid(body) {
		return nil, NewFetchError(p.name, ErrMalformedResponse)
	}

	var env restEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		asOf := env.AsOf
		if asOf.IsZero() {
			asOf = time.Now()
		}
		return &Response{Data: env.Data, AsOf: asOf, Provider: p.name}, nil
	}

	return &Response{Data: body, AsOf: time.Now(), Provider: p.name}, nil
}

// requestURL builds the upstream URL {base}/{data_type}?symbol=...
// with any request params appended.
func (p *RESTProvider) requestURL(req asset.Request) (string, error) {
	u, err := url.Parse(p.baseURL + "/" + string(req.DataType))
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("symbol", req.Asset.Symbol)
	q.Set("class", string(req.Asset.Class))
	if req.Asset.Market != "" {
		q.Set("market", req.Asset.Market)
	}
	for k, v := range req.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Health implements Provider by probing {base}/health. A failed probe
// reports the provider down rather than erroring.
func (p *RESTProvider) Health() Health {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return Health{Status: StatusDown}
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return Health{Status: StatusDown}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return Health{Status: StatusHealthy}
	case resp.StatusCode >= 500:
		return Health{Status: StatusDown}
	default:
		return Health{Status: StatusDegraded}
	}
}
