package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

// HTTPClient is the live gateway client. All sources sit behind one base URL;
// a shared limiter keeps the request rate inside the service contract.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPClient initializes the live client from configuration.
func NewHTTPClient(cfg config.GatewayConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required in live mode")
	}

	// A non-positive limit disables throttling instead of blocking forever.
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("gateway.http"),
	}, nil
}

// Search implements Client.
func (c *HTTPClient) Search(ctx context.Context, req schemas.SearchRequest) (*schemas.GatewayResult, error) {
	switch req.Kind {
	case schemas.ResultIdentity, schemas.ResultRegistry, schemas.ResultSanctions:
	default:
		return nil, fmt.Errorf("gateway: unsupported search kind %q", req.Kind)
	}

	params := url.Values{}
	params.Set("kind", string(req.Kind))
	setIfPresent(params, "full_name", req.FullName)
	setIfPresent(params, "npi", req.NPI)
	setIfPresent(params, "state", req.State)
	setIfPresent(params, "specialty", req.Specialty)
	setIfPresent(params, "date_of_birth", req.DateOfBirth)

	body, err := c.get(ctx, "/v1/search", params)
	if err != nil {
		return nil, err
	}
	return decodeResult(req.Kind, body, c.logger), nil
}

// VerifyLicense implements Client.
func (c *HTTPClient) VerifyLicense(ctx context.Context, q schemas.LicenseQuery) (*schemas.GatewayResult, error) {
	if q.Number == "" || q.State == "" {
		return nil, fmt.Errorf("gateway: license query requires both number and state")
	}

	params := url.Values{}
	params.Set("number", q.Number)
	params.Set("state", q.State)
	setIfPresent(params, "holder", q.Holder)

	body, err := c.get(ctx, "/v1/licenses", params)
	if err != nil {
		return nil, err
	}
	return decodeResult(schemas.ResultLicense, body, c.logger), nil
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("gateway: rate limit wait aborted: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Gateway returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("gateway: status %d, body: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("Gateway call complete",
		zap.String("path", path),
		zap.Duration("duration", time.Since(startTime)))
	return body, nil
}

func setIfPresent(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

// decodeResult builds the tagged result. The raw bytes are always kept; a
// payload that does not match the expected shape downgrades the result to
// the unknown kind rather than failing the call.
func decodeResult(kind schemas.ResultKind, body []byte, logger *zap.Logger) *schemas.GatewayResult {
	result := &schemas.GatewayResult{
		Kind:       kind,
		Raw:        json.RawMessage(append([]byte(nil), body...)),
		ReceivedAt: time.Now().UTC(),
	}

	var decodeErr error
	switch kind {
	case schemas.ResultIdentity:
		payload := &schemas.IdentityResult{}
		if decodeErr = json.Unmarshal(body, payload); decodeErr == nil {
			result.Identity = payload
		}
	case schemas.ResultRegistry:
		payload := &schemas.RegistryResult{}
		if decodeErr = json.Unmarshal(body, payload); decodeErr == nil {
			result.Registry = payload
		}
	case schemas.ResultLicense:
		payload := &schemas.LicenseResult{}
		if decodeErr = json.Unmarshal(body, payload); decodeErr == nil {
			result.License = payload
		}
	case schemas.ResultSanctions:
		payload := &schemas.SanctionsResult{}
		if decodeErr = json.Unmarshal(body, payload); decodeErr == nil {
			result.Sanctions = payload
		}
	default:
		decodeErr = fmt.Errorf("no typed payload for kind %q", kind)
	}

	if decodeErr != nil {
		logger.Warn("Gateway payload did not match the expected shape, keeping raw only",
			zap.String("kind", string(kind)),
			zap.Error(decodeErr))
		result.Kind = schemas.ResultUnknown
	}
	return result
}
