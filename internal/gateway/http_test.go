package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

func setupHTTPClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *observer.ObservedLogs) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	core, logs := observer.New(zap.DebugLevel)
	client, err := NewHTTPClient(config.GatewayConfig{
		Mode:      "live",
		BaseURL:   server.URL,
		APIKey:    "test-gateway-key",
		Timeout:   5 * time.Second,
		RateLimit: 100,
		RateBurst: 10,
	}, zap.New(core))
	require.NoError(t, err)
	return client, logs
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(config.GatewayConfig{Mode: "live"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base URL is required")
}

func TestNewHTTPClient_LimiterGuards(t *testing.T) {
	client, err := NewHTTPClient(config.GatewayConfig{
		BaseURL:   "http://gateway.local",
		RateLimit: 0,
		RateBurst: 0,
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, rate.Inf, client.limiter.Limit())
	assert.Equal(t, 1, client.limiter.Burst())
}

func TestHTTPSearch_Registry(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer test-gateway-key", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "registry", q.Get("kind"))
		assert.Equal(t, "1234567890", q.Get("npi"))
		assert.Equal(t, "Sarah Jenkins", q.Get("full_name"))
		assert.False(t, q.Has("state"), "empty request fields must not appear in the query")
		assert.False(t, q.Has("date_of_birth"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"match": true, "npi": "1234567890", "name": "Sarah Jenkins", "credential": "MD", "specialty": "Cardiology", "status": "active"}`))
	}

	client, _ := setupHTTPClient(t, handler)
	result, err := client.Search(context.Background(), schemas.SearchRequest{
		Kind:     schemas.ResultRegistry,
		FullName: "Sarah Jenkins",
		NPI:      "1234567890",
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, schemas.ResultRegistry, result.Kind)
	assert.False(t, result.Failed)
	require.NotNil(t, result.Registry)
	assert.True(t, result.Registry.Match)
	assert.Equal(t, "Cardiology", result.Registry.Specialty)
	assert.NotEmpty(t, result.Raw)
	assert.False(t, result.ReceivedAt.IsZero())
}

func TestHTTPSearch_RejectsUnsupportedKind(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.Search(context.Background(), schemas.SearchRequest{Kind: schemas.ResultLicense})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported search kind "license"`)
	assert.Equal(t, int32(0), calls.Load(), "a rejected request must not reach the wire")
}

func TestHTTPSearch_NoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"verified": true}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(config.GatewayConfig{
		BaseURL:   server.URL,
		RateLimit: 100,
		RateBurst: 10,
	}, zap.NewNop())
	require.NoError(t, err)

	result, err := client.Search(context.Background(), schemas.SearchRequest{Kind: schemas.ResultIdentity})
	require.NoError(t, err)
	require.NotNil(t, result.Identity)
	assert.True(t, result.Identity.Verified)
}

func TestHTTPVerifyLicense(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/licenses", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "A-54321", q.Get("number"))
		assert.Equal(t, "CA", q.Get("state"))
		assert.Equal(t, "Sarah Jenkins", q.Get("holder"))

		w.Write([]byte(`{"found": true, "number": "A-54321", "state": "CA", "holder": "Sarah Jenkins", "expiration": "2027-06-30", "status": "active"}`))
	}

	client, _ := setupHTTPClient(t, handler)
	result, err := client.VerifyLicense(context.Background(), schemas.LicenseQuery{
		Number: "A-54321",
		State:  "CA",
		Holder: "Sarah Jenkins",
	})

	require.NoError(t, err)
	assert.Equal(t, schemas.ResultLicense, result.Kind)
	require.NotNil(t, result.License)
	assert.True(t, result.License.Found)
	assert.Equal(t, "2027-06-30", result.License.Expiration)
	assert.Equal(t, "active", result.License.Status)
}

func TestHTTPVerifyLicense_RequiresNumberAndState(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	testCases := []struct {
		name  string
		query schemas.LicenseQuery
	}{
		{"missing number", schemas.LicenseQuery{State: "CA"}},
		{"missing state", schemas.LicenseQuery{Number: "A-54321"}},
		{"missing both", schemas.LicenseQuery{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.VerifyLicense(context.Background(), tc.query)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "requires both number and state")
		})
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestHTTPErrorStatus(t *testing.T) {
	client, logs := setupHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	})

	_, err := client.Search(context.Background(), schemas.SearchRequest{Kind: schemas.ResultSanctions})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway: status 502")
	assert.Contains(t, err.Error(), "upstream exploded")

	warnings := logs.FilterMessage("Gateway returned error status").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, int64(502), warnings[0].ContextMap()["status"])
}

func TestHTTPTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := NewHTTPClient(config.GatewayConfig{
		BaseURL:   baseURL,
		RateLimit: 100,
		RateBurst: 10,
		Timeout:   time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Search(context.Background(), schemas.SearchRequest{Kind: schemas.ResultIdentity})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway: request failed")
}

func TestHTTPDecodeFallback_KeepsRaw(t *testing.T) {
	payload := `[1, 2, 3]`
	client, logs := setupHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	})

	result, err := client.Search(context.Background(), schemas.SearchRequest{Kind: schemas.ResultRegistry})
	require.NoError(t, err, "an undecodable payload is not a transport error")

	assert.Equal(t, schemas.ResultUnknown, result.Kind)
	assert.Nil(t, result.Registry)
	assert.JSONEq(t, payload, string(result.Raw))

	warnings := logs.FilterMessage("Gateway payload did not match the expected shape, keeping raw only").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "registry", warnings[0].ContextMap()["kind"])
}
