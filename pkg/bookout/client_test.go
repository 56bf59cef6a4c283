package bookout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookout-recon/internal/resilience"
)

func TestGetBaseValuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/valuations/base", r.URL.Path)
		assert.Equal(t, "1HGCM82633A004352", r.URL.Query().Get("vin"))
		assert.Equal(t, "42000", r.URL.Query().Get("mileage"))
		assert.Equal(t, "94107", r.URL.Query().Get("region"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"vin": "1HGCM82633A004352",
			"base": {"clean_trade": 20000, "average_trade": "18,500", "rough_trade": null, "clean_retail": 23000.4, "loan": "n/a"},
			"adjusted": {"clean_trade": 20450},
			"mileage_adjustment": -350
		}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL+"/v1"))
	got, err := c.GetBaseValuation(context.Background(), BaseRequest{VIN: "1HGCM82633A004352", Mileage: 42000, Region: "94107"})
	require.NoError(t, err)

	assert.Equal(t, int64(20000), got.Base.CleanTrade.Int())
	assert.Equal(t, int64(18500), got.Base.AverageTrade.Int())
	assert.False(t, got.Base.RoughTrade.Valid)
	assert.Equal(t, int64(23000), got.Base.CleanRetail.Int())
	assert.False(t, got.Base.Loan.Valid)
	assert.Equal(t, int64(0), got.Base.Loan.Int())
	assert.Equal(t, int64(20450), got.Adjusted.CleanTrade.Int())
	assert.False(t, got.Adjusted.CleanRetail.Valid)
	assert.Equal(t, int64(-350), got.MileageAdjustment.Int())
}

func TestBaseURLCarriesVersion(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"vin":"V","base":{"clean_trade":1,"clean_retail":1,"loan":1},"accessories":[]}`))
	}))
	defer srv.Close()

	for _, base := range []string{srv.URL + "/v1", srv.URL + "/v1/"} {
		c := NewClient("k", WithBaseURL(base), WithRateLimit(0, 0))
		_, err := c.GetBaseValuation(context.Background(), BaseRequest{VIN: "V"})
		require.NoError(t, err)
		_, err = c.GetAccessoryPricing(context.Background(), "V")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"/v1/valuations/base", "/v1/valuations/accessories",
		"/v1/valuations/base", "/v1/valuations/accessories",
	}, paths)
}

func TestGetAccessoryPricing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/valuations/accessories", r.URL.Path)
		_, _ = w.Write([]byte(`{"vin":"V","accessories":[
			{"code":"SUNROOF","trade_adjustment":500,"retail_adjustment":"600","loan_adjustment":400,"included_in_base":false},
			{"code":"NAV","trade_adjustment":300,"included_in_base":"yes"},
			{"code":"TOW","trade_adjustment":{"bad":true},"included_in_base":1}
		]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL+"/v1/"))
	got, err := c.GetAccessoryPricing(context.Background(), "V")
	require.NoError(t, err)
	require.Len(t, got.Accessories, 3)
	assert.Equal(t, int64(600), got.Accessories[0].RetailAdjustment.Int())
	assert.False(t, bool(got.Accessories[0].IncludedInBase))
	assert.True(t, bool(got.Accessories[1].IncludedInBase))
	assert.False(t, got.Accessories[2].TradeAdjustment.Valid)
	assert.True(t, bool(got.Accessories[2].IncludedInBase))
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantContains  string
	}{
		{"server_error", http.StatusServiceUnavailable, `{"error":"down"}`, true, "unexpected status 503"},
		{"rate_limited", http.StatusTooManyRequests, ``, true, "unexpected status 429"},
		{"not_found", http.StatusNotFound, `{"error":"unknown vin"}`, false, "unexpected status 404"},
		{"malformed", http.StatusOK, `{"vin":`, false, "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("k", WithBaseURL(srv.URL))
			_, err := c.GetBaseValuation(context.Background(), BaseRequest{VIN: "V"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantContains)
			assert.Equal(t, tt.wantTransient, resilience.IsTransient(err))
		})
	}
}

func TestClient_MissingVIN(t *testing.T) {
	c := NewClient("k")
	_, err := c.GetBaseValuation(context.Background(), BaseRequest{})
	assert.Error(t, err)
	_, err = c.GetAccessoryPricing(context.Background(), "")
	assert.Error(t, err)
}

func TestClient_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0, 0))
	_, err := c.GetAccessoryPricing(ctx, "V")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
}

func TestFlexInt(t *testing.T) {
	tests := []struct {
		in    string
		want  int64
		valid bool
	}{
		{`1200`, 1200, true},
		{`-75`, -75, true},
		{`99.6`, 100, true},
		{`"2,450"`, 2450, true},
		{`"$310"`, 310, true},
		{`null`, 0, false},
		{`"abc"`, 0, false},
		{`true`, 0, false},
		{`[1]`, 0, false},
		{`1e300`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f FlexInt
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, f.Int())
			assert.Equal(t, tt.valid, f.Valid)
		})
	}
}

func TestFlexInt_Marshal(t *testing.T) {
	b, err := json.Marshal(struct {
		A FlexInt `json:"a"`
		B FlexInt `json:"b"`
	}{A: FlexInt{Value: 5, Valid: true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":5,"b":null}`, string(b))
}
