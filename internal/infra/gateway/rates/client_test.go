package rates_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvantpay/tally/internal/infra/gateway/rates"
)

func TestStatic_Rate(t *testing.T) {
	source := rates.NewStatic(map[string]decimal.Decimal{
		"eur:usd": decimal.RequireFromString("1.0850"),
	})
	ctx := context.Background()

	rate, err := source.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0850")))

	// Lookup is case-insensitive on both sides.
	rate, err = source.Rate(ctx, "eur", "usd")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0850")))

	_, err = source.Rate(ctx, "EUR", "GBP")
	require.Error(t, err)
}

func TestClient_Rate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rates", r.URL.Path)
		switch r.URL.Query().Get("quote") {
		case "USD":
			json.NewEncoder(w).Encode(map[string]string{"rate": "1.0850"})
		case "GBP":
			w.WriteHeader(http.StatusNotFound)
		case "XXX":
			json.NewEncoder(w).Encode(map[string]string{"rate": "-1"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := rates.NewClient(server.URL, time.Second)
	ctx := context.Background()

	rate, err := client.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0850")))

	_, err = client.Rate(ctx, "EUR", "GBP")
	require.Error(t, err)

	_, err = client.Rate(ctx, "EUR", "XXX")
	require.Error(t, err)

	_, err = client.Rate(ctx, "EUR", "JPY")
	require.Error(t, err)
}

func TestFallback_DegradesToSecondary(t *testing.T) {
	var primaryDown bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if primaryDown {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"rate": "1.10"})
	}))
	defer server.Close()

	static := rates.NewStatic(map[string]decimal.Decimal{
		"EUR:USD": decimal.RequireFromString("1.0850"),
	})
	source := rates.NewFallback(rates.NewClient(server.URL, time.Second), static)
	ctx := context.Background()

	rate, err := source.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.10")))

	primaryDown = true
	rate, err = source.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0850")))
}
