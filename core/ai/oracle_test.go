package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOracleParsesIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "need 200 units of SKU-9", req["text"])

		_ = json.NewEncoder(w).Encode(IntentResult{
			Intent:     "bulk_order",
			Confidence: 0.92,
			Entities:   map[string]any{"sku": "SKU-9"},
		})
	}))
	defer srv.Close()

	oracle := New(Options{Endpoint: srv.URL, APIKey: "sekret", Timeout: 2 * time.Second})
	result, err := oracle.ParseIntent(context.Background(), "need 200 units of SKU-9")
	require.NoError(t, err)
	assert.Equal(t, "bulk_order", result.Intent)
	assert.InDelta(t, 0.92, result.Confidence, 1e-9)
	assert.Equal(t, "SKU-9", result.Entities["sku"])
}

func TestHTTPOracleNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	oracle := New(Options{Endpoint: srv.URL})
	_, err := oracle.ParseIntent(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestHTTPOracleMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not-json"))
	}))
	defer srv.Close()

	oracle := New(Options{Endpoint: srv.URL})
	_, err := oracle.ParseIntent(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestDisabledOracle(t *testing.T) {
	oracle := New(Options{})
	_, err := oracle.ParseIntent(context.Background(), "hi")
	require.ErrorIs(t, err, ErrDisabled)
}
