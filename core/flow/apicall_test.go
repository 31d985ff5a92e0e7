package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/salesbot/core/model"
)

func TestInvokePostResolvesParamsAndCaptures(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quote":{"price":12.5,"currency":"EUR"},"sku":"SKU-9"}`))
	}))
	defer srv.Close()

	inv := newAPIInvoker(srv.Client())
	cfg := &model.APIConfig{
		Provider: model.APIProviderHTTP,
		Endpoint: srv.URL,
		Method:   http.MethodPost,
		Params: map[string]any{
			"sku":      "$.inquiry",
			"quantity": 200,
			"static":   "wholesale",
		},
		Capture: map[string]string{
			"price":    "$.quote.price",
			"currency": "$.quote.currency",
			"missing":  "$.quote.discount",
		},
	}

	captured, err := inv.invoke(context.Background(), cfg, map[string]any{"inquiry": "SKU-9"})
	require.NoError(t, err)

	assert.Equal(t, "SKU-9", received["sku"])
	assert.Equal(t, float64(200), received["quantity"])
	assert.Equal(t, "wholesale", received["static"])

	assert.Equal(t, 12.5, captured["price"])
	assert.Equal(t, "EUR", captured["currency"])
	assert.NotContains(t, captured, "missing", "unresolvable capture paths stay unset")
}

func TestInvokeGetUsesQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "SKU-9", r.URL.Query().Get("sku"))
		w.Write([]byte(`{"in_stock":true}`))
	}))
	defer srv.Close()

	inv := newAPIInvoker(srv.Client())
	cfg := &model.APIConfig{
		Provider: model.APIProviderHTTP,
		Endpoint: srv.URL,
		Method:   http.MethodGet,
		Params:   map[string]any{"sku": "$.inquiry"},
		Capture:  map[string]string{"inStock": "$.in_stock"},
	}

	captured, err := inv.invoke(context.Background(), cfg, map[string]any{"inquiry": "SKU-9"})
	require.NoError(t, err)
	assert.Equal(t, true, captured["inStock"])
}

func TestInvokeNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := newAPIInvoker(srv.Client())
	cfg := &model.APIConfig{
		Provider: model.APIProviderHTTP,
		Endpoint: srv.URL,
		Method:   http.MethodPost,
	}

	_, err := inv.invoke(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestResolveParamsNestedAndLiteral(t *testing.T) {
	data := map[string]any{"contact": map[string]any{"name": "ACME"}}
	out := resolveParams(map[string]any{
		"outer": map[string]any{
			"name": "$.contact.name",
		},
		"plain":      "unchanged",
		"unresolved": "$.nope.deep",
	}, data)

	nested, ok := out["outer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ACME", nested["name"])
	assert.Equal(t, "unchanged", out["plain"])
	assert.Equal(t, "$.nope.deep", out["unresolved"], "failed lookups keep the literal value")
}
