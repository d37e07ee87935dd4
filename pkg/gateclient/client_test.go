package gateclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_ = json.NewEncoder(w).Encode(Resource{ID: "del_1", State: "PENDING"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "pk_test")
	_, err := c.CreateDelivery(context.Background(), CreateDeliveryRequest{})
	require.NoError(t, err)

	assert.Equal(t, "Bearer pk_test", got.Get("Authorization"))
	assert.NotEmpty(t, got.Get("Idempotency-Key"))
	assert.NotEmpty(t, got.Get("X-Timestamp"))
	assert.NotEmpty(t, got.Get("X-Nonce"))
}

func TestRetryOnConflictKeepsIdempotencyKey(t *testing.T) {
	var keys []string
	var nonces []string
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		nonces = append(nonces, r.Header.Get("X-Nonce"))
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "conflict",
				"message": "resource changed concurrently",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(Resource{ID: "del_1", State: "ACCEPTED"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "pk_test")
	r, err := c.TransitionDelivery(context.Background(), "del_1", "ACCEPTED")
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", r.State)
	require.Len(t, keys, 2)

	// Same logical operation, fresh nonce.
	assert.Equal(t, keys[0], keys[1])
	assert.NotEqual(t, nonces[0], nonces[1])
}

func TestNoRetryOnStableErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "forbidden",
			"message": "not allowed to perform this transition",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "pk_test")
	_, err := c.TransitionDelivery(context.Background(), "del_1", "ACCEPTED")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "forbidden", ge.Code)
	assert.False(t, ge.IsConflict())
}

func TestConflictRetriesExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "conflict", "message": "busy"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "pk_test")
	c.MaxRetries = 1
	retries := 0
	c.OnRetry = func(attempt int, err error) { retries++ }

	_, err := c.TransitionPayment(context.Background(), "pay_1", "COMPLETED")
	require.Error(t, err)
	assert.Equal(t, 1, retries)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.IsConflict())
}

func TestGetResource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay_1", r.URL.Path)
		assert.Empty(t, r.Header.Get("Idempotency-Key"), "reads carry no idempotency key")
		_ = json.NewEncoder(w).Encode(Resource{ID: "pay_1", Kind: "payment", State: "PROCESSING"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "pk_test")
	r, err := c.GetPayment(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", r.State)
}

func TestParseError_NonJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "pk_test")
	_, err := c.GetDelivery(context.Background(), "del_1")
	require.Error(t, err)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "http_error", ge.Code)
	assert.Contains(t, ge.Message, "upstream timeout")
}
