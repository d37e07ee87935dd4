// Package gateclient implements a small HTTP client for the gate API.
// It handles the integrity headers (timestamp, nonce, idempotency key)
// so callers can issue safe retries without thinking about them.
package gateclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Resource is a delivery or payment as returned by the gate.
type Resource struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	CustomerID string    `json:"customerId"`
	CourierID  string    `json:"courierId,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Total      string    `json:"total,omitempty"`
	DeliveryID string    `json:"deliveryId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateDeliveryRequest is the body for POST /v1/deliveries.
type CreateDeliveryRequest struct {
	CustomerID string `json:"customerId,omitempty"`
	CourierID  string `json:"courierId,omitempty"`
}

// CreatePaymentRequest is the body for POST /v1/payments.
type CreatePaymentRequest struct {
	DeliveryID string `json:"deliveryId"`
	CustomerID string `json:"customerId,omitempty"`
	Amount     string `json:"amount"`
	Total      string `json:"total"`
}

// Error represents an error response from the gate.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConflict reports whether the error is a concurrent-modification
// conflict that a caller may resolve by re-reading and retrying.
func (e *Error) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// ParseError extracts the error payload from a non-2xx response.
func ParseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	e := &Error{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, e); err != nil || e.Code == "" {
		e.Code = "http_error"
		e.Message = fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))
	}
	return e
}

// Replayed reports whether a response was served from the idempotency
// cache rather than executed fresh.
func Replayed(resp *http.Response) bool {
	return resp.Header.Get("Idempotency-Replayed") == "true"
}
