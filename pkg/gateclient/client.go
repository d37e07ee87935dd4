package gateclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Client wraps http.Client with automatic integrity headers.
// Every mutation carries a fresh timestamp and nonce; retries reuse the
// idempotency key so the gate replays the original outcome instead of
// executing twice.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// Configuration
	MaxRetries int // Max retries on conflict (default: 2)

	// Hooks
	OnRetry func(attempt int, err error) // Called before each retry
}

// NewClient creates a client for the gate API.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:    baseURL,
		apiKey:     apiKey,
		MaxRetries: 2,
	}
}

// CreateDelivery creates a new delivery.
func (c *Client) CreateDelivery(ctx context.Context, req CreateDeliveryRequest) (*Resource, error) {
	return c.mutate(ctx, http.MethodPost, "/v1/deliveries", req)
}

// CreatePayment creates a new payment against a delivery.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Resource, error) {
	return c.mutate(ctx, http.MethodPost, "/v1/payments", req)
}

// GetDelivery fetches a delivery by ID.
func (c *Client) GetDelivery(ctx context.Context, id string) (*Resource, error) {
	return c.get(ctx, "/v1/deliveries/"+id)
}

// GetPayment fetches a payment by ID.
func (c *Client) GetPayment(ctx context.Context, id string) (*Resource, error) {
	return c.get(ctx, "/v1/payments/"+id)
}

// TransitionDelivery moves a delivery to the target state.
func (c *Client) TransitionDelivery(ctx context.Context, id, target string) (*Resource, error) {
	return c.mutate(ctx, http.MethodPost, "/v1/deliveries/"+id+"/transition",
		map[string]string{"target": target})
}

// TransitionPayment moves a payment to the target state.
func (c *Client) TransitionPayment(ctx context.Context, id, target string) (*Resource, error) {
	return c.mutate(ctx, http.MethodPost, "/v1/payments/"+id+"/transition",
		map[string]string{"target": target})
}

func (c *Client) get(ctx context.Context, path string) (*Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, ParseError(resp)
	}

	var r Resource
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return &r, nil
}

// mutate sends a state-changing request. The idempotency key is fixed
// for the life of the call so every attempt maps to one logical
// operation; timestamp and nonce are regenerated per attempt because
// the gate treats a reused nonce as a replay.
func (c *Client) mutate(ctx context.Context, method, path string, body any) (*Resource, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	idemKey := randomToken()

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.OnRetry != nil {
				c.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idemKey)
		req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
		req.Header.Set("X-Nonce", randomToken())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode >= 400 {
			parseErr := ParseError(resp)
			_ = resp.Body.Close()

			// Only version conflicts are worth retrying; everything else
			// is a stable outcome.
			var ge *Error
			if errors.As(parseErr, &ge) && ge.IsConflict() && attempt < c.MaxRetries {
				lastErr = parseErr
				continue
			}
			return nil, parseErr
		}

		var r Resource
		err = json.NewDecoder(resp.Body).Decode(&r)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode resource: %w", err)
		}
		return &r, nil
	}

	return nil, lastErr
}

// randomToken returns 16 bytes of hex-encoded randomness.
func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
