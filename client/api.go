// client/api.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"referral-reward-system/utils"
)

// APIClient talks to the referral service through the Gateway.
type APIClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: utils.HTTPClient,
	}
}

// OperationResult is the common response envelope. Success=false carries a
// domain rejection reason — terminal, never retried.
type OperationResult struct {
	Success           bool            `json:"success"`
	Error             string          `json:"error"`
	ReferralProcessed bool            `json:"referral_processed"`
	ReferralData      json.RawMessage `json:"referral_data"`
	Stats             json.RawMessage `json:"stats"`
	Discounts         json.RawMessage `json:"discounts"`
	DiscountedPrice   float64         `json:"discounted_price"`
	DiscountAmount    float64         `json:"discount_amount"`
	RedemptionID      string          `json:"redemption_id"`
}

// Online probes connectivity. A failed probe means the sync queue stays put.
func (c *APIClient) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// post sends a JSON payload. The returned error is reserved for transient
// conditions (transport failure, 5xx) — the caller should retry later. Any
// parsed response body, including 4xx rejections, comes back as a result.
func (c *APIClient) post(ctx context.Context, path string, payload []byte) (*OperationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call referral service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("referral service returned status %d: %s", resp.StatusCode, string(body))
	}

	var result OperationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode referral service response: %w", err)
	}
	return &result, nil
}

func (c *APIClient) get(ctx context.Context, path string) (*OperationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call referral service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("referral service returned status %d: %s", resp.StatusCode, string(body))
	}

	var result OperationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode referral service response: %w", err)
	}
	return &result, nil
}

// --- operation payloads (shared with the sync queue) ---

type SyncCodePayload struct {
	DeviceID       string  `json:"device_id"`
	Fingerprint    string  `json:"fingerprint"`
	Code           string  `json:"code"`
	UserIdentifier *string `json:"user_identifier,omitempty"`
}

type ConversionPayload struct {
	ReferralCode      string `json:"referral_code,omitempty"`
	PurchaserDeviceID string `json:"purchaser_device_id"`
	Fingerprint       string `json:"fingerprint"`
}

type LinkAccountPayload struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
}

type ValidatePayload struct {
	Code        string `json:"code"`
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

type RedeemPayload struct {
	ConversionID     string  `json:"conversion_id"`
	DiscountID       string  `json:"discount_id,omitempty"`
	UserID           string  `json:"user_id"`
	DeviceID         string  `json:"device_id,omitempty"`
	SubscriptionType string  `json:"subscription_type"`
	OriginalPrice    float64 `json:"original_price"`
}

// --- typed operations ---

func (c *APIClient) ValidateCode(ctx context.Context, p ValidatePayload) (*OperationResult, error) {
	raw, _ := json.Marshal(p)
	return c.post(ctx, "/referral/validate", raw)
}

func (c *APIClient) SyncCode(ctx context.Context, p SyncCodePayload) (*OperationResult, error) {
	raw, _ := json.Marshal(p)
	return c.post(ctx, "/referral/sync", raw)
}

func (c *APIClient) RecordConversion(ctx context.Context, p ConversionPayload) (*OperationResult, error) {
	raw, _ := json.Marshal(p)
	return c.post(ctx, "/referral/convert", raw)
}

func (c *APIClient) LinkAccount(ctx context.Context, p LinkAccountPayload) (*OperationResult, error) {
	raw, _ := json.Marshal(p)
	return c.post(ctx, "/referral/link", raw)
}

func (c *APIClient) GetStats(ctx context.Context, deviceID string) (*OperationResult, error) {
	return c.get(ctx, "/referral/stats/"+deviceID)
}

func (c *APIClient) GetDiscounts(ctx context.Context, deviceID string) (*OperationResult, error) {
	return c.get(ctx, "/referral/discounts/"+deviceID)
}

func (c *APIClient) RedeemDiscount(ctx context.Context, p RedeemPayload) (*OperationResult, error) {
	raw, _ := json.Marshal(p)
	return c.post(ctx, "/referral/discounts/redeem", raw)
}
