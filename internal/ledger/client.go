// Package ledger is the client for the external XP ledger service.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPermanent marks a credit the ledger refused for good (4xx other than
// 409/429). Retrying it cannot succeed.
var ErrPermanent = errors.New("ledger rejected credit")

// Credit is one XP award.
type Credit struct {
	Identity string `json:"wallet_address"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
	SourceID string `json:"source_id"`
}

// Balance is the ledger's view of a wallet.
type Balance struct {
	Identity string `json:"wallet_address"`
	XP       int64  `json:"xp"`
}

// Client is an authenticated ledger REST client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.http.Do(req)
}

// AddXP credits cr. idempotencyKey makes repeated calls for the same award
// safe; the ledger answers 409 for a key it has already applied, which
// counts as success.
func (c *Client) AddXP(ctx context.Context, cr Credit, idempotencyKey string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/xp/credit", cr, http.Header{
		"Idempotency-Key": []string{idempotencyKey},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("ledger AddXP %s: status %d", idempotencyKey, resp.StatusCode)
	default:
		return fmt.Errorf("%w: AddXP %s: status %d", ErrPermanent, idempotencyKey, resp.StatusCode)
	}
}

// GetBalance returns the ledger's XP balance for identity.
func (c *Client) GetBalance(ctx context.Context, identity string) (*Balance, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/xp/"+identity, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger GetBalance %s: status %d", identity, resp.StatusCode)
	}
	var b Balance
	return &b, json.NewDecoder(resp.Body).Decode(&b)
}
