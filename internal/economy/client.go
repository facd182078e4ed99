package economy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to the wallet service over JSON/HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *Client) Balance(ctx context.Context, playerID uuid.UUID) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/accounts/"+playerID.String()+"/balance", nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError("balance", resp)
	}
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	return out.Balance, nil
}

func (c *Client) Withdraw(ctx context.Context, playerID uuid.UUID, amount float64) error {
	return c.transfer(ctx, playerID, "withdraw", amount)
}

func (c *Client) Deposit(ctx context.Context, playerID uuid.UUID, amount float64) error {
	return c.transfer(ctx, playerID, "deposit", amount)
}

func (c *Client) transfer(ctx context.Context, playerID uuid.UUID, kind string, amount float64) error {
	body, err := json.Marshal(map[string]float64{"amount": amount})
	if err != nil {
		return err
	}
	url := c.baseURL + "/v1/accounts/" + playerID.String() + "/" + kind
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", kind, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict:
		return ErrRejected
	default:
		return statusError(kind, resp)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("wallet %s status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(b)))
}
