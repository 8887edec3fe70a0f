package tokenledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

// BreakerSettings configures the circuit breaker in front of the remote
// ledger.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5}
}

// Client is a Ledger backed by a remote ledger service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string

	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL, token string, bs BreakerSettings, onStateChange func(from, to string)) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Token:   token,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tokenledger",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		// Business rejections say nothing about the ledger's health.
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.KindOf(err) != apperr.KindInternal && !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onStateChange != nil {
				onStateChange(from.String(), to.String())
			}
		},
	})
	return c
}

// BreakerState reports closed, half-open or open.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

type errorEnvelope struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.Wrap(ErrUnavailable, "circuit %s: %v", c.breaker.State(), err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(ErrUnavailable, "%v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(ErrUnavailable, "read body: %v", err)
	}
	if resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(raw, &env)
		switch {
		case env.Error.Code == ErrInsufficientBalance.Code:
			return apperr.Wrap(ErrInsufficientBalance, "%s", env.Error.Message)
		case resp.StatusCode == http.StatusBadRequest:
			return apperr.Wrap(ErrInvalidTransfer, "%s", env.Error.Message)
		}
		return apperr.Wrap(ErrUnavailable, "ledger returned %d %s", resp.StatusCode, env.Error.Code)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}

func (c *Client) BalanceOf(ctx context.Context, account string) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if err := validTransfer(from, to, amount); err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/transfers", map[string]any{"from": from, "to": to, "amount": amount}, nil)
}

func (c *Client) TransferBatch(ctx context.Context, from string, payouts []domain.Payout) error {
	for _, p := range payouts {
		if err := validTransfer(from, p.Recipient, p.Amount); err != nil {
			return err
		}
	}
	return c.call(ctx, http.MethodPost, "/transfers:batch", map[string]any{"from": from, "payouts": payouts}, nil)
}

func (c *Client) Mint(ctx context.Context, to string, amount uint64) error {
	if strings.TrimSpace(to) == "" || amount == 0 {
		return ErrInvalidTransfer
	}
	return c.call(ctx, http.MethodPost, "/mint", map[string]any{"to": to, "amount": amount}, nil)
}

func (c *Client) Burn(ctx context.Context, from string, amount uint64) error {
	if strings.TrimSpace(from) == "" || amount == 0 {
		return ErrInvalidTransfer
	}
	return c.call(ctx, http.MethodPost, "/burn", map[string]any{"from": from, "amount": amount}, nil)
}
