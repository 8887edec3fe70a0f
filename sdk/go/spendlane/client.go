// Package spendlane is a Go client for the treasury HTTP API.
package spendlane

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/accordsai/spendlane/pkg/domain"
)

const (
	APIVersion = "v1"
	PathPrefix = "/treasury/" + APIVersion
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Kind       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("spendlane sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.ErrorCode == code
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	onBehalfOf string
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithOnBehalfOf makes every call act for principal. The server honours it
// only when the token belongs to a trusted relayer.
func WithOnBehalfOf(principal string) Option {
	return func(c *Client) { c.onBehalfOf = principal }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return randomHex(16) }

type CreateRequestInput struct {
	Recipients   []string `json:"recipients"`
	Amounts      []uint64 `json:"amounts"`
	Description  string   `json:"description"`
	DocumentHash string   `json:"document_hash"`
	VirtualPayer string   `json:"virtual_payer,omitempty"`
}

type CommitReceipt struct {
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	RevealAfter string `json:"reveal_after"`
}

type BudgetIncrease struct {
	NewBudget   uint64    `json:"new_budget"`
	ProposedBy  string    `json:"proposed_by"`
	ProposedAt  time.Time `json:"proposed_at"`
	EffectiveAt time.Time `json:"effective_at"`
}

type Budget struct {
	ProjectBudget    uint64          `json:"project_budget"`
	TotalReserved    uint64          `json:"total_reserved"`
	TotalDistributed uint64          `json:"total_distributed"`
	Remaining        uint64          `json:"remaining"`
	UtilizationPct   string          `json:"utilization_pct"`
	PendingIncrease  *BudgetIncrease `json:"pending_increase,omitempty"`
}

type Status struct {
	Paused         bool     `json:"paused"`
	Halted         bool     `json:"halted"`
	ActiveRequests int      `json:"active_requests"`
	OpenClosures   []uint64 `json:"open_closures,omitempty"`
	PendingCommits int      `json:"pending_commitments"`
	AuditSeq       uint64   `json:"audit_seq"`
	Pipeline       string   `json:"pipeline"`
	DeploymentID   string   `json:"deployment_id"`
	NetworkID      string   `json:"network_id"`
}

type TreasuryBalance struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

type AuditRecord struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	SubjectKind string    `json:"subject_kind"`
	SubjectID   string    `json:"subject_id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Status      string    `json:"status,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	At          time.Time `json:"at"`
}

func requestPath(id uint64) string { return "/requests/" + strconv.FormatUint(id, 10) }

func closurePath(id uint64) string { return "/closures/" + strconv.FormatUint(id, 10) }

func levelPath(id uint64, level domain.Level) string {
	return requestPath(id) + "/approvals/" + url.PathEscape(string(level))
}

func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (*domain.Request, error) {
	var out domain.Request
	if err := c.mutate(ctx, "/requests", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRequests returns active requests, optionally only those of requester.
func (c *Client) ListRequests(ctx context.Context, requester string) ([]domain.Request, error) {
	path := "/requests"
	if requester != "" {
		path += "?" + url.Values{"requester": {requester}}.Encode()
	}
	var out struct {
		Requests []domain.Request `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) GetRequest(ctx context.Context, id uint64) (*domain.Request, error) {
	var out domain.Request
	if err := c.do(ctx, http.MethodGet, requestPath(id), nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelRequest(ctx context.Context, id uint64) (*domain.Request, error) {
	var out domain.Request
	if err := c.mutate(ctx, requestPath(id)+":cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelAbandonedRequest(ctx context.Context, id uint64) (*domain.Request, error) {
	var out domain.Request
	if err := c.mutate(ctx, requestPath(id)+":cancelAbandoned", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CommitApproval(ctx context.Context, id uint64, level domain.Level, digest string) (*CommitReceipt, error) {
	var out CommitReceipt
	if err := c.mutate(ctx, levelPath(id, level)+":commit", map[string]string{"digest": digest}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RevealApproval(ctx context.Context, id uint64, level domain.Level, nonce []byte) (*domain.Request, error) {
	var out domain.Request
	if err := c.mutate(ctx, levelPath(id, level)+":reveal", map[string]string{"nonce": hex.EncodeToString(nonce)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InitiateClosure(ctx context.Context, returnAddress, reason string) (*domain.Closure, error) {
	var out domain.Closure
	body := map[string]string{"return_address": returnAddress, "reason": reason}
	if err := c.mutate(ctx, "/closures", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetClosure(ctx context.Context, id uint64) (*domain.Closure, error) {
	var out domain.Closure
	if err := c.do(ctx, http.MethodGet, closurePath(id), nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CommitClosure(ctx context.Context, id uint64, digest string) (*CommitReceipt, error) {
	var out CommitReceipt
	if err := c.mutate(ctx, closurePath(id)+":commit", map[string]string{"digest": digest}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RevealClosure(ctx context.Context, id uint64, nonce []byte) (*domain.Closure, error) {
	var out domain.Closure
	if err := c.mutate(ctx, closurePath(id)+":reveal", map[string]string{"nonce": hex.EncodeToString(nonce)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pause(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.mutate(ctx, "/pause", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unpause(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.mutate(ctx, "/unpause", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Roles(ctx context.Context) (map[string][]string, error) {
	var out struct {
		Roles map[string][]string `json:"roles"`
	}
	if err := c.do(ctx, http.MethodGet, "/roles", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// CommitRoleChange commits to op ("grant" or "revoke") of role for account.
func (c *Client) CommitRoleChange(ctx context.Context, op, role, account, digest string) (*CommitReceipt, error) {
	var out CommitReceipt
	body := map[string]string{"op": op, "role": role, "account": account, "digest": digest}
	if err := c.mutate(ctx, "/roles:commit", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GrantRole(ctx context.Context, role, account string, nonce []byte) error {
	body := map[string]string{"role": role, "account": account, "nonce": hex.EncodeToString(nonce)}
	return c.mutate(ctx, "/roles:grant", body, nil)
}

func (c *Client) RevokeRole(ctx context.Context, role, account string, nonce []byte) error {
	body := map[string]string{"role": role, "account": account, "nonce": hex.EncodeToString(nonce)}
	return c.mutate(ctx, "/roles:revoke", body, nil)
}

func (c *Client) Budget(ctx context.Context) (*Budget, error) {
	var out Budget
	if err := c.do(ctx, http.MethodGet, "/budget", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProposeBudgetIncrease(ctx context.Context, newBudget uint64) (*BudgetIncrease, error) {
	var out BudgetIncrease
	if err := c.mutate(ctx, "/budget:propose", map[string]uint64{"new_budget": newBudget}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ExecuteBudgetIncrease(ctx context.Context) (*BudgetIncrease, error) {
	var out BudgetIncrease
	if err := c.mutate(ctx, "/budget:execute", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelBudgetIncrease(ctx context.Context) (*BudgetIncrease, error) {
	var out BudgetIncrease
	if err := c.mutate(ctx, "/budget:cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Treasury(ctx context.Context) (*TreasuryBalance, error) {
	var out TreasuryBalance
	if err := c.do(ctx, http.MethodGet, "/treasury", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit returns the trail of one subject. With archive set the durable
// store is read instead of the in-memory window.
func (c *Client) Audit(ctx context.Context, kind, subjectID string, archive bool) ([]AuditRecord, error) {
	v := url.Values{"subject_kind": {kind}, "subject_id": {subjectID}}
	if archive {
		v.Set("source", "archive")
	}
	var out struct {
		Records []AuditRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/audit?"+v.Encode(), nil, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// mutate posts with a fresh Idempotency-Key so retries are safe to replay.
func (c *Client) mutate(ctx context.Context, path string, body, out any) error {
	headers := map[string]string{"Idempotency-Key": NewIdempotencyKey()}
	return c.do(ctx, http.MethodPost, path, body, headers, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	} else if method == http.MethodPost {
		bodyBytes = []byte("{}")
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+PathPrefix+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "spendlane-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if strings.TrimSpace(c.token) == "" {
			return errors.New("bearer token is required")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if c.onBehalfOf != "" {
			req.Header.Set("X-On-Behalf-Of", c.onBehalfOf)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return parseSDKError(resp.StatusCode, respBody)
	}
	return errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var env struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID = env.RequestID
	out.ErrorCode = env.Error.Code
	out.Message = env.Error.Message
	out.Kind, _ = env.Error.Details["kind"].(string)
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
