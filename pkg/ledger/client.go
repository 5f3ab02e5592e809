package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// SuggestedParams is an immutable snapshot of the network parameters a
// transaction must carry to be accepted.
type SuggestedParams struct {
	ChainID     string `json:"chainId"`
	GenesisHash string `json:"genesisHash"`
	MinFee      uint64 `json:"minFee"`
	FirstValid  uint64 `json:"firstValid"`
	LastValid   uint64 `json:"lastValid"`
}

// SubmitResult reports a confirmed submission.
type SubmitResult struct {
	TxnID          string `json:"txnId"`
	ConfirmedRound uint64 `json:"confirmedRound"`
	GroupID        string `json:"groupId"`
}

// AccountStatus is the ledger-side view of an account.
type AccountStatus struct {
	Address string            `json:"address"`
	Balance uint64            `json:"balance"`
	Assets  map[uint64]uint64 `json:"assets,omitempty"`
}

// Client is the remote ledger network boundary. Implementations must treat
// every call as a short, finite network operation; timeouts belong to the
// transport.
type Client interface {
	SuggestedParams(ctx context.Context) (SuggestedParams, error)
	Submit(ctx context.Context, signed [][]byte) (SubmitResult, error)
	AccountStatus(ctx context.Context, addr string) (AccountStatus, error)
}

// RejectCode is a structured consensus rejection reason. Structured codes are
// preferred over matching human-readable error text, which upstream nodes may
// reword at any time.
type RejectCode string

const (
	// RejectDelegationPolicy means a pre-authorized delegated spending rule
	// refused the transaction at consensus time.
	RejectDelegationPolicy RejectCode = "delegation_policy"
	// RejectOverspend means the account balance cannot cover the group.
	RejectOverspend RejectCode = "overspend"
	// RejectStaleWindow means the validity window has passed.
	RejectStaleWindow RejectCode = "stale_window"
)

// SubmitError is a ledger-level rejection of a submission.
type SubmitError struct {
	Code    RejectCode `json:"code,omitempty"`
	Message string     `json:"message"`
}

func (e *SubmitError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger: submit rejected (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("ledger: submit rejected: %s", e.Message)
}

// HTTPClient is a thin HTTP implementation of Client.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPClient builds a client for the node at baseURL. A nil httpClient
// falls back to http.DefaultClient; callers should pass one with a timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{base: u, client: httpClient}, nil
}

// SuggestedParams fetches the current network parameters.
func (c *HTTPClient) SuggestedParams(ctx context.Context) (SuggestedParams, error) {
	var params SuggestedParams
	if err := c.getJSON(ctx, "/v2/transactions/params", &params); err != nil {
		return SuggestedParams{}, err
	}
	return params, nil
}

// Submit posts a signed transaction group and waits for the node's
// confirmation response.
func (c *HTTPClient) Submit(ctx context.Context, signed [][]byte) (SubmitResult, error) {
	body, err := json.Marshal(map[string]any{"transactions": signed})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("ledger: marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v2/transactions"), bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("ledger: submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SubmitResult{}, decodeSubmitError(resp)
	}
	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SubmitResult{}, fmt.Errorf("ledger: decode submit response: %w", err)
	}
	return result, nil
}

// AccountStatus fetches balance and asset holdings for addr.
func (c *HTTPClient) AccountStatus(ctx context.Context, addr string) (AccountStatus, error) {
	var status AccountStatus
	if err := c.getJSON(ctx, "/v2/accounts/"+url.PathEscape(addr), &status); err != nil {
		return AccountStatus{}, err
	}
	return status, nil
}

func (c *HTTPClient) endpoint(path string) string {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, path)
	return u.String()
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("ledger: decode %s response: %w", path, err)
	}
	return nil
}

// decodeSubmitError maps a non-200 submission response into a SubmitError,
// keeping the structured code when the node provides one.
func decodeSubmitError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("ledger: submit returned %d", resp.StatusCode)
	}

	var submitErr SubmitError
	if err := json.Unmarshal(raw, &submitErr); err == nil && submitErr.Message != "" {
		return &submitErr
	}
	return &SubmitError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))}
}

// AsSubmitError unwraps err into a SubmitError if one is present.
func AsSubmitError(err error) (*SubmitError, bool) {
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr, true
	}
	return nil, false
}
