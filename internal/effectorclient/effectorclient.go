// Package effectorclient is the Change Dispatcher's HTTP client for calling
// effector services. Only a literal HTTP 200 counts as success; every other
// status, including other 2xx codes, is a retryable failure.
package effectorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// ErrTransport wraps any failure to complete the HTTP round trip at all
// (DNS, dial, timeout) as distinct from an effector responding with a
// non-200 status.
var ErrTransport = errors.New("effectorclient: transport failure")

// Request is the {member_id, change_type, change_data} wire payload the
// dispatcher POSTs to an effector.
type Request struct {
	MemberID   string          `json:"member_id"`
	ChangeType string          `json:"change_type"`
	ChangeData json.RawMessage `json:"change_data"`
}

// Result carries everything the dispatcher needs to build an Attempt row.
type Result struct {
	StatusCode int
	Body       string
	Succeeded  bool // true iff StatusCode == 200
}

// Client POSTs Requests to effector endpoints with a bounded timeout.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Dispatch sends req to endpoint and classifies the response. A non-nil
// error means the round trip itself failed (wraps ErrTransport); a nil
// error with Result.Succeeded == false means the effector responded but
// rejected the change.
func (c *Client) Dispatch(ctx context.Context, endpoint string, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, errors.Join(ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errors.Join(ErrTransport, err)
	}

	return Result{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Succeeded:  resp.StatusCode == http.StatusOK,
	}, nil
}
