package deedflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Deedflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Transaction represents the API transaction model.
type Transaction struct {
	ID                 string `json:"id"`
	OfficeID           string `json:"office_id"`
	ControlNumber      string `json:"control_number,omitempty"`
	Kind               string `json:"kind"`
	Status             string `json:"status"`
	CertificateIssue   bool   `json:"certificate_issue"`
	ElaborationOnly    bool   `json:"elaboration_only"`
	Archivable         bool   `json:"archivable"`
	Signed             bool   `json:"signed"`
	DeliveryMessageUID string `json:"delivery_message_uid,omitempty"`
	PresentedAt        string `json:"presented_at,omitempty"`
	ClosedAt           string `json:"closed_at,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// Task represents one node of a transaction's audit chain.
type Task struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	CurrentStatus  string `json:"current_status"`
	NextStatus     string `json:"next_status"`
	Responsible    string `json:"responsible"`
	AssignedBy     string `json:"assigned_by"`
	NextContact    string `json:"next_contact,omitempty"`
	CheckInTime    string `json:"check_in_time"`
	EndProcessTime string `json:"end_process_time"`
	CheckOutTime   string `json:"check_out_time"`
	Notes          string `json:"notes,omitempty"`
	Mode           string `json:"mode"`
	State          string `json:"state"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OfficeID   string `json:"office_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// CreateTransactionOptions configure a new filing.
type CreateTransactionOptions struct {
	ID                 string `json:"id,omitempty"`
	OfficeID           string `json:"office_id,omitempty"`
	Kind               string `json:"kind"`
	CertificateIssue   bool   `json:"certificate_issue,omitempty"`
	ElaborationOnly    bool   `json:"elaboration_only,omitempty"`
	Archivable         bool   `json:"archivable,omitempty"`
	DeliveryMessageUID string `json:"delivery_message_uid,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTransaction opens a transaction at the payment desk.
func (c *Client) CreateTransaction(ctx context.Context, opts CreateTransactionOptions) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "v0/transactions", opts, &resp)
	return resp, err
}

// GetTransaction fetches a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, c.txPath(id, ""), nil, &resp)
	return resp, err
}

// TaskChain returns the transaction's full audit chain.
func (c *Client) TaskChain(ctx context.Context, id string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.txPath(id, "chain"), nil, &resp)
	return resp, err
}

// Receive books a paid filing in and assigns its control number.
func (c *Client) Receive(ctx context.Context, id, notes string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "receive"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

// Take advances the transaction to its proposed next status.
func (c *Client) Take(ctx context.Context, id, notes string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.txPath(id, "take"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

// SetNextStatus proposes the open task's next status.
func (c *Client) SetNextStatus(ctx context.Context, id, status, contact, notes string) (Task, error) {
	body := map[string]any{
		"status":  status,
		"contact": contact,
		"notes":   notes,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.txPath(id, "next-status"), body, &resp)
	return resp, err
}

// ReturnToMe withdraws the open task's proposal.
func (c *Client) ReturnToMe(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.txPath(id, "return-to-me"), map[string]any{}, &resp)
	return resp, err
}

// Finish hands the transaction over at the counter.
func (c *Client) Finish(ctx context.Context, id, notes string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "finish"), map[string]any{"notes": notes}, &resp)
	return resp, err
}

// DeliverToRequester closes the transaction on the requester's delivery
// confirmation.
func (c *Client) DeliverToRequester(ctx context.Context, id, messageUID string) (Transaction, error) {
	body := map[string]any{"message_uid": messageUID}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "deliver/requester"), body, &resp)
	return resp, err
}

// NextStatuses returns the statuses the open task may propose.
func (c *Client) NextStatuses(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Statuses []string `json:"statuses"`
	}
	err := c.do(ctx, http.MethodGet, c.txPath(id, "next-statuses"), nil, &resp)
	return resp.Statuses, err
}

// Commands returns the verbs the caller may invoke on the transaction.
func (c *Client) Commands(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Commands []string `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, c.txPath(id, "commands"), nil, &resp)
	return resp.Commands, err
}

// AggregateCommands intersects applicable commands across a selection.
func (c *Client) AggregateCommands(ctx context.Context, transactionIDs []string) ([]string, error) {
	body := map[string]any{"transaction_ids": transactionIDs}
	var resp struct {
		Commands []string `json:"commands"`
	}
	err := c.do(ctx, http.MethodPost, "v0/commands/aggregate", body, &resp)
	return resp.Commands, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) txPath(id, p string) string {
	endpoint := fmt.Sprintf("v0/transactions/%s", url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
