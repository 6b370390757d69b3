// Package escrow provides a thin JSON-RPC client for the escrowd node.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client talks to the escrowd JSON-RPC endpoint. Mutating calls carry the
// configured bearer token.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient builds a client for the given base URL. An empty authToken limits
// the client to read methods.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetHTTPClient replaces the underlying HTTP client, e.g. to tune timeouts or
// add transport middleware.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// Error codes the node attaches to failed requests.
const (
	CodeInvalidParams = -32021
	CodeNotFound      = -32022
	CodeForbidden     = -32023
	CodeConflict      = -32024
	CodeInternal      = -32025
)

// RPCError is the typed JSON-RPC error returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d %s", e.Code, e.Message)
}

// CreateRequest is the payload for escrow_create.
type CreateRequest struct {
	Caller   string `json:"caller,omitempty"`
	Maker    string `json:"maker"`
	Amount   string `json:"amount"`
	Asset    string `json:"asset"`
	HashLock string `json:"hashLock"`
	TimeLock int64  `json:"timeLock"`
}

// CreateResponse mirrors the node result for escrow_create.
type CreateResponse struct {
	ID string `json:"id"`
}

// State mirrors the escrow record JSON returned by the node.
type State struct {
	ID        string  `json:"id"`
	Maker     string  `json:"maker"`
	Amount    string  `json:"amount"`
	Asset     string  `json:"asset"`
	HashLock  string  `json:"hashLock"`
	TimeLock  int64   `json:"timeLock"`
	Status    string  `json:"status"`
	Secret    *string `json:"secret,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

// ListResult mirrors the node result for escrow_list and escrow_listByMaker.
type ListResult struct {
	Escrows    []State `json:"escrows"`
	NextCursor string  `json:"nextCursor,omitempty"`
	More       bool    `json:"more"`
}

// Stats mirrors the node result for escrow_stats.
type Stats struct {
	Counter   uint64 `json:"counter"`
	Pending   uint64 `json:"pending"`
	Locked    uint64 `json:"locked"`
	Completed uint64 `json:"completed"`
	Refunded  uint64 `json:"refunded"`
}

// Event mirrors a sequenced lifecycle event.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventsResult mirrors the node result for escrow_listEvents.
type EventsResult struct {
	Events         []Event `json:"events"`
	LatestSequence uint64  `json:"latestSequence"`
}

// Initialize wipes the registry. It requires the bearer token.
func (c *Client) Initialize(ctx context.Context) error {
	return c.call(ctx, "escrow_initialize", []interface{}{}, nil)
}

// Create deposits a new escrow and returns its identifier.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	var result CreateResponse
	if err := c.call(ctx, "escrow_create", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Lock claims a pending escrow for the resolver and returns the updated record.
func (c *Client) Lock(ctx context.Context, id, resolver string) (*State, error) {
	params := map[string]string{"id": id, "resolver": resolver}
	var result State
	if err := c.call(ctx, "escrow_lock", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete reveals the preimage and settles the escrow to the resolver.
func (c *Client) Complete(ctx context.Context, id, resolver, secretHex string) (*State, error) {
	params := map[string]string{"id": id, "resolver": resolver, "secret": secretHex}
	var result State
	if err := c.call(ctx, "escrow_complete", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refund returns an expired escrow to its maker.
func (c *Client) Refund(ctx context.Context, id, caller string) (*State, error) {
	params := map[string]string{"id": id, "caller": caller}
	var result State
	if err := c.call(ctx, "escrow_refund", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Get fetches a single escrow record.
func (c *Client) Get(ctx context.Context, id string) (*State, error) {
	var result State
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]string{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListByMaker returns every escrow deposited by the maker.
func (c *Client) ListByMaker(ctx context.Context, maker string) ([]State, error) {
	var result ListResult
	if err := c.call(ctx, "escrow_listByMaker", []interface{}{map[string]string{"maker": maker}}, &result); err != nil {
		return nil, err
	}
	return result.Escrows, nil
}

// List pages through the registry in identifier order. An empty cursor starts
// from the beginning.
func (c *Client) List(ctx context.Context, cursor string, limit int) (*ListResult, error) {
	params := map[string]interface{}{}
	if strings.TrimSpace(cursor) != "" {
		params["cursor"] = cursor
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result ListResult
	if err := c.call(ctx, "escrow_list", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns the registry counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var result Stats
	if err := c.call(ctx, "escrow_stats", []interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Events returns sequenced lifecycle events strictly after the cursor.
func (c *Client) Events(ctx context.Context, afterSequence uint64, limit int) (*EventsResult, error) {
	params := map[string]interface{}{}
	if afterSequence > 0 {
		params["afterSequence"] = afterSequence
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result EventsResult
	if err := c.call(ctx, "escrow_listEvents", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		// The node answers every RPC with a JSON body; anything else is a
		// transport-level failure.
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
