// Package grocery is a JSON-RPC client for the Rohlik MCP server.
//
// Every operation returns a Result. Backend-reported failures (non-200
// status, an "error" field in the envelope, undecodable bodies, timeouts,
// transport errors) never surface as Go errors: they come back as
// {"error": <message>} so callers can hand them to the language model.
package grocery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/observability"
	"github.com/rohlikvoice/voice-gateway/internal/resilience"
)

const (
	DefaultEndpoint = "https://mcp.rohlik.cz/mcp"
	DefaultTimeout  = 30 * time.Second

	methodToolsCall = "tools/call"
	methodToolsList = "tools/list"

	maxResponseBytes = 16 << 20
)

// Backend tool names
const (
	ToolSearchProducts = "search_products"
	ToolAddItems       = "add_items_to_cart"
	ToolGetCart        = "get_cart"
	ToolRemoveItem     = "remove_cart_item"
	ToolUpdateItem     = "update_cart_item"
	ToolClearCart      = "clear_cart"
	ToolGetUserInfo    = "get_user_info"
)

var errServerStatus = errors.New("backend returned server error")

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  *toolParams `json:"params,omitempty"`
}

type toolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CartItem is one entry of the add_items_to_cart batch
type CartItem struct {
	ProductID int `json:"productId"`
	Quantity  int `json:"quantity"`
}

// Client talks to one backend account. The HTTP session is created on first
// use and shared by all calls until Close.
type Client struct {
	endpoint string
	email    string
	password string
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger

	mu         sync.Mutex
	httpClient *http.Client
	transport  http.RoundTripper
}

// Option configures a Client
type Option func(*Client)

// WithEndpoint overrides the backend URL
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithTimeout sets the bound on each backend call
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCircuitBreaker guards calls with cb. Transport failures and 5xx
// responses count as failures.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport sets the round tripper used when the session is created
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// NewClient creates a client for the given account credentials
func NewClient(email, password string, opts ...Option) *Client {
	c := &Client{
		endpoint: DefaultEndpoint,
		email:    email,
		password: password,
		timeout:  DefaultTimeout,
		logger:   observability.ComponentLogger("grocery"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// session returns the shared HTTP client, creating it if needed
func (c *Client) session() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		transport := c.transport
		if transport == nil {
			transport = &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			}
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	return c.httpClient
}

// Close releases the HTTP session. A later call creates a fresh one.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
	return nil
}

// CallTool invokes a backend tool by name
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) Result {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return c.rpc(ctx, name, rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  methodToolsCall,
		Params:  &toolParams{Name: name, Arguments: arguments},
	})
}

// ListTools lists the tools the backend exposes
func (c *Client) ListTools(ctx context.Context) Result {
	return c.rpc(ctx, methodToolsList, rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  methodToolsList,
	})
}

// Search searches products by keyword. limit is sent only when positive.
func (c *Client) Search(ctx context.Context, keyword string, limit int) Result {
	args := map[string]any{"keyword": keyword}
	if limit > 0 {
		args["limit"] = limit
	}
	return c.CallTool(ctx, ToolSearchProducts, args)
}

// Add adds quantity pieces of a product to the cart
func (c *Client) Add(ctx context.Context, productID, quantity int) Result {
	if quantity <= 0 {
		quantity = 1
	}
	return c.CallTool(ctx, ToolAddItems, map[string]any{
		"items": []CartItem{{ProductID: productID, Quantity: quantity}},
	})
}

// GetCart returns the current cart contents
func (c *Client) GetCart(ctx context.Context) Result {
	return c.CallTool(ctx, ToolGetCart, nil)
}

// Remove removes a product from the cart
func (c *Client) Remove(ctx context.Context, productID int) Result {
	return c.CallTool(ctx, ToolRemoveItem, map[string]any{"product_id": productID})
}

// UpdateQuantity sets the quantity of a product already in the cart
func (c *Client) UpdateQuantity(ctx context.Context, productID, quantity int) Result {
	return c.CallTool(ctx, ToolUpdateItem, map[string]any{
		"product_id": productID,
		"quantity":   quantity,
	})
}

// ClearCart removes everything from the cart
func (c *Client) ClearCart(ctx context.Context) Result {
	return c.CallTool(ctx, ToolClearCart, nil)
}

// GetUserInfo returns the account profile
func (c *Client) GetUserInfo(ctx context.Context) Result {
	return c.CallTool(ctx, ToolGetUserInfo, nil)
}

// TestConnection reports whether tools/list succeeds with these credentials.
// It never panics or errors; any failure is false.
func (c *Client) TestConnection(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Connection test failed")
			ok = false
		}
	}()

	result := c.ListTools(ctx)
	if result.HasError() {
		c.logger.Warn().Str("error", result.ErrorMessage()).Msg("Connection test failed")
		return false
	}
	return true
}

func (c *Client) rpc(ctx context.Context, label string, req rpcRequest) Result {
	start := time.Now()

	var result Result
	err := c.breaker.Call(func() error {
		var callErr error
		result, callErr = c.do(ctx, req)
		return callErr
	})

	if c.breaker != nil {
		observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.breaker.Name())
		}
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Warn().Str("tool", label).Msg("MCP call rejected, circuit open")
		result = errorResult("%s", err.Error())
	}

	failed := result.HasError()
	if failed {
		observability.RecordError("backend_error", "grocery")
	}
	observability.RecordBackendCall(label, start, !failed)
	return result
}

// do performs one POST. The returned error is only for the circuit breaker;
// the Result always describes the outcome.
func (c *Client) do(ctx context.Context, req rpcRequest) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return errorResult("failed to encode request: %v", err), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errorResult("failed to create request: %v", err), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("rhl-email", c.email)
	httpReq.Header.Set("rhl-pass", c.password)

	resp, err := c.session().Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			c.logger.Error().Str("method", req.Method).Msg("MCP call timed out")
			return errorResult("Request timed out"), err
		}
		c.logger.Error().Err(err).Str("method", req.Method).Msg("MCP client error")
		return errorResult("%v", err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			c.logger.Error().Str("method", req.Method).Msg("MCP call timed out")
			return errorResult("Request timed out"), err
		}
		c.logger.Error().Err(err).Msg("Failed to read MCP response")
		return errorResult("failed to read response: %v", err), err
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", truncate(string(body), 500)).
			Msg("MCP call failed")
		result := errorResult("HTTP %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= http.StatusInternalServerError {
			return result, fmt.Errorf("%w: %d", errServerStatus, resp.StatusCode)
		}
		return result, nil
	}

	result := decodeEnvelope(body, resp.Header.Get("Content-Type"), c.logger)
	if result.HasError() {
		c.logger.Error().Str("error", result.ErrorMessage()).Str("method", req.Method).Msg("MCP error")
	}
	return result, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
