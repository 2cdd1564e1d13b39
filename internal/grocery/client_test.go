package grocery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/resilience"
)

type capturedRequest struct {
	Method string
	Params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	Email string
	Pass  string
}

func newTestServer(t *testing.T, status int, contentType, body string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			var req struct {
				JSONRPC string `json:"jsonrpc"`
				Method  string `json:"method"`
				Params  struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"params"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("Failed to decode request: %v", err)
			}
			if req.JSONRPC != "2.0" {
				t.Errorf("Expected jsonrpc 2.0, got %s", req.JSONRPC)
			}
			captured.Method = req.Method
			captured.Params = req.Params
			captured.Email = r.Header.Get("rhl-email")
			captured.Pass = r.Header.Get("rhl-pass")
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CallTool_PlainJSON(t *testing.T) {
	var captured capturedRequest
	srv := newTestServer(t, http.StatusOK, "application/json",
		`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"ok"}]}}`, &captured)

	client := NewClient("user@example.com", "secret", WithEndpoint(srv.URL))
	defer client.Close()

	result := client.GetCart(context.Background())
	if result.HasError() {
		t.Fatalf("Expected no error, got %v", result["error"])
	}
	if _, ok := result["content"]; !ok {
		t.Errorf("Expected content in result, got %v", result)
	}

	if captured.Method != "tools/call" {
		t.Errorf("Expected method tools/call, got %s", captured.Method)
	}
	if captured.Params.Name != ToolGetCart {
		t.Errorf("Expected tool %s, got %s", ToolGetCart, captured.Params.Name)
	}
	if string(captured.Params.Arguments) != "{}" {
		t.Errorf("Expected empty arguments, got %s", captured.Params.Arguments)
	}
	if captured.Email != "user@example.com" || captured.Pass != "secret" {
		t.Errorf("Expected credential headers, got %q / %q", captured.Email, captured.Pass)
	}
}

func TestClient_WireShapes(t *testing.T) {
	tests := []struct {
		name     string
		call     func(c *Client) Result
		tool     string
		wantArgs string
	}{
		{
			name:     "search with limit",
			call:     func(c *Client) Result { return c.Search(context.Background(), "mléko", 5) },
			tool:     ToolSearchProducts,
			wantArgs: `{"keyword":"mléko","limit":5}`,
		},
		{
			name:     "search without limit",
			call:     func(c *Client) Result { return c.Search(context.Background(), "chléb", 0) },
			tool:     ToolSearchProducts,
			wantArgs: `{"keyword":"chléb"}`,
		},
		{
			name:     "add",
			call:     func(c *Client) Result { return c.Add(context.Background(), 123, 2) },
			tool:     ToolAddItems,
			wantArgs: `{"items":[{"productId":123,"quantity":2}]}`,
		},
		{
			name:     "add defaults quantity",
			call:     func(c *Client) Result { return c.Add(context.Background(), 7, 0) },
			tool:     ToolAddItems,
			wantArgs: `{"items":[{"productId":7,"quantity":1}]}`,
		},
		{
			name:     "remove",
			call:     func(c *Client) Result { return c.Remove(context.Background(), 42) },
			tool:     ToolRemoveItem,
			wantArgs: `{"product_id":42}`,
		},
		{
			name:     "update",
			call:     func(c *Client) Result { return c.UpdateQuantity(context.Background(), 42, 3) },
			tool:     ToolUpdateItem,
			wantArgs: `{"product_id":42,"quantity":3}`,
		},
		{
			name:     "clear",
			call:     func(c *Client) Result { return c.ClearCart(context.Background()) },
			tool:     ToolClearCart,
			wantArgs: `{}`,
		},
		{
			name:     "user info",
			call:     func(c *Client) Result { return c.GetUserInfo(context.Background()) },
			tool:     ToolGetUserInfo,
			wantArgs: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured capturedRequest
			srv := newTestServer(t, http.StatusOK, "application/json", `{"result":{}}`, &captured)
			client := NewClient("a", "b", WithEndpoint(srv.URL))
			defer client.Close()

			if result := tt.call(client); result.HasError() {
				t.Fatalf("Expected no error, got %v", result["error"])
			}
			if captured.Params.Name != tt.tool {
				t.Errorf("Expected tool %s, got %s", tt.tool, captured.Params.Name)
			}

			var got, want any
			json.Unmarshal(captured.Params.Arguments, &got)
			json.Unmarshal([]byte(tt.wantArgs), &want)
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("Expected arguments %s, got %s", wantJSON, gotJSON)
			}
		})
	}
}

func TestClient_ListTools(t *testing.T) {
	var captured capturedRequest
	srv := newTestServer(t, http.StatusOK, "application/json", `{"result":{"tools":[]}}`, &captured)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	result := client.ListTools(context.Background())
	if result.HasError() {
		t.Fatalf("Expected no error, got %v", result["error"])
	}
	if captured.Method != "tools/list" {
		t.Errorf("Expected method tools/list, got %s", captured.Method)
	}
}

func TestClient_NonOKStatus(t *testing.T) {
	ops := map[string]func(c *Client) Result{
		"search":          func(c *Client) Result { return c.Search(context.Background(), "mléko", 5) },
		"add":             func(c *Client) Result { return c.Add(context.Background(), 123, 2) },
		"get_cart":        func(c *Client) Result { return c.GetCart(context.Background()) },
		"remove":          func(c *Client) Result { return c.Remove(context.Background(), 123) },
		"update_quantity": func(c *Client) Result { return c.UpdateQuantity(context.Background(), 123, 3) },
		"clear_cart":      func(c *Client) Result { return c.ClearCart(context.Background()) },
		"list_tools":      func(c *Client) Result { return c.ListTools(context.Background()) },
		"get_user_info":   func(c *Client) Result { return c.GetUserInfo(context.Background()) },
	}
	statuses := []struct {
		code int
		body string
		want string
	}{
		{http.StatusUnauthorized, "bad credentials", "HTTP 401: bad credentials"},
		{http.StatusServiceUnavailable, "maintenance", "HTTP 503: maintenance"},
	}

	for _, st := range statuses {
		srv := newTestServer(t, st.code, "text/plain", st.body, nil)
		client := NewClient("a", "b", WithEndpoint(srv.URL))

		for name, op := range ops {
			result := op(client)
			if !result.HasError() {
				t.Errorf("%s with status %d: expected error result", name, st.code)
				continue
			}
			if got := result.ErrorMessage(); got != st.want {
				t.Errorf("%s: expected '%s', got '%s'", name, st.want, got)
			}
		}
	}
}

func TestClient_EnvelopeError(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "application/json",
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid product"}}`, nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	result := client.Add(context.Background(), 1, 1)
	errVal, ok := result.ErrorValue()
	if !ok {
		t.Fatal("Expected error result")
	}
	if m, isMap := errVal.(map[string]any); !isMap || m["message"] != "invalid product" {
		t.Errorf("Expected error value to be passed through, got %v", errVal)
	}
	if len(result) != 1 {
		t.Errorf("Expected only the error key, got %v", result)
	}
}

func TestClient_SSELastValidLineWins(t *testing.T) {
	body := strings.Join([]string{
		"event: message",
		`data: {"result":{"step":1}}`,
		"data: not json",
		`data: {"result":{"step":2}}`,
		"data: {broken",
		"",
	}, "\n")
	srv := newTestServer(t, http.StatusOK, "text/event-stream", body, nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	result := client.Search(context.Background(), "rohlík", 0)
	if result.HasError() {
		t.Fatalf("Expected no error, got %v", result["error"])
	}
	if step, _ := result["step"].(json.Number); step.String() != "2" {
		t.Errorf("Expected step 2 from the last valid line, got %v", result["step"])
	}
}

func TestClient_SSEError(t *testing.T) {
	body := "data: {\"error\":\"session expired\"}\n\n"
	srv := newTestServer(t, http.StatusOK, "text/event-stream; charset=utf-8", body, nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	result := client.GetCart(context.Background())
	if got := result.ErrorMessage(); got != "session expired" {
		t.Errorf("Expected 'session expired', got '%s'", got)
	}
}

func TestClient_SSEWithoutValidLines(t *testing.T) {
	var logs bytes.Buffer
	srv := newTestServer(t, http.StatusOK, "text/event-stream", "data: nope\n", nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL), WithLogger(zerolog.New(&logs)))

	result := client.GetCart(context.Background())
	if result == nil || len(result) != 0 {
		t.Errorf("Expected empty result for an event stream without valid data, got %v", result)
	}
	if !strings.Contains(logs.String(), "no valid data line") {
		t.Errorf("Expected a warning in the client log, got %s", logs.String())
	}

	srv = newTestServer(t, http.StatusOK, "text/event-stream", "event: message\ndata: [DONE]\n\n", nil)
	client = NewClient("a", "b", WithEndpoint(srv.URL))
	if !client.TestConnection(context.Background()) {
		t.Error("Expected TestConnection to succeed when no data line decodes")
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "application/json", "<html>", nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	result := client.GetCart(context.Background())
	if !strings.HasPrefix(result.ErrorMessage(), "invalid response") {
		t.Errorf("Expected invalid response error, got %v", result)
	}
}

func TestClient_MissingResultDefaultsToEmpty(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "application/json", `{"jsonrpc":"2.0","id":1}`, nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	result := client.ClearCart(context.Background())
	if result == nil || len(result) != 0 {
		t.Errorf("Expected empty result, got %v", result)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient("a", "b", WithEndpoint(srv.URL), WithTimeout(50*time.Millisecond))

	result := client.GetCart(context.Background())
	if got := result.ErrorMessage(); got != "Request timed out" {
		t.Errorf("Expected 'Request timed out', got '%s'", got)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	client := NewClient("a", "b", WithEndpoint(endpoint))
	if result := client.GetCart(context.Background()); !result.HasError() {
		t.Error("Expected error result when the backend is unreachable")
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker("rohlik-test", 2, time.Minute)
	client := NewClient("a", "b", WithEndpoint(srv.URL), WithCircuitBreaker(cb))
	before := breakerFailures(t, "rohlik-test")

	client.GetCart(context.Background())
	client.GetCart(context.Background())

	result := client.GetCart(context.Background())
	if got := result.ErrorMessage(); got != resilience.ErrCircuitOpen.Error() {
		t.Errorf("Expected circuit open error, got '%s'", got)
	}
	if calls != 2 {
		t.Errorf("Expected 2 backend calls, got %d", calls)
	}

	// Rejected calls are not upstream failures
	if got := breakerFailures(t, "rohlik-test") - before; got != 2 {
		t.Errorf("Expected 2 counted failures, got %v", got)
	}
}

func breakerFailures(t *testing.T, service string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "rohlik_voice_circuit_breaker_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "service" && label.GetValue() == service {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := newTestServer(t, http.StatusNotFound, "", "missing", nil)
	cb := resilience.NewCircuitBreaker("rohlik-test-4xx", 1, time.Minute)
	client := NewClient("a", "b", WithEndpoint(srv.URL), WithCircuitBreaker(cb))

	client.GetCart(context.Background())
	client.GetCart(context.Background())

	if cb.GetState() != resilience.StateClosed {
		t.Errorf("Expected breaker to stay closed on 4xx, got %s", cb.GetState())
	}
}

func TestClient_TestConnection(t *testing.T) {
	ok := newTestServer(t, http.StatusOK, "application/json", `{"result":{"tools":[{"name":"get_cart"}]}}`, nil)
	if !NewClient("a", "b", WithEndpoint(ok.URL)).TestConnection(context.Background()) {
		t.Error("Expected TestConnection to succeed")
	}

	denied := newTestServer(t, http.StatusOK, "application/json", `{"error":"unauthorized"}`, nil)
	if NewClient("a", "b", WithEndpoint(denied.URL)).TestConnection(context.Background()) {
		t.Error("Expected TestConnection to fail on envelope error")
	}

	if NewClient("a", "b", WithEndpoint("http://127.0.0.1:1")).TestConnection(context.Background()) {
		t.Error("Expected TestConnection to fail when unreachable")
	}
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestClient_TestConnectionRecoversPanic(t *testing.T) {
	client := NewClient("a", "b", WithEndpoint("http://example.invalid"), WithTransport(panicTransport{}))
	if client.TestConnection(context.Background()) {
		t.Error("Expected TestConnection to report failure after a panic")
	}
}

func TestClient_CloseRecreatesSession(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "application/json", `{"result":{}}`, nil)
	client := NewClient("a", "b", WithEndpoint(srv.URL))

	first := client.session()
	client.Close()
	if client.session() == first {
		t.Error("Expected a fresh session after Close")
	}
	if result := client.GetCart(context.Background()); result.HasError() {
		t.Errorf("Expected calls to work after Close, got %v", result["error"])
	}
}
