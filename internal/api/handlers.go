// Package api exposes the assistant over HTTP: conversation turns, cart and
// search queries, and credential validation.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/catalog"
	"github.com/rohlikvoice/voice-gateway/internal/conversation"
	"github.com/rohlikvoice/voice-gateway/internal/grocery"
	"github.com/rohlikvoice/voice-gateway/internal/llm"
	"github.com/rohlikvoice/voice-gateway/internal/observability"
)

const (
	BasePath = "/api/rohlik_voice"

	maxBodyBytes = 1 << 20

	ErrorInvalidOpenAIKey = "invalid_openai_key"
	ErrorInvalidAuth      = "invalid_auth"
)

// Converser answers conversation turns
type Converser interface {
	Process(ctx context.Context, in conversation.Input) conversation.Result
}

// QueryBackend serves the direct cart and search queries
type QueryBackend interface {
	GetCart(ctx context.Context) grocery.Result
	Search(ctx context.Context, keyword string, limit int) grocery.Result
}

// ConnectionTester checks grocery credentials
type ConnectionTester interface {
	TestConnection(ctx context.Context) bool
	Close() error
}

// Handlers serves the HTTP API
type Handlers struct {
	agent     Converser
	backend   QueryBackend
	newTester func(email, password string) ConnectionTester
	logger    zerolog.Logger
}

// NewHandlers creates the API handlers. newTester builds a throwaway client
// for credential validation.
func NewHandlers(agent Converser, backend QueryBackend, newTester func(email, password string) ConnectionTester) *Handlers {
	return &Handlers{
		agent:     agent,
		backend:   backend,
		newTester: newTester,
		logger:    observability.ComponentLogger("api"),
	}
}

// Register mounts the handlers under BasePath
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+BasePath+"/conversation", h.HandleConversation)
	mux.HandleFunc("GET "+BasePath+"/cart", h.HandleCart)
	mux.HandleFunc("GET "+BasePath+"/search", h.HandleSearch)
	mux.HandleFunc("POST "+BasePath+"/validate", h.HandleValidate)
}

// ConversationRequest is the body of a conversation turn
type ConversationRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// ConversationResponse is the answer to a conversation turn
type ConversationResponse struct {
	ResponseText   string `json:"response_text"`
	ConversationID string `json:"conversation_id"`
	Language       string `json:"language,omitempty"`
	Error          string `json:"error,omitempty"`
}

// HandleConversation answers one user turn
func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result := h.agent.Process(r.Context(), conversation.Input{
		Text:           req.Text,
		ConversationID: req.ConversationID,
		Language:       req.Language,
	})

	writeJSON(w, http.StatusOK, ConversationResponse{
		ResponseText:   result.ResponseText,
		ConversationID: result.ConversationID,
		Language:       result.Language,
		Error:          result.Error,
	})
}

// HandleCart returns the cart. ?format=text renders it as a sentence.
func (h *Handlers) HandleCart(w http.ResponseWriter, r *http.Request) {
	result := h.backend.GetCart(r.Context())
	h.writeResult(w, r, result, catalog.FormatCart)
}

// HandleSearch searches products by ?keyword= (or ?query=) with optional ?limit=
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("keyword"))
	if keyword == "" {
		keyword = strings.TrimSpace(q.Get("query"))
	}
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	result := h.backend.Search(r.Context(), keyword, limit)
	h.writeResult(w, r, result, catalog.FormatSearchResults)
}

func (h *Handlers) writeResult(w http.ResponseWriter, r *http.Request, result grocery.Result, format func(grocery.Result) string) {
	status := http.StatusOK
	if result.HasError() {
		h.logger.Warn().Str("path", r.URL.Path).Str("error", result.ErrorMessage()).Msg("Backend query failed")
		status = http.StatusBadGateway
	}

	if r.URL.Query().Get("format") == "text" {
		writeJSON(w, status, map[string]string{"text": format(result)})
		return
	}
	writeJSON(w, status, result)
}

// ValidateRequest carries credentials to check before they are stored
type ValidateRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	OpenAIAPIKey string `json:"openai_api_key"`
}

// ValidateResponse reports validation errors keyed by field ("base" for all)
type ValidateResponse struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors"`
}

// HandleValidate checks the OpenAI key format, then the grocery credentials
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	errs := map[string]string{}
	if err := llm.ValidateAPIKey(req.OpenAIAPIKey); err != nil {
		errs["base"] = ErrorInvalidOpenAIKey
	} else if !h.testCredentials(r.Context(), req.Email, req.Password) {
		errs["base"] = ErrorInvalidAuth
	}

	writeJSON(w, http.StatusOK, ValidateResponse{Valid: len(errs) == 0, Errors: errs})
}

func (h *Handlers) testCredentials(ctx context.Context, email, password string) bool {
	if email == "" || password == "" {
		return false
	}
	tester := h.newTester(email, password)
	defer tester.Close()
	return tester.TestConnection(ctx)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
