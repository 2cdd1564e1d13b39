// Package conversation implements the turn-based shopping assistant: one
// user message in, one spoken answer out, with at most one round of tool
// calls against the grocery backend in between.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/rohlikvoice/voice-gateway/internal/catalog"
	"github.com/rohlikvoice/voice-gateway/internal/history"
	"github.com/rohlikvoice/voice-gateway/internal/llm"
	"github.com/rohlikvoice/voice-gateway/internal/observability"
)

const (
	FallbackText    = "Omlouvám se, nemám odpověď."
	errorTextPrefix = "Omlouvám se, došlo k chybě: "
)

var errNoChoices = errors.New("language model returned no choices")

// Input is one user turn
type Input struct {
	Text           string
	ConversationID string
	Language       string
}

// Result is the assistant's answer. Error is set when ResponseText is the
// apology for a failed turn.
type Result struct {
	ResponseText   string
	ConversationID string
	Language       string
	Error          string
}

// Agent answers user turns. It is safe for concurrent use when its
// completer, backend and store are.
type Agent struct {
	completer  llm.ChatCompleter
	dispatcher *catalog.Dispatcher
	history    history.Store
	model      string
	logger     zerolog.Logger
	newID      func() string
}

// Option configures an Agent
type Option func(*Agent)

// WithModel sets the chat model
func WithModel(model string) Option {
	return func(a *Agent) {
		if model != "" {
			a.model = model
		}
	}
}

// WithIDGenerator overrides how new conversation ids are made
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) {
		a.newID = fn
	}
}

// NewAgent creates an agent dispatching tool calls to backend
func NewAgent(completer llm.ChatCompleter, backend catalog.Backend, store history.Store, opts ...Option) *Agent {
	logger := observability.ComponentLogger("conversation")
	a := &Agent{
		completer:  completer,
		dispatcher: catalog.NewDispatcher(backend, "chat", logger),
		history:    store,
		model:      llm.DefaultModel,
		logger:     logger,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process answers one user turn. It never fails: errors become an apology
// in ResponseText and the conversation id is always returned.
func (a *Agent) Process(ctx context.Context, in Input) Result {
	id := in.ConversationID
	if id == "" {
		id = a.newID()
	}
	logger := a.logger.With().Str("conversation_id", id).Logger()
	logger.Debug().Str("text", in.Text).Msg("Processing input")

	past, err := a.history.Get(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load history, starting fresh")
		past = nil
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(past)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: catalog.SystemPrompt})
	for _, turn := range past {
		messages = append(messages, openai.ChatCompletionMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.Text})

	result := Result{ConversationID: id, Language: in.Language}

	text, outcome, err := a.respond(ctx, logger, messages)
	if err != nil {
		logger.Error().Err(err).Msg("Error processing conversation")
		observability.RecordError("conversation_error", "conversation")
		text = errorTextPrefix + err.Error()
		result.Error = err.Error()
		outcome = "error"
	}
	result.ResponseText = text
	observability.RecordConversationTurn(outcome)

	if _, err := a.history.Append(ctx, id,
		history.Turn{Role: openai.ChatMessageRoleUser, Content: in.Text},
		history.Turn{Role: openai.ChatMessageRoleAssistant, Content: text},
	); err != nil {
		logger.Warn().Err(err).Msg("Failed to store history")
	}

	return result
}

// respond runs the model, executes any tool calls once and asks the model
// for the final answer.
func (a *Agent) respond(ctx context.Context, logger zerolog.Logger, messages []openai.ChatCompletionMessage) (text, outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	reply, err := a.complete(ctx, openai.ChatCompletionRequest{
		Model:      a.model,
		Messages:   messages,
		Tools:      catalog.ChatTools(),
		ToolChoice: "auto",
	})
	if err != nil {
		return "", "", err
	}

	if len(reply.ToolCalls) == 0 {
		return orFallback(reply.Content), "answered", nil
	}

	toolMessages := make([]openai.ChatCompletionMessage, 0, len(reply.ToolCalls))
	for _, call := range reply.ToolCalls {
		logger.Info().Str("tool", call.Function.Name).Str("call_id", call.ID).Msg("Executing tool call")
		result := a.dispatcher.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
		toolMessages = append(toolMessages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    catalog.EncodeResult(result),
			ToolCallID: call.ID,
		})
	}

	followUp := make([]openai.ChatCompletionMessage, 0, len(messages)+1+len(toolMessages))
	followUp = append(followUp, messages...)
	followUp = append(followUp, reply)
	followUp = append(followUp, toolMessages...)

	final, err := a.complete(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: followUp,
	})
	if err != nil {
		return "", "", err
	}
	return orFallback(final.Content), "tool_calls", nil
}

func (a *Agent) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	start := time.Now()
	resp, err := a.completer.CreateChatCompletion(ctx, req)
	if err == nil && len(resp.Choices) == 0 {
		err = errNoChoices
	}
	observability.RecordChatRequest(start, err == nil)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}
	return resp.Choices[0].Message, nil
}

func orFallback(content string) string {
	if content == "" {
		return FallbackText
	}
	return content
}
