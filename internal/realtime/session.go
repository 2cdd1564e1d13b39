// Package realtime is a client for the OpenAI Realtime API. A Session owns
// one WebSocket connection: callers send audio and text, and a receive loop
// delivers audio, transcripts and function calls to an EventHandler.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/catalog"
	"github.com/rohlikvoice/voice-gateway/internal/observability"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-mini-realtime-preview"
	DefaultVoice = "alloy"

	writeTimeout = 10 * time.Second
)

var ErrAlreadyConnected = errors.New("realtime session already connected")

// State is the connection state of a Session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventHandler receives what the model streams back.
type EventHandler interface {
	// OnAudioDelta receives decoded PCM16 audio.
	OnAudioDelta(audio []byte)

	// OnTranscript receives a delta of the assistant's spoken text.
	OnTranscript(text string)

	// OnFunctionCall executes a tool. args is always a JSON object. The
	// result is sent back to the model as JSON, or verbatim if it is a string.
	OnFunctionCall(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Config configures a Session
type Config struct {
	APIKey           string
	URL              string
	Model            string
	Voice            string
	Instructions     string
	Tools            []catalog.RealtimeTool
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = catalog.SystemPrompt
	}
	if c.Tools == nil {
		c.Tools = catalog.RealtimeTools()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Session is one realtime connection
type Session struct {
	cfg     Config
	handler EventHandler
	logger  zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	pending map[string]struct{}

	writeMu sync.Mutex
}

// NewSession creates a disconnected session
func NewSession(cfg Config, handler EventHandler, logger zerolog.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether sends reach the model
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Done is closed when the receive loop exits. It is nil before Connect.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect dials the API, configures the session and starts the receive loop
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		s.logger.Error().Err(err).Msg("Failed to connect to Realtime API")
		observability.RecordError("realtime_connect", "realtime")
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.done = done
	s.state = StateConnected
	s.mu.Unlock()

	if err := s.configure(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to configure realtime session")
		cancel()
		close(done)
		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("failed to configure session: %w", err)
	}

	go s.receiveLoop(loopCtx, conn, done)

	s.logger.Info().Str("model", s.cfg.Model).Msg("Connected to OpenAI Realtime API")
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to Realtime API: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to Realtime API: %w", err)
	}
	return conn, nil
}

func (s *Session) configure() error {
	return s.send(sessionUpdate{
		Type: eventSessionUpdate,
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            s.cfg.Instructions,
			Voice:                   s.cfg.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: transcriptionConfig{Model: "whisper-1"},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
			Tools:      s.cfg.Tools,
			ToolChoice: "auto",
		},
	})
}

// Disconnect stops the receive loop, waits for it to exit and closes the
// connection. It is safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn, cancel, done := s.conn, s.cancel, s.done
	s.state = StateDisconnected
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}

	cancel()
	// Unblock ReadMessage; the connection stays open until the loop is gone.
	conn.UnderlyingConn().SetReadDeadline(time.Now())
	<-done

	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	s.writeMu.Unlock()

	s.mu.Lock()
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	s.logger.Info().Msg("Disconnected from OpenAI Realtime API")
}

// SendAudio appends PCM16 audio to the input buffer. It is a no-op when
// not connected.
func (s *Session) SendAudio(audio []byte) error {
	if !s.Connected() {
		s.logger.Warn().Msg("Cannot send audio: not connected")
		return nil
	}
	observability.RecordAudioBytes("inbound", len(audio))
	return s.send(audioAppend{
		Type:  eventAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

// CommitAudio commits the input buffer and asks for a response
func (s *Session) CommitAudio() error {
	if !s.Connected() {
		s.logger.Warn().Msg("Cannot commit audio: not connected")
		return nil
	}
	if err := s.send(typeOnly{Type: eventAudioCommit}); err != nil {
		return err
	}
	return s.send(typeOnly{Type: eventResponseCreate})
}

// SendText adds a user text message and asks for a response
func (s *Session) SendText(text string) error {
	if !s.Connected() {
		s.logger.Warn().Msg("Cannot send text: not connected")
		return nil
	}
	err := s.send(itemCreate{
		Type: eventItemCreate,
		Item: item{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	return s.send(typeOnly{Type: eventResponseCreate})
}

func (s *Session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write realtime event")
		return err
	}
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) receiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Realtime receive loop panicked")
		}
		s.mu.Lock()
		if s.conn == conn {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Info().Msg("Realtime WebSocket closed")
			default:
				s.logger.Error().Err(err).Msg("Error in realtime receive loop")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to decode realtime event")
			continue
		}
		s.handleEvent(ctx, ev)
	}
}

func (s *Session) handleEvent(ctx context.Context, ev serverEvent) {
	switch ev.Type {
	case eventError:
		s.logger.Error().RawJSON("error", rawOrNull(ev.Error)).Msg("Realtime API error")
		observability.RecordError("realtime_api", "realtime")

	case eventSessionCreated:
		s.logger.Debug().Str("session_id", ev.Session.ID).Msg("Session created")

	case eventSessionUpdated:
		s.logger.Debug().Msg("Session updated")

	case eventAudioDelta:
		if ev.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to decode audio delta")
			return
		}
		observability.RecordAudioBytes("outbound", len(audio))
		s.handler.OnAudioDelta(audio)

	case eventTranscriptDelta:
		if ev.Delta != "" {
			s.handler.OnTranscript(ev.Delta)
		}

	case eventInputTranscription:
		s.logger.Debug().Str("transcript", ev.Transcript).Msg("User said")

	case eventFunctionCallDone:
		s.handleFunctionCall(ctx, ev)

	case eventResponseDone:
		s.logger.Debug().Msg("Response completed")

	default:
		s.logger.Trace().Str("type", ev.Type).Msg("Unhandled realtime event")
	}
}

// handleFunctionCall always answers the call, even when the handler fails,
// so the model never waits on a result.
func (s *Session) handleFunctionCall(ctx context.Context, ev serverEvent) {
	args := json.RawMessage(ev.Arguments)
	if !isJSONObject(args) {
		s.logger.Warn().Str("tool", ev.Name).Msg("Malformed function arguments, using empty arguments")
		args = json.RawMessage("{}")
	}

	s.mu.Lock()
	s.pending[ev.CallID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ev.CallID)
		s.mu.Unlock()
	}()

	s.logger.Info().Str("tool", ev.Name).Str("call_id", ev.CallID).Msg("Function call")

	result, err := s.callHandler(ctx, ev.Name, args)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", ev.Name).Msg("Function call error")
		result = map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}

	s.send(itemCreate{
		Type: eventItemCreate,
		Item: item{
			Type:   "function_call_output",
			CallID: ev.CallID,
			Output: catalog.EncodeResult(result),
		},
	})
	s.send(typeOnly{Type: eventResponseCreate})
}

func (s *Session) callHandler(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return s.handler.OnFunctionCall(ctx, name, args)
}

// PendingCalls returns the number of function calls being executed
func (s *Session) PendingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return []byte("null")
	}
	return raw
}
