// Package relay bridges a browser or satellite WebSocket to a realtime model
// session. Binary frames carry PCM16 audio both ways; text frames carry JSON
// control messages.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/catalog"
	"github.com/rohlikvoice/voice-gateway/internal/observability"
	"github.com/rohlikvoice/voice-gateway/internal/realtime"
)

const (
	connectTimeout = 15 * time.Second
	writeTimeout   = 10 * time.Second
)

// newUpgrader accepts browser origins listed in allowed. "*" allows any
// origin; an empty list falls back to the same-origin check. Requests
// without an Origin header are not from a browser and are accepted.
func newUpgrader(allowed []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowed) == 0 {
		return u
	}

	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			origins[o] = struct{}{}
		}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := origins["*"]; ok {
			return true
		}
		_, ok := origins[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
	return u
}

// Backend is the grocery client a relay session owns
type Backend interface {
	catalog.Backend
	Close() error
}

// Config configures the relay handler
type Config struct {
	// NewBackend creates the grocery client for one connection. logger
	// carries the connection's session id.
	NewBackend func(logger zerolog.Logger) Backend

	// AllowedOrigins lists browser origins that may open the socket
	AllowedOrigins []string

	// Realtime is the template for each connection's model session
	Realtime realtime.Config
}

// ClientMessage is a JSON control frame from the client
type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerMessage is a JSON control frame sent to the client
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionContext is the state one connection owns: its grocery client and
// model credentials. Nothing is shared between connections.
type SessionContext struct {
	ID      string
	Backend Backend
	APIKey  string
}

// ClientSession relays one client connection
type ClientSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	sessCtx    *SessionContext
	dispatcher *catalog.Dispatcher
	realtime   *realtime.Session

	stop    chan struct{}
	metrics *observability.SessionMetrics
	logger  zerolog.Logger
}

func newClientSession(conn *websocket.Conn, cfg Config) *ClientSession {
	id := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(id).With().Str("component", "relay").Logger()

	sessCtx := &SessionContext{
		ID:      id,
		Backend: cfg.NewBackend(logger),
		APIKey:  cfg.Realtime.APIKey,
	}

	s := &ClientSession{
		conn:       conn,
		sessCtx:    sessCtx,
		dispatcher: catalog.NewDispatcher(sessCtx.Backend, "realtime", logger),
		stop:       make(chan struct{}),
		metrics:    observability.NewSessionMetrics(),
		logger:     logger,
	}

	rtCfg := cfg.Realtime
	rtCfg.APIKey = sessCtx.APIKey
	s.realtime = realtime.NewSession(rtCfg, s, logger)
	return s
}

// HandleWS upgrades the request and relays until either side closes
func HandleWS(cfg Config) http.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins)
	logger := observability.ComponentLogger("relay")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		s := newClientSession(conn, cfg)
		defer s.close()

		s.logger.Info().Msg("New relay WebSocket connection established")
		s.run(r.Context())
	}
}

func (s *ClientSession) run(ctx context.Context) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := s.realtime.Connect(connectCtx)
	cancel()
	if err != nil {
		s.writeJSON(ServerMessage{Type: "error", Message: "Failed to connect to OpenAI"})
		return
	}

	if err := s.writeJSON(ServerMessage{Type: "connected", SessionID: s.sessCtx.ID}); err != nil {
		return
	}

	// A dropped model connection ends the client connection as well
	go func() {
		select {
		case <-s.realtime.Done():
			select {
			case <-s.stop:
				return
			default:
			}
			s.writeJSON(ServerMessage{Type: "error", Message: "Realtime connection closed"})
			s.conn.Close()
		case <-s.stop:
		}
	}()

	s.processIncomingMessages()
}

// processIncomingMessages reads client frames until the connection closes
func (s *ClientSession) processIncomingMessages() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.realtime.SendAudio(data); err != nil {
				s.logger.Error().Err(err).Msg("Failed to forward audio")
			}

		case websocket.TextMessage:
			s.handleControl(data)
		}
	}
}

func (s *ClientSession) handleControl(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error().Err(err).Msg("Error processing message")
		return
	}

	switch msg.Type {
	case "audio_commit":
		if err := s.realtime.CommitAudio(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to commit audio")
		}
	case "text":
		if err := s.realtime.SendText(msg.Text); err != nil {
			s.logger.Error().Err(err).Msg("Failed to send text")
		}
	case "ping":
		s.writeJSON(ServerMessage{Type: "pong"})
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Unknown client message")
	}
}

func (s *ClientSession) close() {
	close(s.stop)
	if pending := s.realtime.PendingCalls(); pending > 0 {
		s.logger.Warn().Int("pending_calls", pending).Msg("Closing relay with function calls in flight")
	}
	s.realtime.Disconnect()
	if err := s.sessCtx.Backend.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing grocery client")
	}
	s.metrics.End()
	s.logger.Info().Msg("Relay session ended")
}

// OnAudioDelta forwards model audio to the client as a binary frame
func (s *ClientSession) OnAudioDelta(audio []byte) {
	if err := s.write(websocket.BinaryMessage, audio); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send audio")
	}
}

// OnTranscript forwards the assistant transcript to the client
func (s *ClientSession) OnTranscript(text string) {
	if err := s.writeJSON(ServerMessage{Type: "transcript", Text: text}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send transcript")
	}
}

// OnFunctionCall executes a tool against this connection's grocery client
func (s *ClientSession) OnFunctionCall(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return s.dispatcher.Execute(ctx, name, args), nil
}

func (s *ClientSession) writeJSON(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *ClientSession) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}
