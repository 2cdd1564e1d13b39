package realtime

import (
	"encoding/json"

	"github.com/rohlikvoice/voice-gateway/internal/catalog"
)

// Client event types
const (
	eventSessionUpdate  = "session.update"
	eventAudioAppend    = "input_audio_buffer.append"
	eventAudioCommit    = "input_audio_buffer.commit"
	eventItemCreate     = "conversation.item.create"
	eventResponseCreate = "response.create"
)

// Server event types
const (
	eventError              = "error"
	eventSessionCreated     = "session.created"
	eventSessionUpdated     = "session.updated"
	eventAudioDelta         = "response.audio.delta"
	eventTranscriptDelta    = "response.audio_transcript.delta"
	eventInputTranscription = "conversation.item.input_audio_transcription.completed"
	eventFunctionCallDone   = "response.function_call_arguments.done"
	eventResponseDone       = "response.done"
)

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string               `json:"modalities"`
	Instructions            string                 `json:"instructions"`
	Voice                   string                 `json:"voice"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription transcriptionConfig    `json:"input_audio_transcription"`
	TurnDetection           turnDetection          `json:"turn_detection"`
	Tools                   []catalog.RealtimeTool `json:"tools"`
	ToolChoice              string                 `json:"tool_choice"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnly struct {
	Type string `json:"type"`
}

type itemCreate struct {
	Type string `json:"type"`
	Item item   `json:"item"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverEvent holds the fields of every inbound event type handled here
type serverEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  string          `json:"arguments"`
	Transcript string          `json:"transcript"`
	Error      json.RawMessage `json:"error"`
	Session    struct {
		ID string `json:"id"`
	} `json:"session"`
}
