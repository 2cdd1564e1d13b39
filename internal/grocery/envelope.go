package grocery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Result is the normalized payload of one backend operation: either the
// envelope's "result" object or {"error": <message>}.
type Result map[string]any

// ErrorValue returns the error carried by the result, if any
func (r Result) ErrorValue() (any, bool) {
	v, ok := r["error"]
	if !ok || isEmptyError(v) {
		return nil, false
	}
	return v, true
}

// HasError reports whether the result carries a non-empty error
func (r Result) HasError() bool {
	_, ok := r.ErrorValue()
	return ok
}

// ErrorMessage renders the carried error as text, or "" when there is none
func (r Result) ErrorMessage() string {
	v, ok := r.ErrorValue()
	if !ok {
		return ""
	}
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func errorResult(format string, args ...any) Result {
	return Result{"error": fmt.Sprintf(format, args...)}
}

func isEmptyError(v any) bool {
	switch e := v.(type) {
	case nil:
		return true
	case string:
		return e == ""
	case map[string]any:
		return len(e) == 0
	case bool:
		return !e
	}
	return false
}

// decodeEnvelope turns a raw 200 response body into a Result. Event-stream
// bodies are parsed as SSE first; a plain body that is not JSON but carries
// data: lines is parsed as SSE as well.
func decodeEnvelope(body []byte, contentType string, logger zerolog.Logger) Result {
	var (
		envelope map[string]any
		ok       bool
	)

	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		envelope, ok = parseSSE(body, logger)
		if !ok {
			logger.Warn().Str("body", truncate(string(body), 200)).Msg("Event stream carried no valid data line")
			envelope = map[string]any{}
		}
	} else {
		var err error
		envelope, err = decodeObject(bytes.TrimSpace(body))
		if err != nil {
			if !bytes.Contains(body, []byte("data:")) {
				return errorResult("invalid response: %v", err)
			}
			envelope, ok = parseSSE(body, logger)
			if !ok {
				return errorResult("invalid response: %v", err)
			}
		}
	}

	return normalizeEnvelope(envelope)
}

// normalizeEnvelope applies the envelope rule: a non-empty "error" short
// circuits, otherwise "result" (default {}) is the payload.
func normalizeEnvelope(envelope map[string]any) Result {
	if errVal, ok := envelope["error"]; ok && !isEmptyError(errVal) {
		return Result{"error": errVal}
	}

	switch result := envelope["result"].(type) {
	case map[string]any:
		return Result(result)
	case nil:
		return Result{}
	default:
		return Result{"value": result}
	}
}

// parseSSE returns the last successfully decoded data: line. Lines that do
// not decode to a JSON object are logged and skipped.
func parseSSE(body []byte, logger zerolog.Logger) (map[string]any, bool) {
	var (
		last  map[string]any
		found bool
	)

	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}

		obj, err := decodeObject(data)
		if err != nil {
			logger.Warn().Err(err).Str("data", truncate(string(data), 200)).Msg("Failed to parse SSE data")
			continue
		}
		last = obj
		found = true
	}

	return last, found
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("expected JSON object, got null")
	}
	return obj, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
