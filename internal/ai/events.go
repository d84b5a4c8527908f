package ai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Tool is one function descriptor sent in the session configuration.
type Tool struct {
	Type        string         `json:"type"` // always "function"
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON-schema object describing a tool's arguments.
type ToolParameters struct {
	Type       string               `json:"type"` // always "object"
	Properties map[string]ToolParam `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

// ToolParam is the schema fragment for one argument.
type ToolParam struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// serverEvent is the decoded envelope of one message from the realtime
// API. Only the fields we act on are mapped; the rest are ignored.
type serverEvent struct {
	Type string `json:"type"`

	// Delta carries base64 PCM16 for audio deltas and plain text for
	// transcript deltas.
	Delta string `json:"delta"`

	// Function call fields (response.function_call_arguments.done).
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	// Transcript of completed caller speech
	// (conversation.item.input_audio_transcription.completed).
	Transcript string `json:"transcript"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session"`

	Item *eventItem `json:"item"`

	Error *apiError `json:"error"`
}

// eventItem is the item payload of response.output_item.added.
type eventItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) String() string {
	if e == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// parseServerEvent decodes a raw websocket message into an event.
func parseServerEvent(raw []byte) (*serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parsing server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("server event has no type")
	}
	return &ev, nil
}

// decodeAudioDelta decodes the base64 PCM16 payload of an audio delta.
func decodeAudioDelta(ev *serverEvent) ([]byte, error) {
	if ev.Delta == "" {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		return nil, fmt.Errorf("decoding audio delta: %w", err)
	}
	return pcm, nil
}

// toolCallFromEvent extracts a tool call from the two event shapes the
// API delivers them in. response.function_call_arguments.done carries
// call_id, name and arguments at the top level; response.output_item.added
// nests them in an item of type function_call. Items with empty arguments
// are skipped, the arguments-done event will follow with the full set.
func toolCallFromEvent(ev *serverEvent) (*ToolCall, bool) {
	switch ev.Type {
	case "response.function_call_arguments.done":
		if ev.CallID == "" || ev.Name == "" {
			return nil, false
		}
		return &ToolCall{
			CallID:    ev.CallID,
			Name:      ev.Name,
			Arguments: parseArguments(ev.Arguments),
		}, true

	case "response.output_item.added":
		item := ev.Item
		if item == nil || item.Type != "function_call" {
			return nil, false
		}
		if item.CallID == "" || item.Name == "" || item.Arguments == "" {
			return nil, false
		}
		return &ToolCall{
			CallID:    item.CallID,
			Name:      item.Name,
			Arguments: parseArguments(item.Arguments),
		}, true
	}
	return nil, false
}

// parseArguments decodes the model's argument JSON, tolerating empty or
// malformed input (the tool layer validates against the tool table anyway).
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
