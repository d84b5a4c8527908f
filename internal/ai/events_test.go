package ai

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestParseServerEvent(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantErr  bool
	}{
		{"session created", `{"type":"session.created","session":{"id":"sess_1"}}`, "session.created", false},
		{"audio delta", `{"type":"response.audio.delta","delta":"AAAA"}`, "response.audio.delta", false},
		{"missing type", `{"delta":"AAAA"}`, "", true},
		{"not json", `nope`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseServerEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Type != tt.wantType {
				t.Errorf("type = %q, want %q", ev.Type, tt.wantType)
			}
		})
	}
}

func TestDecodeAudioDelta(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	ev := &serverEvent{
		Type:  "response.audio.delta",
		Delta: base64.StdEncoding.EncodeToString(pcm),
	}

	got, err := decodeAudioDelta(ev)
	if err != nil {
		t.Fatalf("decodeAudioDelta: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("decoded = %v, want %v", got, pcm)
	}

	if _, err := decodeAudioDelta(&serverEvent{Delta: "!!!"}); err == nil {
		t.Error("expected error for invalid base64")
	}

	if got, err := decodeAudioDelta(&serverEvent{}); err != nil || got != nil {
		t.Errorf("empty delta = %v, %v; want nil, nil", got, err)
	}
}

func TestToolCallFromArgumentsDone(t *testing.T) {
	raw := `{
		"type": "response.function_call_arguments.done",
		"call_id": "call_42",
		"name": "open_door",
		"arguments": "{\"entity_id\":\"lock.front\",\"pin\":\"1234\"}"
	}`
	ev, err := parseServerEvent([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	call, ok := toolCallFromEvent(ev)
	if !ok {
		t.Fatal("expected a tool call")
	}
	if call.CallID != "call_42" || call.Name != "open_door" {
		t.Errorf("call = %+v", call)
	}
	if call.Arguments["entity_id"] != "lock.front" {
		t.Errorf("arguments = %v", call.Arguments)
	}
	if call.Arguments["pin"] != "1234" {
		t.Errorf("arguments = %v", call.Arguments)
	}
}

func TestToolCallFromOutputItemAdded(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
	}{
		{
			"complete function call item",
			`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c1","name":"lights_on","arguments":"{\"brightness\":200}"}}`,
			true,
		},
		{
			"empty arguments waits for done event",
			`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c2","name":"lights_on","arguments":""}}`,
			false,
		},
		{
			"non function item",
			`{"type":"response.output_item.added","item":{"type":"message"}}`,
			false,
		},
		{
			"no item",
			`{"type":"response.output_item.added"}`,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseServerEvent([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			call, ok := toolCallFromEvent(ev)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (call %+v)", ok, tt.wantOK, call)
			}
			if ok && call.Name != "lights_on" {
				t.Errorf("name = %q", call.Name)
			}
		})
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int // number of keys
	}{
		{"valid object", `{"a":1,"b":"x"}`, 2},
		{"empty string", ``, 0},
		{"malformed", `{`, 0},
		{"json null", `null`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := parseArguments(tt.raw)
			if args == nil {
				t.Fatal("arguments must never be nil")
			}
			if len(args) != tt.want {
				t.Errorf("len = %d, want %d", len(args), tt.want)
			}
		})
	}
}

func TestToolDescriptorShape(t *testing.T) {
	tool := Tool{
		Type:        "function",
		Name:        "lights_on",
		Description: "Turns on the lights",
		Parameters: ToolParameters{
			Type: "object",
			Properties: map[string]ToolParam{
				"brightness": {Type: "integer", Description: "0 to 255"},
			},
		},
	}

	raw, err := json.Marshal(tool)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "function" {
		t.Errorf("type = %v", decoded["type"])
	}
	params, ok := decoded["parameters"].(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("parameters = %v", decoded["parameters"])
	}
}

func TestMarkCallSeen(t *testing.T) {
	b := &Bridge{seenCalls: make(map[string]bool)}

	if !b.markCallSeen("c1") {
		t.Error("first sighting should be new")
	}
	if b.markCallSeen("c1") {
		t.Error("second sighting should be deduplicated")
	}
	if !b.markCallSeen("c2") {
		t.Error("different call id should be new")
	}
}
