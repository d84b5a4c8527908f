// Package ai bridges a phone call to the OpenAI realtime API over a
// websocket: uplink caller audio in, downlink assistant audio and tool
// calls out.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBridgeClosed is surfaced on the Fatal channel when the websocket
// fails and the single reconnect attempt fails too.
var ErrBridgeClosed = errors.New("realtime bridge closed")

const (
	realtimeURL      = "wss://api.openai.com/v1/realtime"
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second

	// audioChanSize buffers downlink PCM deltas; the session layer
	// drains these into the RTP queue continuously.
	audioChanSize = 256

	toolCallChanSize   = 8
	transcriptChanSize = 16
)

// SessionConfig is the per-call realtime session setup.
type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []Tool
}

// BridgeConfig carries the API credentials and model selection.
type BridgeConfig struct {
	APIKey string
	Model  string
}

// Bridge is one realtime API connection for the duration of a call.
// Uplink audio goes in via AppendAudio; downlink audio, tool calls,
// caller transcripts and barge-in signals come out on channels.
type Bridge struct {
	cfg     BridgeConfig
	session SessionConfig
	url     string
	logger  *slog.Logger

	mu   sync.Mutex // guards conn writes and reconnect
	conn *websocket.Conn

	audio       chan []byte
	toolCalls   chan ToolCall
	transcripts chan string
	interrupted chan struct{}
	fatal       chan error

	speaking    atomic.Bool
	reconnected atomic.Bool
	closed      atomic.Bool
	done        chan struct{}
	wg          sync.WaitGroup

	seenMu    sync.Mutex
	seenCalls map[string]bool
}

// NewBridge creates a bridge; call Connect to open the websocket.
func NewBridge(cfg BridgeConfig, session SessionConfig, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:         cfg,
		session:     session,
		url:         realtimeURL,
		logger:      logger.With("component", "ai"),
		audio:       make(chan []byte, audioChanSize),
		toolCalls:   make(chan ToolCall, toolCallChanSize),
		transcripts: make(chan string, transcriptChanSize),
		interrupted: make(chan struct{}, 1),
		fatal:       make(chan error, 1),
		done:        make(chan struct{}),
		seenCalls:   make(map[string]bool),
	}
}

// Connect dials the realtime API, configures the session and starts the
// read loop.
func (b *Bridge) Connect(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	if err := b.sendSessionUpdate(); err != nil {
		conn.Close()
		return err
	}

	b.wg.Add(1)
	go b.readLoop()

	b.logger.Info("realtime session opened",
		"model", b.cfg.Model,
		"tools", len(b.session.Tools),
	)
	return nil
}

// dial opens the websocket with bearer auth and the realtime beta header.
func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(b.url)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", b.cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime api: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing realtime api: %w", err)
	}
	return conn, nil
}

// Close shuts the bridge down. Safe to call more than once.
func (b *Bridge) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)

	b.mu.Lock()
	if b.conn != nil {
		b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		b.conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("realtime session closed")
}

// Audio delivers decoded PCM16 audio deltas at the assistant rate.
func (b *Bridge) Audio() <-chan []byte { return b.audio }

// ToolCalls delivers de-duplicated function invocations from the model.
func (b *Bridge) ToolCalls() <-chan ToolCall { return b.toolCalls }

// Transcripts delivers completed transcriptions of the caller's speech.
func (b *Bridge) Transcripts() <-chan string { return b.transcripts }

// Interrupted signals that the caller started speaking while the
// assistant was talking. The session layer clears queued audio.
func (b *Bridge) Interrupted() <-chan struct{} { return b.interrupted }

// Fatal delivers at most one error when the bridge is beyond recovery.
func (b *Bridge) Fatal() <-chan error { return b.fatal }

// Done is closed when the bridge has shut down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Speaking reports whether a model response is currently in flight.
func (b *Bridge) Speaking() bool { return b.speaking.Load() }

// AppendAudio sends one chunk of PCM16 caller audio. With server VAD
// the API decides turn boundaries itself, so no explicit commit is sent.
func (b *Bridge) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return b.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CreateResponse asks the model to respond now. Used once after session
// setup so the assistant greets the caller first.
func (b *Bridge) CreateResponse() error {
	return b.writeJSON(map[string]any{"type": "response.create"})
}

// Say makes the assistant speak the given instruction out of band, used
// for PIN prompts and failure narration.
func (b *Bridge) Say(text string) error {
	return b.writeJSON(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": text,
		},
	})
}

// SubmitToolResult reports a tool's outcome back to the model and asks
// it to narrate the result.
func (b *Bridge) SubmitToolResult(callID string, result any) error {
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding tool result: %w", err)
	}
	if err := b.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	}); err != nil {
		return err
	}
	return b.CreateResponse()
}

// sendSessionUpdate pushes the session configuration: formats, voice,
// server VAD, caller transcription, instructions and tool descriptors.
func (b *Bridge) sendSessionUpdate() error {
	tools := b.session.Tools
	if tools == nil {
		tools = []Tool{}
	}
	return b.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":        b.session.Instructions,
			"voice":               b.session.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"modalities":          []string{"text", "audio"},
			"turn_detection":      map[string]any{"type": "server_vad"},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"tools": tools,
		},
	})
}

// writeJSON serializes writes; gorilla/websocket allows one writer at a
// time.
func (b *Bridge) writeJSON(v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.closed.Load() {
		return ErrBridgeClosed
	}
	b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing to realtime api: %w", err)
	}
	return nil
}

// readLoop consumes server events until the connection fails or the
// bridge closes. One reconnect is attempted; a second failure is fatal.
func (b *Bridge) readLoop() {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if b.closed.Load() {
				return
			}
			if b.reconnect(err) {
				continue
			}
			b.fatal <- fmt.Errorf("%w: %v", ErrBridgeClosed, err)
			return
		}

		ev, err := parseServerEvent(raw)
		if err != nil {
			b.logger.Warn("unparseable server event", "error", err)
			continue
		}
		b.handleEvent(ev)
	}
}

// reconnect redials once, preserving the session configuration. Open
// tool-call dedupe records survive so a replayed call is not run twice.
func (b *Bridge) reconnect(cause error) bool {
	if !b.reconnected.CompareAndSwap(false, true) {
		return false
	}
	b.logger.Warn("realtime connection lost, reconnecting", "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	conn, err := b.dial(ctx)
	if err != nil {
		b.logger.Error("reconnect failed", "error", err)
		return false
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()

	if err := b.sendSessionUpdate(); err != nil {
		b.logger.Error("reconnect session update failed", "error", err)
		return false
	}

	b.logger.Info("realtime connection re-established")
	return true
}

// handleEvent routes one server event.
func (b *Bridge) handleEvent(ev *serverEvent) {
	switch ev.Type {
	case "session.created":
		id := ""
		if ev.Session != nil {
			id = ev.Session.ID
		}
		b.logger.Info("realtime session created", "session_id", id)

	case "session.updated":
		b.logger.Debug("realtime session updated")

	case "error":
		msg := "unknown"
		if ev.Error != nil {
			msg = ev.Error.String()
		}
		b.logger.Error("realtime api error", "error", msg)

	case "response.created":
		b.speaking.Store(true)

	case "response.done", "response.interrupted":
		b.speaking.Store(false)

	case "input_audio_buffer.speech_started":
		// Caller barged in; drop in-flight assistant audio.
		b.speaking.Store(false)
		select {
		case b.interrupted <- struct{}{}:
		default:
		}

	case "response.audio.delta", "response.output_audio.delta":
		// Deltas arriving after the response finished or was
		// interrupted are stale and dropped.
		if !b.speaking.Load() {
			return
		}
		pcm, err := decodeAudioDelta(ev)
		if err != nil {
			b.logger.Warn("bad audio delta", "error", err)
			return
		}
		if len(pcm) == 0 {
			return
		}
		select {
		case b.audio <- pcm:
		default:
			b.logger.Warn("audio channel full, delta dropped")
		}

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return
		}
		select {
		case b.transcripts <- ev.Transcript:
		default:
			b.logger.Warn("transcript channel full, transcript dropped")
		}

	case "response.function_call_arguments.done", "response.output_item.added":
		call, ok := toolCallFromEvent(ev)
		if !ok {
			return
		}
		if !b.markCallSeen(call.CallID) {
			return
		}
		b.logger.Info("tool call requested",
			"tool", call.Name,
			"call_id", call.CallID,
		)
		select {
		case b.toolCalls <- *call:
		default:
			b.logger.Warn("tool call channel full, call dropped", "call_id", call.CallID)
		}
	}
}

// markCallSeen records a tool call id; false when already delivered.
func (b *Bridge) markCallSeen(callID string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if b.seenCalls[callID] {
		return false
	}
	b.seenCalls[callID] = true
	return true
}
