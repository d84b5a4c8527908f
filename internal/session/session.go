// Package session orchestrates one phone call: it pumps audio between
// the RTP stream and the realtime bridge, routes digits, and runs tool
// invocations through authorization.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/havoice/havoice/internal/ai"
	"github.com/havoice/havoice/internal/authorize"
	"github.com/havoice/havoice/internal/codec"
	"github.com/havoice/havoice/internal/config"
)

// Bridge is the slice of the realtime bridge the session uses.
type Bridge interface {
	Connect(ctx context.Context) error
	Close()
	AppendAudio(pcm []byte) error
	CreateResponse() error
	Say(text string) error
	SubmitToolResult(callID string, result any) error
	Audio() <-chan []byte
	ToolCalls() <-chan ai.ToolCall
	Transcripts() <-chan string
	Interrupted() <-chan struct{}
	Fatal() <-chan error
}

// Stream is the slice of the RTP stream the session uses.
type Stream interface {
	Frames() <-chan []byte
	Digits() <-chan string
	Queue(ulaw []byte)
	ClearQueue()
	Stop()
	Done() <-chan struct{}
}

// Session runs one call end to end. Teardown order is fixed: bridge
// first, then the stream, then the hangup callback.
type Session struct {
	id       string
	callID   string
	callerID string
	settings config.CallerSettings
	tables   *config.Tables

	bridge   Bridge
	stream   Stream
	executor authorize.Executor
	hangup   func() // signals the SIP layer to end the dialog
	authOpts authorize.Options

	logger *slog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	teardown sync.Once
	done     chan struct{}
}

// Params collects the session's collaborators.
type Params struct {
	CallID   string
	CallerID string
	Tables   *config.Tables
	Bridge   Bridge
	Stream   Stream
	Executor authorize.Executor
	Hangup   func()
	AuthOpts authorize.Options
	Logger   *slog.Logger
}

// New creates a session for an answered call.
func New(p Params) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		callID:   p.CallID,
		callerID: p.CallerID,
		settings: p.Tables.Resolve(p.CallerID),
		tables:   p.Tables,
		bridge:   p.Bridge,
		stream:   p.Stream,
		executor: p.Executor,
		hangup:   p.Hangup,
		authOpts: p.AuthOpts,
		logger:   p.Logger.With("component", "session", "session_id", id, "call_id", p.CallID),
		done:     make(chan struct{}),
	}
}

// Settings exposes the resolved caller profile.
func (s *Session) Settings() config.CallerSettings { return s.settings }

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run connects the bridge and starts the pump loops. It returns after
// startup; the loops run until the call ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("session starting",
		"caller", s.callerID,
		"caller_name", s.settings.CallerName,
		"language", s.settings.Language,
		"tools", len(s.settings.AvailableTools),
	)

	if err := s.bridge.Connect(ctx); err != nil {
		s.Close()
		return fmt.Errorf("connecting bridge: %w", err)
	}

	// Greet the caller first; with server VAD the model would otherwise
	// wait for the caller to speak.
	if s.settings.Welcome != "" {
		if err := s.bridge.Say(s.settings.Welcome); err != nil {
			s.logger.Warn("greeting failed", "error", err)
		}
	} else if err := s.bridge.CreateResponse(); err != nil {
		s.logger.Warn("greeting failed", "error", err)
	}

	s.wg.Add(3)
	go s.uplink(ctx)
	go s.downlink(ctx)
	go s.toolLoop(ctx)

	return nil
}

// Close tears the session down. Idempotent; safe from any goroutine.
func (s *Session) Close() {
	s.teardown.Do(func() {
		s.logger.Info("session closing")
		if s.cancel != nil {
			s.cancel()
		}
		s.bridge.Close()
		s.stream.Stop()
		if s.hangup != nil {
			s.hangup()
		}
		s.wg.Wait()
		close(s.done)
		s.logger.Info("session closed")
	})
}

// uplink decodes incoming u-law frames, resamples them to the assistant
// rate and appends them to the bridge's input buffer.
func (s *Session) uplink(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.stream.Frames():
			if !ok {
				s.logger.Info("media stream ended")
				go s.Close()
				return
			}
			pcm := codec.DecodeUlaw(frame)
			pcm = codec.Resample(pcm, codec.TelephoneRate, codec.AssistantRate)
			if err := s.bridge.AppendAudio(codec.PCMToBytes(pcm)); err != nil {
				s.logger.Debug("uplink append failed", "error", err)
			}
		}
	}
}

// downlink resamples assistant audio down to the telephone rate,
// encodes it as u-law and queues it on the stream. A barge-in signal
// clears whatever is still queued.
func (s *Session) downlink(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-s.bridge.Fatal():
			s.logger.Error("bridge failed, ending call", "error", err)
			go s.Close()
			return

		case <-s.bridge.Interrupted():
			s.logger.Debug("caller barge-in, clearing queued audio")
			s.stream.ClearQueue()

		case pcmBytes := <-s.bridge.Audio():
			pcm := codec.BytesToPCM(pcmBytes)
			pcm = codec.Resample(pcm, codec.AssistantRate, codec.TelephoneRate)
			s.stream.Queue(codec.EncodeUlaw(pcm))
		}
	}
}

// toolLoop runs tool invocations sequentially: resolve the tool,
// authorize (PIN challenge when required), execute, and report the
// outcome back to the model.
func (s *Session) toolLoop(ctx context.Context) {
	defer s.wg.Done()

	auth := authorize.NewEngine(
		s.executor,
		prompter{s.bridge},
		s.stream.Digits(),
		s.bridge.Transcripts(),
		s.authOpts,
		s.logger,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case call := <-s.bridge.ToolCalls():
			s.handleToolCall(ctx, auth, call)
		}
	}
}

func (s *Session) handleToolCall(ctx context.Context, auth *authorize.Engine, call ai.ToolCall) {
	tool, ok := s.tables.Tool(call.Name)
	if !ok || !allowsTool(s.settings.AvailableTools, call.Name) {
		s.logger.Warn("tool not available for caller", "tool", call.Name)
		s.submitResult(call.CallID, map[string]any{
			"success": false,
			"error":   "tool not available",
		})
		return
	}

	pin := s.callerPIN()
	res := auth.Authorize(ctx, authorize.Request{
		CallID:      call.CallID,
		ToolName:    call.Name,
		Service:     tool.Service,
		Args:        filterArguments(tool, call.Arguments),
		RequiresPIN: tool.RequiresPIN,
		PIN:         pin,
	})

	switch {
	case res.Err != nil && res.State == authorize.StateDenied:
		s.submitResult(call.CallID, map[string]any{
			"success": false,
			"error":   "not authorized: " + res.Err.Error(),
		})
	case res.Err != nil:
		s.submitResult(call.CallID, map[string]any{
			"success": false,
			"error":   res.Err.Error(),
		})
	default:
		s.submitResult(call.CallID, res.Output)
	}
}

func (s *Session) submitResult(callID string, result any) {
	if err := s.bridge.SubmitToolResult(callID, result); err != nil {
		s.logger.Warn("failed to submit tool result", "call_id", callID, "error", err)
	}
}

// callerPIN fetches the caller's configured PIN, nil when none is set.
func (s *Session) callerPIN() *string {
	if pin, ok := s.tables.PIN(s.callerID); ok {
		return &pin
	}
	return nil
}

// prompter adapts the bridge's Say to the authorize.Prompter interface.
type prompter struct {
	bridge Bridge
}

func (p prompter) Say(text string) error { return p.bridge.Say(text) }
