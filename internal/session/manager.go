package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/havoice/havoice/internal/ai"
	"github.com/havoice/havoice/internal/config"
	"github.com/havoice/havoice/internal/homeassistant"
	sipengine "github.com/havoice/havoice/internal/sip"
)

// hangupTimeout bounds the BYE transaction when a session ends a call.
const hangupTimeout = 5 * time.Second

// Manager owns the active sessions, one per dialog, keyed by Call-ID.
// It wires the SIP engine's call events to session lifecycles.
type Manager struct {
	cfg    *config.Config
	tables *config.Tables
	engine *sipengine.Engine
	ha     *homeassistant.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the session manager and attaches it to the SIP
// engine's callbacks.
func NewManager(cfg *config.Config, tables *config.Tables, engine *sipengine.Engine, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		tables:   tables,
		engine:   engine,
		ha:       homeassistant.NewClient(cfg.HomeAssistantURL, cfg.HomeAssistantToken, logger),
		logger:   logger.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}

	if !m.ha.Configured() {
		m.logger.Warn("home assistant url or token missing, tool execution will fail")
	}

	engine.OnIncomingCall = m.handleCall
	engine.OnHangup = m.handleHangup
	engine.OnInfoDigit = m.handleInfoDigit

	return m
}

// ActiveCount returns the number of running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes all active sessions and waits for their teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		s.Close()
		<-s.Done()
	}
}

// handleCall starts a session for an answered call.
func (m *Manager) handleCall(call *sipengine.IncomingCall) {
	callID := call.Dialog.CallID
	settings := m.tables.Resolve(call.Dialog.CallerID)

	m.logger.Info("starting session",
		"call_id", callID,
		"caller", call.Dialog.CallerID,
		"active_dialogs", m.engine.Dialogs().ActiveCount(),
	)

	bridge := ai.NewBridge(
		ai.BridgeConfig{APIKey: m.cfg.OpenAIAPIKey, Model: m.cfg.OpenAIModel},
		ai.SessionConfig{
			Instructions: sessionInstructions(settings),
			Voice:        m.cfg.OpenAIVoice,
			Tools:        toolDescriptors(m.tables, settings.AvailableTools),
		},
		m.logger.With("call_id", callID),
	)

	s := New(Params{
		CallID:   callID,
		CallerID: call.Dialog.CallerID,
		Tables:   m.tables,
		Bridge:   bridge,
		Stream:   call.Stream,
		Executor: m.ha,
		Hangup: func() {
			ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
			defer cancel()
			if err := m.engine.Hangup(ctx, call.Dialog); err != nil {
				m.logger.Warn("hangup failed", "call_id", callID, "error", err)
			}
		},
		Logger: m.logger,
	})

	m.mu.Lock()
	m.sessions[callID] = s
	m.mu.Unlock()

	if err := s.Run(context.Background()); err != nil {
		m.logger.Error("session failed to start", "call_id", callID, "error", err)
		m.remove(callID)
		// The caller hears nothing otherwise; end the call.
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		if err := m.engine.Hangup(ctx, call.Dialog); err != nil {
			m.logger.Warn("hangup after failed start", "call_id", callID, "error", err)
		}
		return
	}

	// Reap the session record once it finishes.
	go func() {
		<-s.Done()
		m.remove(callID)
	}()
}

// handleHangup ends the session when the far end sent BYE.
func (m *Manager) handleHangup(callID string) {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	go s.Close()
}

// handleInfoDigit feeds SIP INFO DTMF into the call's digit channel.
func (m *Manager) handleInfoDigit(callID, digit string) {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if injector, ok := s.stream.(digitInjector); ok {
		injector.InjectDigit(digit)
	}
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// digitInjector is implemented by media.Stream.
type digitInjector interface {
	InjectDigit(digit string)
}

// sessionInstructions combines the profile instructions with the
// language directive.
func sessionInstructions(settings config.CallerSettings) string {
	instructions := settings.Instructions
	if settings.Language != "" {
		instructions += "\nRespond in the language: " + settings.Language + "."
	}
	return instructions
}
