package sip

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// CallState represents the lifecycle state of an incoming call.
type CallState string

const (
	CallStateRinging     CallState = "ringing"     // INVITE received, provisional sent
	CallStateAnswering   CallState = "answering"   // 200 OK sent, waiting for ACK
	CallStateActive      CallState = "active"      // ACK received, media flowing
	CallStateTerminating CallState = "terminating" // BYE in flight
	CallStateClosed      CallState = "closed"      // dialog over
)

// Dialog tracks one incoming call from INVITE to teardown. State
// transitions only move forward; Terminate is idempotent.
type Dialog struct {
	// CallID is the SIP Call-ID header value.
	CallID string

	// CallerID is the caller's number or SIP username (From user part).
	CallerID string

	// CallerName is the From display name, if any.
	CallerName string

	// CalledNum is the dialed number (Request-URI user part).
	CalledNum string

	// InviteReq is the original INVITE, needed for building in-dialog
	// requests (BYE).
	InviteReq *sip.Request

	// OKResponse is the 200 OK we sent, holding our To tag.
	OKResponse *sip.Response

	// StartTime is when the INVITE was received.
	StartTime time.Time

	// AnswerTime is when we sent the 200 OK.
	AnswerTime *time.Time

	// EndTime is when the call was terminated.
	EndTime *time.Time

	// HangupCause describes why the call ended.
	HangupCause string

	mu    sync.Mutex
	state CallState
}

// State returns the dialog's current state.
func (d *Dialog) State() CallState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// setState advances the dialog state. Transitions out of closed are
// ignored.
func (d *Dialog) setState(s CallState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == CallStateClosed {
		return
	}
	d.state = s
}

// beginTerminate moves the dialog to terminating and reports whether
// this caller won the race. Only the winner runs teardown.
func (d *Dialog) beginTerminate(cause string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == CallStateTerminating || d.state == CallStateClosed {
		return false
	}
	d.state = CallStateTerminating
	d.HangupCause = cause
	now := time.Now()
	d.EndTime = &now
	return true
}

// Duration returns the total call duration from start to end.
// Returns zero if the call has not ended.
func (d *Dialog) Duration() time.Duration {
	if d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// DialogManager tracks active dialogs in memory, keyed by Call-ID.
// Thread-safe for concurrent SIP request processing.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogManager creates a new in-memory dialog tracker.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog"),
	}
}

// Add registers a new dialog.
func (dm *DialogManager) Add(d *Dialog) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.dialogs[d.CallID] = d
	dm.logger.Info("dialog created",
		"call_id", d.CallID,
		"caller", d.CallerID,
		"called", d.CalledNum,
	)
}

// Get retrieves an active dialog by Call-ID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[callID]
}

// Remove closes a dialog and drops it from the active map. Returns the
// dialog, or nil if none was tracked under the Call-ID.
func (dm *DialogManager) Remove(callID string) *Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, ok := dm.dialogs[callID]
	if !ok {
		return nil
	}
	delete(dm.dialogs, callID)

	d.setState(CallStateClosed)
	if d.EndTime == nil {
		now := time.Now()
		d.EndTime = &now
	}

	dm.logger.Info("dialog closed",
		"call_id", d.CallID,
		"hangup_cause", d.HangupCause,
		"duration_ms", d.Duration().Milliseconds(),
	)
	return d
}

// ActiveCount returns the number of currently active dialogs.
func (dm *DialogManager) ActiveCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

// All returns a snapshot of active dialogs.
func (dm *DialogManager) All() []*Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]*Dialog, 0, len(dm.dialogs))
	for _, d := range dm.dialogs {
		out = append(out, d)
	}
	return out
}
