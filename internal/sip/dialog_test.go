package sip

import (
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDialogStateTransitions(t *testing.T) {
	d := &Dialog{CallID: "abc", state: CallStateRinging}

	d.setState(CallStateAnswering)
	if got := d.State(); got != CallStateAnswering {
		t.Errorf("state = %q, want answering", got)
	}

	d.setState(CallStateActive)
	if got := d.State(); got != CallStateActive {
		t.Errorf("state = %q, want active", got)
	}

	d.setState(CallStateClosed)
	d.setState(CallStateActive) // must not reopen
	if got := d.State(); got != CallStateClosed {
		t.Errorf("state = %q, want closed", got)
	}
}

func TestDialogBeginTerminate(t *testing.T) {
	d := &Dialog{CallID: "abc", state: CallStateActive, StartTime: time.Now()}

	if !d.beginTerminate("local_hangup") {
		t.Fatal("first beginTerminate should win")
	}
	if d.HangupCause != "local_hangup" {
		t.Errorf("cause = %q, want local_hangup", d.HangupCause)
	}
	if d.EndTime == nil {
		t.Error("EndTime should be set")
	}

	// A concurrent remote BYE must lose the race and not overwrite the cause.
	if d.beginTerminate("remote_hangup") {
		t.Error("second beginTerminate should lose")
	}
	if d.HangupCause != "local_hangup" {
		t.Errorf("cause overwritten to %q", d.HangupCause)
	}
}

func TestDialogDuration(t *testing.T) {
	start := time.Now()
	end := start.Add(42 * time.Second)
	d := &Dialog{StartTime: start, EndTime: &end}

	if got := d.Duration(); got != 42*time.Second {
		t.Errorf("duration = %v, want 42s", got)
	}

	open := &Dialog{StartTime: start}
	if got := open.Duration(); got != 0 {
		t.Errorf("duration of open dialog = %v, want 0", got)
	}
}

func TestDialogManager(t *testing.T) {
	dm := NewDialogManager(testLogger())

	d1 := &Dialog{CallID: "call-1", state: CallStateActive, StartTime: time.Now()}
	d2 := &Dialog{CallID: "call-2", state: CallStateActive, StartTime: time.Now()}
	dm.Add(d1)
	dm.Add(d2)

	if got := dm.ActiveCount(); got != 2 {
		t.Errorf("active count = %d, want 2", got)
	}
	if dm.Get("call-1") != d1 {
		t.Error("Get returned wrong dialog")
	}
	if dm.Get("missing") != nil {
		t.Error("Get for unknown call id should return nil")
	}

	removed := dm.Remove("call-1")
	if removed != d1 {
		t.Error("Remove returned wrong dialog")
	}
	if removed.State() != CallStateClosed {
		t.Errorf("removed dialog state = %q, want closed", removed.State())
	}
	if removed.EndTime == nil {
		t.Error("removed dialog should have an EndTime")
	}
	if got := dm.ActiveCount(); got != 1 {
		t.Errorf("active count after remove = %d, want 1", got)
	}

	if dm.Remove("call-1") != nil {
		t.Error("second Remove should return nil")
	}

	all := dm.All()
	if len(all) != 1 || all[0] != d2 {
		t.Errorf("All() = %v, want just call-2", all)
	}
}
