package authorize

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	output map[string]any
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, service string, args map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, service)
	return f.output, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePrompter struct {
	mu      sync.Mutex
	prompts []string
}

func (f *fakePrompter) Say(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakePrompter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func strptr(s string) *string { return &s }

func testEngine(exec *fakeExecutor, prompter *fakePrompter, digits, transcripts chan string, opts Options) *Engine {
	return NewEngine(exec, prompter, digits, transcripts, opts, slog.New(slog.DiscardHandler))
}

// fastOpts keeps challenge timing tight for tests.
func fastOpts() Options {
	return Options{
		VoiceWindow: 20 * time.Millisecond,
		Deadline:    500 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func TestAuthorizeWithoutPINExecutesImmediately(t *testing.T) {
	exec := &fakeExecutor{output: map[string]any{"ok": true}}
	prompter := &fakePrompter{}
	e := testEngine(exec, prompter, make(chan string), make(chan string), fastOpts())

	res := e.Authorize(context.Background(), Request{
		ToolName: "lights_on",
		Service:  "light.turn_on",
		Args:     map[string]any{"brightness": 200},
	})

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", exec.callCount())
	}
	if prompter.count() != 0 {
		t.Errorf("prompts = %d, want 0", prompter.count())
	}
}

func TestAuthorizeDeniesWhenNoPINConfigured(t *testing.T) {
	exec := &fakeExecutor{}
	e := testEngine(exec, &fakePrompter{}, make(chan string), make(chan string), fastOpts())

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         nil,
	})

	if res.State != StateDenied {
		t.Fatalf("state = %q, want denied", res.State)
	}
	if !errors.Is(res.Err, ErrNoPINConfigured) {
		t.Errorf("err = %v, want ErrNoPINConfigured", res.Err)
	}
	if exec.callCount() != 0 {
		t.Error("executor must not run for a denied invocation")
	}
}

func TestAuthorizeAcceptsVoicePIN(t *testing.T) {
	exec := &fakeExecutor{output: map[string]any{"ok": true}}
	digits := make(chan string, 4)
	transcripts := make(chan string, 4)
	e := testEngine(exec, &fakePrompter{}, digits, transcripts, fastOpts())

	go func() {
		transcripts <- "the pin is one two three four"
	}()

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("1234"),
	})

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", exec.callCount())
	}
}

func TestAuthorizeAcceptsDTMFAfterVoiceWindow(t *testing.T) {
	exec := &fakeExecutor{}
	digits := make(chan string, 8)
	transcripts := make(chan string, 4)
	e := testEngine(exec, &fakePrompter{}, digits, transcripts, fastOpts())

	go func() {
		// Past the 20ms voice window before keying the PIN.
		time.Sleep(60 * time.Millisecond)
		for _, d := range []string{"9", "8", "7", "6"} {
			digits <- d
		}
	}()

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("9876"),
	})

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestAuthorizeRollingBufferMatchesLastDigits(t *testing.T) {
	exec := &fakeExecutor{}
	digits := make(chan string, 8)
	transcripts := make(chan string, 4)
	e := testEngine(exec, &fakePrompter{}, digits, transcripts, fastOpts())

	go func() {
		// Stumble first, then the real PIN; the last four digits count.
		transcripts <- "uh five five one two three four"
	}()

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("1234"),
	})

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestAuthorizeExhaustsAttempts(t *testing.T) {
	exec := &fakeExecutor{}
	prompter := &fakePrompter{}
	digits := make(chan string, 16)
	transcripts := make(chan string, 8)
	opts := fastOpts()
	opts.MaxAttempts = 2
	e := testEngine(exec, prompter, digits, transcripts, opts)

	go func() {
		transcripts <- "one one one one"
		transcripts <- "two two two two"
	}()

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("1234"),
	})

	if res.State != StateDenied {
		t.Fatalf("state = %q, want denied", res.State)
	}
	if !errors.Is(res.Err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", res.Err)
	}
	if exec.callCount() != 0 {
		t.Error("executor must not run after exhausted attempts")
	}
}

func TestAuthorizeChallengeTimeout(t *testing.T) {
	exec := &fakeExecutor{}
	opts := fastOpts()
	opts.Deadline = 50 * time.Millisecond
	e := testEngine(exec, &fakePrompter{}, make(chan string), make(chan string), opts)

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("1234"),
	})

	if res.State != StateDenied {
		t.Fatalf("state = %q, want denied", res.State)
	}
	if !errors.Is(res.Err, ErrChallengeTimeout) {
		t.Errorf("err = %v, want ErrChallengeTimeout", res.Err)
	}
}

func TestAuthorizeCancelledBySession(t *testing.T) {
	exec := &fakeExecutor{}
	e := testEngine(exec, &fakePrompter{}, make(chan string), make(chan string), fastOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Authorize(ctx, Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("1234"),
	})

	if res.State != StateDenied {
		t.Fatalf("state = %q, want denied", res.State)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
}

func TestAuthorizeReportsExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("service unavailable")}
	e := testEngine(exec, &fakePrompter{}, make(chan string), make(chan string), fastOpts())

	res := e.Authorize(context.Background(), Request{
		ToolName: "lights_on",
		Service:  "light.turn_on",
	})

	if res.State != StateCompleted {
		t.Fatalf("state = %q, want completed", res.State)
	}
	if res.Err == nil {
		t.Error("executor error should surface in the result")
	}
}

func TestAuthorizeDrainsStaleDigits(t *testing.T) {
	exec := &fakeExecutor{}
	digits := make(chan string, 8)
	transcripts := make(chan string, 4)
	// Digits pressed before the challenge started must not count.
	digits <- "9"
	digits <- "9"

	e := testEngine(exec, &fakePrompter{}, digits, transcripts, fastOpts())

	go func() {
		time.Sleep(60 * time.Millisecond)
		for _, d := range []string{"1", "2", "3", "4"} {
			digits <- d
		}
	}()

	res := e.Authorize(context.Background(), Request{
		ToolName:    "open_door",
		Service:     "script.open_door",
		RequiresPIN: true,
		PIN:         strptr("1234"),
	})

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
}
