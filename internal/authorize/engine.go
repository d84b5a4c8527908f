// Package authorize gates tool execution behind PIN verification. Each
// invocation walks a strict state machine; PIN digits arrive either as
// speech transcripts or DTMF key presses.
package authorize

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the lifecycle state of one tool invocation.
type State string

const (
	StateReceived    State = "received"
	StateAwaitingPIN State = "awaiting_pin"
	StateVerifying   State = "verifying"
	StateAuthorized  State = "authorized"
	StateDenied      State = "denied"
	StateCompleted   State = "completed"
)

var (
	// ErrPINMismatch is the per-attempt failure; it is only surfaced
	// when it exhausts the attempt budget.
	ErrPINMismatch = errors.New("pin mismatch")

	// ErrAttemptsExhausted denies an invocation after too many wrong PINs.
	ErrAttemptsExhausted = errors.New("pin attempts exhausted")

	// ErrChallengeTimeout denies an invocation when the caller does not
	// produce a full PIN before the deadline.
	ErrChallengeTimeout = errors.New("pin challenge timed out")

	// ErrNoPINConfigured denies a protected tool for a caller with no PIN
	// on file. No challenge is issued; there is nothing to compare against.
	ErrNoPINConfigured = errors.New("no pin configured for caller")
)

// digitBufferCap bounds the rolling digit buffer.
const digitBufferCap = 10

// Executor runs an authorized action against the home automation system.
type Executor interface {
	Execute(ctx context.Context, service string, args map[string]any) (map[string]any, error)
}

// Prompter speaks to the caller. The bridge's out-of-band instruction
// channel implements it.
type Prompter interface {
	Say(text string) error
}

// Options tune the PIN challenge.
type Options struct {
	// VoiceWindow is how long each attempt listens to speech only
	// before DTMF digits are also accepted.
	VoiceWindow time.Duration

	// Deadline bounds the whole challenge across all attempts.
	Deadline time.Duration

	// MaxAttempts is how many wrong PINs are tolerated.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.VoiceWindow <= 0 {
		o.VoiceWindow = 6 * time.Second
	}
	if o.Deadline <= 0 {
		o.Deadline = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Request is one tool invocation to authorize and execute.
type Request struct {
	CallID      string // model tool-call id, used for result correlation
	ToolName    string
	Service     string // home automation service in domain.service form
	Args        map[string]any
	RequiresPIN bool
	PIN         *string // caller's configured PIN; nil when none on file
}

// Result is the outcome of one invocation.
type Result struct {
	State  State
	Output map[string]any // executor output when the action ran
	Err    error          // denial reason or executor error
}

// Engine authorizes and executes tool invocations for one call. The
// digit and transcript channels are the call's DTMF and speech feeds;
// the engine only consumes them during an active challenge.
type Engine struct {
	executor    Executor
	prompter    Prompter
	digits      <-chan string
	transcripts <-chan string
	opts        Options
	logger      *slog.Logger
}

// NewEngine creates an authorization engine for one call.
func NewEngine(executor Executor, prompter Prompter, digits, transcripts <-chan string, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		executor:    executor,
		prompter:    prompter,
		digits:      digits,
		transcripts: transcripts,
		opts:        opts.withDefaults(),
		logger:      logger.With("component", "authorize"),
	}
}

// Authorize runs one invocation through the state machine: challenge
// when the tool requires a PIN, then execute. Each invocation runs in a
// single goroutine; transitions are strictly sequential.
func (e *Engine) Authorize(ctx context.Context, req Request) Result {
	e.logger.Info("tool invocation received",
		"state", StateReceived,
		"tool", req.ToolName,
		"service", req.Service,
		"requires_pin", req.RequiresPIN,
	)

	if req.RequiresPIN {
		if req.PIN == nil || *req.PIN == "" {
			e.logger.Warn("protected tool denied, caller has no pin", "tool", req.ToolName)
			e.say("Tell the caller this action requires a security PIN, but none is set up for them, so you cannot perform it.")
			return Result{State: StateDenied, Err: ErrNoPINConfigured}
		}
		if err := e.challenge(ctx, *req.PIN); err != nil {
			e.logger.Warn("pin challenge failed", "tool", req.ToolName, "reason", err)
			e.say("Tell the caller the PIN verification failed and the action was not performed.")
			return Result{State: StateDenied, Err: err}
		}
	}

	e.logger.Info("tool invocation authorized", "state", StateAuthorized, "tool", req.ToolName)

	output, err := e.executor.Execute(ctx, req.Service, req.Args)
	if err != nil {
		e.logger.Error("tool execution failed", "tool", req.ToolName, "error", err)
		return Result{State: StateCompleted, Err: fmt.Errorf("executing %s: %w", req.Service, err)}
	}

	e.logger.Info("tool invocation completed", "tool", req.ToolName)
	return Result{State: StateCompleted, Output: output}
}

// challenge collects and verifies the PIN, re-prompting on mismatch
// until the attempt budget or the overall deadline runs out.
func (e *Engine) challenge(parent context.Context, expected string) error {
	ctx, cancel := context.WithTimeout(parent, e.opts.Deadline)
	defer cancel()

	e.drainStale()
	e.say(fmt.Sprintf("Ask the caller to say or key in their %d-digit security PIN.", len(expected)))

	for attempt := 1; ; attempt++ {
		e.logger.Debug("collecting pin", "state", StateAwaitingPIN, "attempt", attempt)
		got, err := e.collect(ctx, len(expected))
		if err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			return err
		}

		e.logger.Debug("verifying pin", "state", StateVerifying, "attempt", attempt)
		if pinEqual(got, expected) {
			return nil
		}

		e.logger.Info("pin attempt failed", "attempt", attempt)
		if attempt >= e.opts.MaxAttempts {
			return ErrAttemptsExhausted
		}
		e.say("Tell the caller the PIN was incorrect and ask them to try again.")
	}
}

// collect gathers digits into a rolling buffer until it holds a full
// PIN's worth, returning the last pinLen digits. Speech digits are
// accepted immediately; DTMF only after the voice window elapses.
func (e *Engine) collect(ctx context.Context, pinLen int) (string, error) {
	var buf []byte
	push := func(digits string) {
		for i := 0; i < len(digits); i++ {
			if digits[i] < '0' || digits[i] > '9' {
				continue
			}
			buf = append(buf, digits[i])
			if len(buf) > digitBufferCap {
				buf = buf[1:]
			}
		}
	}

	voiceWindow := time.NewTimer(e.opts.VoiceWindow)
	defer voiceWindow.Stop()
	acceptDTMF := false

	for {
		select {
		case <-ctx.Done():
			return "", ErrChallengeTimeout

		case <-voiceWindow.C:
			acceptDTMF = true

		case text := <-e.transcripts:
			push(NormalizeDigits(text))

		case digit := <-e.digits:
			if !acceptDTMF {
				e.logger.Debug("dtmf digit ignored during voice window")
				continue
			}
			push(digit)
		}

		if len(buf) >= pinLen {
			return string(buf[len(buf)-pinLen:]), nil
		}
	}
}

// drainStale discards digits buffered before the challenge started.
func (e *Engine) drainStale() {
	for {
		select {
		case <-e.digits:
		case <-e.transcripts:
		default:
			return
		}
	}
}

func (e *Engine) say(text string) {
	if e.prompter == nil {
		return
	}
	if err := e.prompter.Say(text); err != nil {
		e.logger.Warn("prompt failed", "error", err)
	}
}

// pinEqual compares PINs in constant time.
func pinEqual(got, expected string) bool {
	if len(got) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
