// Package sip implements the signaling side of the assistant: outbound
// registration with the PBX, incoming call handling, and dialog state.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/havoice/havoice/internal/config"
)

// ErrRegistrationFailed is delivered on the Fatal channel after the
// registration loop exhausts its attempts. The process cannot receive
// calls without a registration, so this is treated as fatal.
var ErrRegistrationFailed = errors.New("sip registration failed")

// RegistrationState represents the state of our registration with the PBX.
type RegistrationState string

const (
	StateUnregistered RegistrationState = "unregistered"
	StateRegistering  RegistrationState = "registering"
	StateRegistered   RegistrationState = "registered"
	StateRefreshing   RegistrationState = "refreshing"
	StateFailed       RegistrationState = "failed"
)

const (
	// maxRegisterAttempts is how many consecutive failures the
	// registration loop tolerates before giving up for good.
	maxRegisterAttempts = 5

	// healthCheckInterval is how often we send OPTIONS pings to the PBX.
	healthCheckInterval = 30 * time.Second
	// healthCheckTimeout is the max time to wait for an OPTIONS response.
	healthCheckTimeout = 5 * time.Second

	// unregisterTimeout bounds the best-effort un-register on shutdown.
	unregisterTimeout = 5 * time.Second
)

// RegistrarStatus is a snapshot of the registrar's runtime state.
type RegistrarStatus struct {
	State          RegistrationState
	LastError      string
	RetryAttempt   int
	RegisteredAt   *time.Time
	ExpiresAt      *time.Time
	OptionsHealthy bool
}

// Registrar maintains a single outbound SIP registration with the PBX:
// initial REGISTER with digest auth, refresh at 80% of the granted
// expiry, exponential backoff on failure, and OPTIONS health checks.
type Registrar struct {
	cfg    *config.Config
	client *sipgo.Client
	logger *slog.Logger

	mu     sync.RWMutex
	status RegistrarStatus

	fatal  chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistrar creates a registrar using the given SIP client.
func NewRegistrar(cfg *config.Config, client *sipgo.Client, logger *slog.Logger) *Registrar {
	return &Registrar{
		cfg:    cfg,
		client: client,
		logger: logger.With("subsystem", "registrar"),
		status: RegistrarStatus{State: StateUnregistered},
		fatal:  make(chan error, 1),
	}
}

// Fatal delivers at most one error when registration is given up on.
func (r *Registrar) Fatal() <-chan error { return r.fatal }

// Status returns a snapshot of the registrar state.
func (r *Registrar) Status() RegistrarStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Start launches the registration and health check loops.
func (r *Registrar) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.registrationLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.healthCheckLoop(ctx)
	}()
}

// Stop cancels the loops and sends a best-effort un-register
// (REGISTER with Expires: 0) when we were registered.
func (r *Registrar) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.Status().State != StateRegistered {
		return
	}

	unregCtx, unregCancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer unregCancel()
	if _, err := r.sendRegister(unregCtx, 0); err != nil {
		r.logger.Warn("failed to un-register", "error", err)
	} else {
		r.logger.Info("un-registered from pbx")
	}
	r.setState(StateUnregistered, "")
}

// registrationLoop runs the registration lifecycle: initial register,
// then periodic re-registration before the granted expiry lapses.
func (r *Registrar) registrationLoop(ctx context.Context) {
	expiry := r.cfg.RegisterExpiry

	r.logger.Info("starting registration",
		"server", r.cfg.SIPServerAddr(),
		"username", r.cfg.SIPUsername,
		"transport", r.cfg.SIPTransport,
		"expiry", expiry,
	)

	backoff := newBackoff()
	registered := false

	for {
		// A refresh renews an existing binding; everything else is a
		// fresh registration.
		if registered {
			r.setState(StateRefreshing, "")
		} else {
			r.setState(StateRegistering, "")
		}

		grantedExpiry, err := r.sendRegister(ctx, expiry)
		if err != nil {
			registered = false
			if ctx.Err() != nil {
				return
			}

			if backoff.attempt+1 >= maxRegisterAttempts {
				r.logger.Error("registration abandoned after repeated failures",
					"attempts", backoff.attempt+1,
					"error", err,
				)
				r.setState(StateFailed, err.Error())
				r.fatal <- fmt.Errorf("%w after %d attempts: %v", ErrRegistrationFailed, backoff.attempt+1, err)
				return
			}

			retryDelay := backoff.next()
			r.logger.Error("registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			r.mu.Lock()
			r.status.State = StateFailed
			r.status.LastError = err.Error()
			r.status.RetryAttempt = backoff.attempt
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		// Registration succeeded; use server-granted expiry for timing.
		registered = true
		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		r.mu.Lock()
		r.status.State = StateRegistered
		r.status.LastError = ""
		r.status.RetryAttempt = 0
		r.status.RegisteredAt = &now
		r.status.ExpiresAt = &expiresAt
		r.mu.Unlock()

		if grantedExpiry != expiry {
			r.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			r.logger.Info("registered", "expires_in", grantedExpiry)
		}

		// Re-register before expiry. Use 80% of the server-granted
		// expiry to account for network delays.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			r.logger.Debug("re-registering")
		}
	}
}

// sendRegister sends a SIP REGISTER request with digest auth handling.
// On success it returns the server-granted expiry (from the 200 OK).
// If the server does not include an expiry, the requested one is returned.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s", r.cfg.SIPServerAddr())
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(r.cfg.SIPTransport))

	// From and To carry the account's AOR; the registrar uses them to
	// identify who is registering.
	aor := fmt.Sprintf("\"%s\" <sip:%s@%s>", r.cfg.SIPDisplayName, r.cfg.SIPUsername, r.cfg.SIPServerHost())
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.SIPUsername, r.cfg.MediaIP(), r.cfg.SIPPort)
	req.AppendHeader(sip.NewHeader("Contact", contactURI))

	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	// 401 Unauthorized or 407 Proxy Authentication Required: digest auth.
	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: r.cfg.SIPUsername,
			Password: r.cfg.SIPPassword,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Parse server-granted expiry from the 200 OK response.
	// Per RFC 3261 §10.2.4, the registrar may shorten the requested expiry.
	// Check Contact header expires param first, then Expires header.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// healthCheckLoop periodically sends OPTIONS pings to the PBX and
// records reachability.
func (r *Registrar) healthCheckLoop(ctx context.Context) {
	// Wait one interval before the first check to allow registration
	// to complete.
	select {
	case <-ctx.Done():
		return
	case <-time.After(healthCheckInterval):
	}

	for {
		err := r.sendOptions(ctx)

		r.mu.Lock()
		if err == nil {
			r.status.OptionsHealthy = true
		} else if ctx.Err() == nil {
			r.status.OptionsHealthy = false
		}
		r.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			r.logger.Warn("health check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(healthCheckInterval):
		}
	}
}

// sendOptions sends a SIP OPTIONS ping to the PBX and returns an error
// if it is unreachable or responds with a non-2xx status.
func (r *Registrar) sendOptions(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s", r.cfg.SIPServerAddr())
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(r.cfg.SIPTransport))

	pingCtx, pingCancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer pingCancel()

	tx, err := r.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}

	return nil
}

func (r *Registrar) setState(state RegistrationState, lastErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.State = state
	r.status.LastError = lastErr
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
// Jitter prevents thundering herd when the PBX comes back after an outage.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// Add ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
