package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/havoice/havoice/internal/config"
	"github.com/havoice/havoice/internal/media"
)

// IncomingCall is an answered call handed to the session layer: the
// SIP dialog plus the already-started RTP stream.
type IncomingCall struct {
	Dialog *Dialog
	Stream *media.Stream
}

// Engine wraps the sipgo stack: it keeps the registration alive,
// answers incoming INVITEs, and tracks dialogs.
type Engine struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	registrar *Registrar
	dialogs   *DialogManager
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnIncomingCall is invoked (in its own goroutine) for each call we
	// answered. Must be set before Start.
	OnIncomingCall func(call *IncomingCall)

	// OnHangup is invoked when the far end ends a call with BYE.
	OnHangup func(callID string)

	// OnInfoDigit delivers DTMF digits received via SIP INFO, the
	// fallback for endpoints that do not send RFC 2833.
	OnInfoDigit func(callID, digit string)
}

// NewEngine creates the SIP engine with all handlers registered.
func NewEngine(cfg *config.Config) (*Engine, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("havoice"),
		sipgo.WithUserAgentHostname(cfg.MediaIP()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		registrar: NewRegistrar(cfg, client, logger),
		dialogs:   NewDialogManager(logger),
		logger:    logger,
	}

	e.registerHandlers()
	return e, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (e *Engine) registerHandlers() {
	e.srv.OnInvite(e.handleInvite)
	e.srv.OnAck(e.handleACK)
	e.srv.OnBye(e.handleBye)
	e.srv.OnCancel(e.handleCancel)
	e.srv.OnOptions(e.handleOptions)
	e.srv.OnInfo(e.handleInfo)
}

// Registrar exposes registration status for health reporting.
func (e *Engine) Registrar() *Registrar { return e.registrar }

// Dialogs exposes the active dialog tracker.
func (e *Engine) Dialogs() *DialogManager { return e.dialogs }

// Start begins listening on the configured transport and starts the
// registration loop. Non-blocking; listener failures are logged.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", e.cfg.SIPPort)
	transport := e.cfg.SIPTransport

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("sip listener starting", "transport", transport, "addr", addr)
		if err := e.srv.ListenAndServe(ctx, transport, addr); err != nil {
			e.logger.Error("sip listener stopped", "error", err)
		}
	}()

	e.registrar.Start(ctx)
	return nil
}

// Fatal delivers the registrar's fatal error, if registration is
// abandoned.
func (e *Engine) Fatal() <-chan error { return e.registrar.Fatal() }

// Stop un-registers, tears down remaining dialogs and shuts the stack down.
func (e *Engine) Stop() {
	e.logger.Info("stopping sip engine")

	// End remaining calls before dropping the registration; the BYE
	// still needs our registered identity at the PBX.
	for _, d := range e.dialogs.All() {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		if err := e.Hangup(ctx, d); err != nil {
			e.logger.Warn("hangup during shutdown failed", "call_id", d.CallID, "error", err)
		}
		cancel()
	}

	e.registrar.Stop()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.client.Close()
	e.srv.Close()
	e.ua.Close()
	e.logger.Info("sip engine stopped")
}

// handleACK confirms a dialog we answered: the caller acknowledged our
// 200 OK and the call is now active.
func (e *Engine) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d := e.dialogs.Get(callID)
	if d == nil {
		e.logger.Debug("ack for unknown dialog", "call_id", callID)
		return
	}
	if d.State() == CallStateAnswering {
		d.setState(CallStateActive)
		e.logger.Info("call active", "call_id", callID)
	}
}

// handleBye ends a call at the far end's request.
func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	e.logger.Info("bye received", "call_id", callID, "from", req.From().Address.User)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to bye", "error", err)
	}

	d := e.dialogs.Get(callID)
	if d == nil {
		return
	}
	if d.beginTerminate("remote_hangup") {
		e.dialogs.Remove(callID)
		if e.OnHangup != nil {
			e.OnHangup(callID)
		}
	}
}

// handleCancel ends a call the far end abandoned before it went active.
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	e.logger.Info("cancel received", "call_id", callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to cancel", "error", err)
	}

	d := e.dialogs.Get(callID)
	if d == nil {
		return
	}
	if d.beginTerminate("caller_cancel") {
		e.dialogs.Remove(callID)
		if e.OnHangup != nil {
			e.OnHangup(callID)
		}
	}
}

// handleOptions responds to keepalive pings from the PBX.
func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.logger.Debug("sip options received", "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO requests carrying DTMF digits, the
// fallback for endpoints that do not support RFC 2833 telephone-event.
func (e *Engine) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	respond := func() {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			e.logger.Error("failed to respond to info", "error", err)
		}
	}

	ct := req.ContentType()
	if ct == nil {
		e.logger.Debug("sip info without content-type, ignoring", "call_id", callID)
		respond()
		return
	}

	dtmfInfo, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		// Not a DTMF INFO; acknowledge but don't process.
		e.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
		)
		respond()
		return
	}

	e.logger.Info("sip info dtmf received",
		"signal", dtmfInfo.Signal,
		"duration", dtmfInfo.Duration,
		"call_id", callID,
	)

	if e.OnInfoDigit != nil {
		e.OnInfoDigit(callID, dtmfInfo.Signal)
	}
	respond()
}

// callIDOf extracts the Call-ID header value, or "".
func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
