package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/havoice/havoice/internal/media"
)

// handleInvite answers an incoming call: negotiate the SDP offer, bind
// an RTP port, send 180 and 200, and hand the call to the session layer.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	from := req.From()
	if from == nil {
		e.respondError(req, tx, 400, "Bad Request")
		return
	}
	callerID := from.Address.User
	calledNum := req.Recipient.User

	e.logger.Info("invite received",
		"call_id", callID,
		"caller", callerID,
		"called", calledNum,
		"source", req.Source(),
	)

	// Re-INVITEs would renegotiate media mid-call, which we don't do.
	if e.dialogs.Get(callID) != nil {
		e.logger.Warn("re-invite rejected", "call_id", callID)
		e.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		e.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	negotiated, err := media.NegotiateOffer(req.Body())
	if err != nil {
		if errors.Is(err, media.ErrCapabilityMismatch) {
			e.logger.Warn("rejecting call without G.711 u-law", "call_id", callID)
			e.respondError(req, tx, 488, "Not Acceptable Here")
		} else {
			e.logger.Warn("rejecting call with unparseable offer", "call_id", callID, "error", err)
			e.respondError(req, tx, 400, "Bad Request")
		}
		return
	}

	conn, err := media.ListenRTP(e.cfg.RTPPortMin, e.cfg.RTPPortMax)
	if err != nil {
		e.logger.Error("no rtp port available", "call_id", callID, "error", err)
		e.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	answer, err := media.BuildAnswer(e.cfg.MediaIP(), localPort)
	if err != nil {
		conn.Close()
		e.logger.Error("building sdp answer failed", "call_id", callID, "error", err)
		e.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		conn.Close()
		e.logger.Error("failed to send 180 ringing", "call_id", callID, "error", err)
		return
	}

	ok := sip.NewResponseFromRequest(req, 200, "OK", answer)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	ok.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s:%d>", e.cfg.SIPUsername, e.cfg.MediaIP(), e.cfg.SIPPort)))
	ensureToTag(ok)

	if err := tx.Respond(ok); err != nil {
		conn.Close()
		e.logger.Error("failed to send 200 ok", "call_id", callID, "error", err)
		return
	}

	now := time.Now()
	d := &Dialog{
		CallID:     callID,
		CallerID:   callerID,
		CallerName: from.DisplayName,
		CalledNum:  calledNum,
		InviteReq:  req,
		OKResponse: ok,
		StartTime:  now,
		AnswerTime: &now,
		state:      CallStateAnswering,
	}
	e.dialogs.Add(d)

	stream := media.NewStream(media.StreamConfig{
		Conn:               conn,
		Remote:             negotiated.RemoteAddr,
		TelephoneEventType: negotiated.TelephoneEventType,
		Logger:             e.logger,
	})
	stream.Start()

	e.logger.Info("call answered",
		"call_id", callID,
		"caller", callerID,
		"rtp_local_port", localPort,
		"rtp_remote", negotiated.RemoteAddr.String(),
	)

	if e.OnIncomingCall != nil {
		go e.OnIncomingCall(&IncomingCall{Dialog: d, Stream: stream})
	}
}

// Hangup ends a call we answered by sending an in-dialog BYE. Safe to
// call concurrently with a remote BYE; only one side runs teardown.
func (e *Engine) Hangup(ctx context.Context, d *Dialog) error {
	if !d.beginTerminate("local_hangup") {
		return nil
	}
	defer e.dialogs.Remove(d.CallID)

	bye := buildBYE(d)

	tx, err := e.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		e.logger.Warn("bye answered with non-200",
			"call_id", d.CallID,
			"status", res.StatusCode,
		)
	}

	e.logger.Info("call hung up", "call_id", d.CallID)
	return nil
}

// buildBYE creates an in-dialog BYE for a call we answered as UAS.
// Per RFC 3261 §12.2, the roles reverse: our From is the To we sent in
// the 200 OK (carrying our tag), and our To is the caller's From. The
// Request-URI is the caller's Contact.
func buildBYE(d *Dialog) *sip.Request {
	recipient := &d.InviteReq.Recipient
	if contact := d.InviteReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = d.InviteReq.SipVersion

	// Route set from the INVITE's Record-Route, if the PBX inserted one.
	if len(d.InviteReq.GetHeaders("Record-Route")) > 0 {
		for _, rr := range d.InviteReq.GetHeaders("Record-Route") {
			bye.AppendHeader(sip.NewHeader("Route", rr.Value()))
		}
	}

	if to := d.OKResponse.To(); to != nil {
		from := &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      sip.NewParams(),
		}
		if to.Params != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				from.Params.Add("tag", tag)
			}
		}
		bye.AppendHeader(from)
	}

	if from := d.InviteReq.From(); from != nil {
		to := &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      sip.NewParams(),
		}
		if from.Params != nil {
			if tag, ok := from.Params.Get("tag"); ok {
				to.Params.Add("tag", tag)
			}
		}
		bye.AppendHeader(to)
	}

	if h := d.InviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	// Our CSeq space as UAS is independent of the caller's.
	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(d.InviteReq.Transport())
	bye.SetDestination(d.InviteReq.Source())

	return bye
}

// ensureToTag adds a tag to the response's To header when the stack has
// not set one. The tag identifies our side of the dialog and is echoed
// back in in-dialog requests.
func ensureToTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", sip.GenerateTagN(16))
	}
}

func (e *Engine) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
