package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"wormhole-forward.dev/transit"
	"wormhole-forward.dev/wormhole"
)

// ListenerMapping is one local listening socket bound on behalf of an
// offered remote target: the actually-bound port (which differs from
// the requested preferred port only when that port was 0) and
// the address string, as offered by the serve side, to use verbatim in
// the Connect message.
type ListenerMapping struct {
	Target string
	Addr   net.Addr
}

// bindListeners implements spec.md §4.4 step 8: for each offered address,
// in order, bind a TCP listener on (bindAddress, preferred-port-or-0),
// where the preferred port comes positionally from customPorts (a short
// or empty list means the remaining listeners get an ephemeral port).
// Listeners are returned in offered order alongside their mappings; on
// any bind failure, every listener bound so far is closed.
func bindListeners(bindAddress string, offered []string, customPorts []uint16) ([]net.Listener, []ListenerMapping, error) {
	listeners := make([]net.Listener, 0, len(offered))
	mappings := make([]ListenerMapping, 0, len(offered))
	for i, target := range offered {
		var port uint16
		if i < len(customPorts) {
			port = customPorts[i]
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(bindAddress, fmt.Sprint(port)))
		if err != nil {
			for _, prior := range listeners {
				prior.Close()
			}
			return nil, nil, err
		}
		listeners = append(listeners, ln)
		mappings = append(mappings, ListenerMapping{Target: target, Addr: ln.Addr()})
	}
	return listeners, mappings, nil
}

// Connect runs the listener ("connect") role to completion: it completes
// the transit handshake as follower, receives the peer's Offer, binds a
// listener per offered address, reports the bindings via onBound, and
// runs the session loop until Close, Error, end-of-stream, or an
// unrecoverable error. spec.md §4.4.
func Connect(ctx context.Context, w *wormhole.Wormhole, relayHints []string, bindAddress string, customPorts []uint16, onBound func([]ListenerMapping)) error {
	var peerVer peerVersion
	if err := json.Unmarshal(w.PeerVersion, &peerVer); err != nil {
		return wrapError(ProtocolParse, err, "decode peer version")
	}

	connector, err := transit.Init(ctx, transit.DefaultAbilities, peerVer.TransitAbilities, relayHints)
	if err != nil {
		return wrapError(TransitSetup, err, "init transit")
	}

	var peerMsg PeerMessage
	if err := w.ReceiveJSON(ctx, &peerMsg); err != nil {
		return wrapError(TransitIO, err, "receive peer transit hints")
	}
	var theirHints transit.Hints
	switch peerMsg.Kind {
	case KindTransit:
		if err := json.Unmarshal(peerMsg.Hints, &theirHints); err != nil {
			return wrapError(ProtocolParse, err, "decode peer transit hints")
		}
	case KindError:
		return &Error{Kind: PeerError, cause: errText(peerMsg.ErrorText)}
	default:
		perr := protocolf("expected transit message, got message kind %d", peerMsg.Kind)
		_ = w.SendJSON(ctx, ErrorMessage(perr.Error()))
		return perr
	}

	hints, err := connector.OurHints(ctx)
	if err != nil {
		return wrapError(TransitSetup, err, "gather local transit hints")
	}
	hintsJSON, err := json.Marshal(hints)
	if err != nil {
		return err
	}
	if err := w.SendJSON(ctx, TransitMessage(hintsJSON)); err != nil {
		return wrapError(TransitIO, err, "send transit hints")
	}

	key, err := w.DeriveTransitKey()
	if err != nil {
		return wrapError(TransitSetup, err, "derive transit key")
	}

	ch, err := connector.FollowerConnect(ctx, w, key, theirHints)
	if err != nil {
		werr := wrapError(TransitSetup, err, "connect transit")
		_ = w.SendJSON(ctx, ErrorMessage(werr.Error()))
		return werr
	}

	if err := w.Close(); err != nil && Verbose {
		log.Printf("forwarding: closing wormhole control channel: %v", err)
	}

	offer, err := recvPeerMessage(ctx, ch)
	if err != nil {
		return wrapError(TransitIO, err, "receive offer")
	}
	switch offer.Kind {
	case KindOffer:
	case KindError:
		return &Error{Kind: PeerError, cause: errText(offer.ErrorText)}
	default:
		perr := protocolf("expected offer message, got message kind %d", offer.Kind)
		_ = sendPeerMessage(ctx, ch, ErrorMessage(perr.Error()))
		return perr
	}

	listeners, mappings, err := bindListeners(bindAddress, offer.Addresses, customPorts)
	if err != nil {
		werr := wrapError(LocalIO, err, "bind local listeners")
		_ = sendPeerMessage(ctx, ch, ErrorMessage(werr.Error()))
		return werr
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	if onBound != nil {
		onBound(mappings)
	}

	accept := make(chan acceptedConn)
	for i, ln := range listeners {
		log.Printf("forwarding: listening on %s for %s", ln.Addr(), mappings[i].Target)
		go acceptLoop(ctx, ln, mappings[i].Target, accept)
	}

	return runConnect(ctx, ch, accept)
}

// acceptLoop repeatedly Accepts on ln and forwards each connection, tagged
// with target, to accept; it returns (without closing ln, which its caller
// owns) once Accept fails, which happens once ln is closed at shutdown.
func acceptLoop(ctx context.Context, ln net.Listener, target string, accept chan<- acceptedConn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case accept <- acceptedConn{target: target, conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// runConnect is split out from Connect so tests can drive the session
// loop directly against an in-memory TransitChannel and a synthetic
// accept channel.
func runConnect(ctx context.Context, ch TransitChannel, accept <-chan acceptedConn) error {
	c := &connectSession{}
	idKnown := func(id uint64) bool { return id < atomic.LoadUint64(&c.counter) }
	c.loop = newLoop(ch, idKnown)
	err := c.loop.run(ctx, accept, c.onMessage, c.onAccept)
	return finishSession(ctx, ch, err)
}

type connectSession struct {
	loop    *loop
	counter uint64
}

// onMessage handles every PeerMessage the connect role must react to
// beyond the ones loop.run already handles generically; connect never
// receives Connect itself (that's a serve-role-only message), so any
// other kind is a protocol error.
func (c *connectSession) onMessage(ctx context.Context, m PeerMessage) (bool, error) {
	return false, protocolf("unexpected message kind %d", m.Kind)
}

// onAccept assigns the next connection id to a freshly accepted local
// connection, registers it with the loop, and announces it to the peer.
// spec.md §4.4's connection-id counter only ever increases, which is what
// lets the idKnown closure above use a simple comparison instead of a
// historic set.
func (c *connectSession) onAccept(ctx context.Context, ac acceptedConn) error {
	id := atomic.LoadUint64(&c.counter)
	atomic.AddUint64(&c.counter, 1)

	if err := c.loop.addConnection(ctx, id, ac.conn); err != nil {
		ac.conn.Close()
		return err
	}
	if err := sendPeerMessage(ctx, c.loop.transit, ConnectMessage(ac.target, id)); err != nil {
		return wrapError(TransitIO, err, "send connect")
	}
	return nil
}

func recvPeerMessage(ctx context.Context, t TransitChannel) (PeerMessage, error) {
	raw, err := t.Recv(ctx)
	if err != nil {
		return PeerMessage{}, err
	}
	return Decode(raw)
}
