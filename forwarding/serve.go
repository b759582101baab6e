package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"

	"wormhole-forward.dev/transit"
	"wormhole-forward.dev/wormhole"
)

// Target is one forwarding destination: an optional remote host and a
// port. An absent Host means "loopback on the remote", per spec.md §3.
type Target struct {
	Host string
	Port uint16
}

// key returns the canonical target string: "host:port", or just "port"
// when Host is absent.
func (t Target) key() string {
	if t.Host == "" {
		return strconv.Itoa(int(t.Port))
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

var commonHTTPPorts = map[uint16]bool{80: true, 443: true, 8000: true, 8080: true}

type peerVersion struct {
	TransitAbilities []string `json:"transit-abilities"`
}

// historicSet is the serve-side "burn" set (spec.md §3): membership is
// monotonic for the life of the session.
type historicSet struct {
	ids map[uint64]struct{}
}

func newHistoricSet() *historicSet { return &historicSet{ids: make(map[uint64]struct{})} }

func (h *historicSet) add(id uint64)         { h.ids[id] = struct{}{} }
func (h *historicSet) contains(id uint64) bool { _, ok := h.ids[id]; return ok }

// Serve runs the forwarder ("serve") role to completion: it establishes a
// transit channel over w, offers targets to the peer, and then runs the
// session loop until Close, Error, end-of-stream, or an unrecoverable
// error. spec.md §4.3.
func Serve(ctx context.Context, w *wormhole.Wormhole, relayHints []string, targets []Target) error {
	var peerVer peerVersion
	if err := json.Unmarshal(w.PeerVersion, &peerVer); err != nil {
		return wrapError(ProtocolParse, err, "decode peer version")
	}

	connector, err := transit.Init(ctx, transit.DefaultAbilities, peerVer.TransitAbilities, relayHints)
	if err != nil {
		return wrapError(TransitSetup, err, "init transit")
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

	targetMap := make(map[string]Target, len(targets))
	addresses := make([]string, 0, len(targets))
	for _, t := range targets {
		key := t.key()
		targetMap[key] = t
		addresses = append(addresses, key)
		if commonHTTPPorts[t.Port] {
			log.Printf("forwarding: warning: forwarding target %q uses a common HTTP port; host-aware HTTP will likely misbehave", key)
		}
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

	key, err := w.DeriveTransitKey()
	if err != nil {
		return wrapError(TransitSetup, err, "derive transit key")
	}

	ch, err := connector.LeaderConnect(ctx, w, key, theirHints)
	if err != nil {
		werr := wrapError(TransitSetup, err, "connect transit")
		_ = w.SendJSON(ctx, ErrorMessage(werr.Error()))
		return werr
	}

	if err := w.Close(); err != nil && Verbose {
		log.Printf("forwarding: closing wormhole control channel: %v", err)
	}

	if err := sendPeerMessage(ctx, ch, OfferMessage(addresses)); err != nil {
		return wrapError(TransitIO, err, "send offer")
	}

	return runServe(ctx, ch, targetMap)
}

// runServe is split out from Serve so tests can drive the session loop
// directly against an in-memory TransitChannel, without a real wormhole
// or transit connector.
func runServe(ctx context.Context, ch TransitChannel, targets map[string]Target) error {
	historic := newHistoricSet()
	l := newLoop(ch, historic.contains)
	s := &serveSession{loop: l, targets: targets, historic: historic}
	err := l.run(ctx, nil, s.onMessage, nil)
	return finishSession(ctx, ch, err)
}

type serveSession struct {
	loop     *loop
	targets  map[string]Target
	historic *historicSet
}

// onMessage implements spec.md §4.3's Connect handling; Forward,
// Disconnect, Close and Error are all handled generically by loop.run.
func (s *serveSession) onMessage(ctx context.Context, m PeerMessage) (bool, error) {
	if m.Kind != KindConnect {
		return false, protocolf("unexpected message kind %d", m.Kind)
	}

	// No matter what happens from here, the id is burned.
	s.historic.add(m.ConnectionID)

	if _, exists := s.loop.conns[m.ConnectionID]; exists {
		return false, protocolf("connection %d already exists", m.ConnectionID)
	}

	target, ok := s.targets[m.Target]
	if !ok {
		return false, protocolf("unknown forwarding target %q", m.Target)
	}

	host := target.Host
	if host == "" {
		host = "::1"
	}
	dialAddr := net.JoinHostPort(host, strconv.Itoa(int(target.Port)))

	conn, err := net.Dial("tcp", dialAddr)
	if err != nil {
		log.Printf("forwarding: cannot connect to %s: %v (forwarded service might be down)", dialAddr, err)
		if err := sendPeerMessage(ctx, s.loop.transit, DisconnectMessage(m.ConnectionID)); err != nil {
			return false, wrapError(TransitIO, err, "send disconnect")
		}
		return false, nil
	}

	if err := s.loop.addConnection(ctx, m.ConnectionID, conn); err != nil {
		conn.Close()
		return false, err
	}
	return false, nil
}
