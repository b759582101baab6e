// Package transit implements the transit channel connector: the piece
// that, given a session key and a pair of hint sets, establishes a single
// framed, bidirectional byte pipe between two peers. spec.md treats the
// transit channel's own hole-punching and encryption as an external
// collaborator; this package is the concrete implementation of that
// collaborator used by this module, built on a WebRTC data channel the
// way the teacher package's Wormhole/DataChannel pair is.
package transit

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"golang.org/x/crypto/nacl/secretbox"
)

// Verbose enables debug logging, mirroring the teacher package's flag of
// the same name.
var Verbose = false

// ErrTimedOut is returned when a transit connect does not complete in time.
var ErrTimedOut = errors.New("transit: timed out")

// Abilities is the set of transit modes a side is willing to use. Our
// concrete connector only ever offers one: a WebRTC data channel, brokered
// through whatever ICE servers RelayHints supplies. The set still exists
// on the wire so that a future connector (direct TCP, a transit-relay
// protocol) can be added without changing the forwarding roles.
type Abilities []string

// DefaultAbilities is what this connector supports.
var DefaultAbilities = Abilities{"webrtc-v1"}

// common returns the abilities present in both a and b, preserving a's
// order. An empty result means the two sides have nothing in common and
// cannot establish a transit channel at all.
func common(a, b Abilities) Abilities {
	want := make(map[string]bool, len(b))
	for _, x := range b {
		want[x] = true
	}
	var out Abilities
	for _, x := range a {
		if want[x] {
			out = append(out, x)
		}
	}
	return out
}

// Hints is the local candidate/ICE-server information advertised to the
// peer as the PeerMessage Transit{hints} payload. It is carried verbatim
// by the forwarding layer (spec.md §6).
type Hints struct {
	ICEServers []webrtc.ICEServer `json:"ice-servers"`
	SDP        string             `json:"sdp,omitempty"`
}

// ControlChannel is the minimal contract the connector needs from the
// already-authenticated control channel to exchange the SDP offer/answer;
// satisfied by *wormhole.Wormhole.
type ControlChannel interface {
	SendJSON(ctx context.Context, v interface{}) error
	ReceiveJSON(ctx context.Context, v interface{}) error
}

// Connector holds everything needed to bring up one transit channel.
type Connector struct {
	relayHints []string
	abilities  Abilities
	pc         *webrtc.PeerConnection
	hints      Hints
}

// Init builds the underlying WebRTC PeerConnection, mirroring
// defaultPeerConnection in the teacher package, and negotiates which
// transit ability the two sides will actually use. abilities is what we
// offer; peerAbilities is what the control-channel version exchange told
// us the peer offers. Since this connector only ever speaks one ability
// ("webrtc-v1"), the only possible outcomes are "both sides support it" or
// "no common ability, fail now" rather than limping along on a connector
// neither side actually agreed to.
func Init(ctx context.Context, abilities, peerAbilities Abilities, relayHints []string) (*Connector, error) {
	agreed := common(abilities, peerAbilities)
	if len(agreed) == 0 {
		return nil, fmt.Errorf("transit: no common ability between %v and %v", abilities, peerAbilities)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(relayHints))
	for _, h := range relayHints {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{h}})
	}

	s := webrtc.SettingEngine{}
	s.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	c := &Connector{
		relayHints: relayHints,
		abilities:  agreed,
		pc:         pc,
	}
	c.hints.ICEServers = iceServers
	return c, nil
}

// OurHints returns the hints to advertise to the peer as
// PeerMessage.Transit{hints}: our configured ICE servers. Unlike the
// SDP exchange, which only makes sense once the offer/answer dance is
// underway, this is known immediately from relayHints and needs no
// gathering wait.
func (c *Connector) OurHints(ctx context.Context) (Hints, error) {
	return c.hints, nil
}

// addPeerICEServers folds the peer's advertised ICE servers in with ours
// and pushes the merged set to pc before the offer/answer is created, so
// either side's relay hints can help the other punch through.
// SetConfiguration is only valid while the connection is still "new",
// which holds here since LeaderConnect/FollowerConnect call this before
// CreateOffer/CreateAnswer.
func (c *Connector) addPeerICEServers(theirHints Hints) error {
	if len(theirHints.ICEServers) == 0 {
		return nil
	}
	merged := make([]webrtc.ICEServer, 0, len(c.hints.ICEServers)+len(theirHints.ICEServers))
	merged = append(merged, c.hints.ICEServers...)
	merged = append(merged, theirHints.ICEServers...)
	return c.pc.SetConfiguration(webrtc.Configuration{ICEServers: merged})
}

// LeaderConnect drives the offerer side: fold in the peer's ICE-server
// hints, create a data channel, create and send a complete SDP offer over
// ctrl (after local ICE gathering finishes, so the offer carries every
// candidate inline instead of trickling them separately), wait for the
// answer, and wait for the data channel to open. key authenticates the
// resulting Channel's frames independently of the transit channel's own
// DTLS, so a transit relay that is merely IP-reachable, not trusted,
// cannot read or forge payload.
func (c *Connector) LeaderConnect(ctx context.Context, ctrl ControlChannel, key [32]byte, theirHints Hints) (*Channel, error) {
	if err := c.addPeerICEServers(theirHints); err != nil {
		return nil, err
	}

	sigh := true
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Negotiated: &sigh,
		ID:         new(uint16),
	})
	if err != nil {
		return nil, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := ctrl.SendJSON(ctx, Hints{SDP: c.pc.LocalDescription().SDP}); err != nil {
		return nil, err
	}

	var answer Hints
	if err := ctrl.ReceiveJSON(ctx, &answer); err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return nil, err
	}

	return waitOpen(dc, c.pc, key)
}

// FollowerConnect drives the answerer side, symmetric to LeaderConnect:
// the complete remote SDP (gathered by the leader before it was sent)
// already carries every candidate inline, so SetRemoteDescription is
// enough to feed them to the ICE agent without a separate
// AddICECandidate step.
func (c *Connector) FollowerConnect(ctx context.Context, ctrl ControlChannel, key [32]byte, theirHints Hints) (*Channel, error) {
	if err := c.addPeerICEServers(theirHints); err != nil {
		return nil, err
	}

	sigh := true
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Negotiated: &sigh,
		ID:         new(uint16),
	})
	if err != nil {
		return nil, err
	}

	var offer Hints
	if err := ctrl.ReceiveJSON(ctx, &offer); err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := ctrl.SendJSON(ctx, Hints{SDP: c.pc.LocalDescription().SDP}); err != nil {
		return nil, err
	}

	return waitOpen(dc, c.pc, key)
}

func waitOpen(dc *webrtc.DataChannel, pc *webrtc.PeerConnection, key [32]byte) (*Channel, error) {
	opened := make(chan error, 1)
	ch := newChannel(nil, key)
	ch.pc = pc
	ch.dc = dc
	dc.OnOpen(func() {
		rwc, err := dc.Detach()
		ch.rwc = rwc
		opened <- err
	})
	dc.OnBufferedAmountLow(ch.flushed)
	dc.SetBufferedAmountLowThreshold(512 << 10)

	select {
	case err := <-opened:
		if err != nil {
			return nil, err
		}
		return ch, nil
	case <-time.After(30 * time.Second):
		pc.Close()
		return nil, ErrTimedOut
	}
}

// Channel is an opened transit channel: a length-framed, bidirectional
// byte pipe. It wraps a WebRTC data channel exactly the way the teacher
// package's DataChannel does (blocking Write via a flush condvar), adds
// the 4-byte length-prefix framing spec.md §4.2 requires of whatever layer
// sits below the peer-message codec, and seals each frame with
// nacl/secretbox under the transit session key so payload confidentiality
// and integrity never depend solely on the relay/TURN infrastructure the
// ICE servers point at.
type Channel struct {
	rwc    io.ReadWriteCloser
	dc     *webrtc.DataChannel
	pc     *webrtc.PeerConnection
	flushc *sync.Cond
	key    [32]byte

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newChannel(rwc io.ReadWriteCloser, key [32]byte) *Channel {
	return &Channel{rwc: rwc, key: key, flushc: sync.NewCond(&sync.Mutex{})}
}

func (ch *Channel) rawWrite(p []byte) (int, error) {
	if ch.dc != nil {
		ch.flushc.L.Lock()
		for ch.dc.BufferedAmount() > ch.dc.BufferedAmountLowThreshold() {
			ch.flushc.Wait()
		}
		ch.flushc.L.Unlock()
	}
	return ch.rwc.Write(p)
}

func (ch *Channel) flushed() {
	ch.flushc.L.Lock()
	ch.flushc.Signal()
	ch.flushc.L.Unlock()
}

// Send seals payload under the transit key and writes it as one frame: a
// 4-byte big-endian length prefix followed by a nonce and the sealed box.
func (ch *Channel) Send(ctx context.Context, payload []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	var nonce [24]byte
	if _, err := io.ReadFull(crand.Reader, nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], payload, &nonce, &ch.key)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err := ch.rawWrite(hdr[:]); err != nil {
		return err
	}
	_, err := ch.rawWrite(sealed)
	return err
}

// Recv reads one frame and opens it under the transit key.
func (ch *Channel) Recv(ctx context.Context) ([]byte, error) {
	ch.readMu.Lock()
	defer ch.readMu.Unlock()
	var hdr [4]byte
	if _, err := io.ReadFull(ch.rwc, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(ch.rwc, buf); err != nil {
		return nil, err
	}
	if len(buf) < 24 {
		return nil, errors.New("transit: frame too short to contain a nonce")
	}
	var nonce [24]byte
	copy(nonce[:], buf[:24])
	plain, ok := secretbox.Open(nil, buf[24:], &nonce, &ch.key)
	if !ok {
		return nil, errors.New("transit: frame failed to authenticate")
	}
	return plain, nil
}

// Close flushes pending writes and tears down the data channel and its
// peer connection.
func (ch *Channel) Close() (err error) {
	if Verbose {
		log.Printf("transit: closing")
	}
	if ch.dc != nil {
		for ch.dc.BufferedAmount() != 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if ch.pc != nil {
		if e := ch.pc.Close(); e != nil {
			err = e
		}
	}
	if ch.dc != nil {
		if e := ch.dc.Close(); e != nil {
			err = e
		}
	}
	if ch.rwc != nil {
		if e := ch.rwc.Close(); e != nil {
			err = e
		}
	}
	return err
}
