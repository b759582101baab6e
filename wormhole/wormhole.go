// Package wormhole implements the authenticated, encrypted control channel
// that sits on top of a rendezvous mailbox: a PAKE key exchange followed by
// a small number of secretbox-encrypted JSON messages used to bootstrap a
// transit channel.
//
// This is the "wormhole control channel" that spec.md's forwarding roles
// take as a given input. The mailbox nameplate/ack machinery that a full
// Magic Wormhole client would also need is out of scope here: Wormhole
// only ever exchanges the bind message (via rendezvous.Client), the two
// PAKE messages, and encrypted application JSON.
package wormhole

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"

	"filippo.io/cpace"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"wormhole-forward.dev/rendezvous"
)

// Verbose enables debug logging, mirroring the teacher package's flag of
// the same name.
var Verbose = false

var (
	errBadKey       = errors.New("wormhole: bad key")
	errShortMessage = errors.New("wormhole: message too short to contain a nonce")
)

// AppVersion is the small JSON blob each side advertises over the control
// channel before anything else; the forwarding roles read
// TransitAbilities out of it to configure the transit connector.
type AppVersion struct {
	TransitAbilities []string        `json:"transit-abilities"`
	Other            json.RawMessage `json:"-"`
}

// Config bundles what a Wormhole needs to reach a broker.
type Config struct {
	AppID      string
	RelayURL   string
	RetryDelay float64
}

// Wormhole is an established, authenticated control channel.
type Wormhole struct {
	dialer *rendezvous.Dialer
	key    [32]byte
	appID  string

	// PeerVersion is the raw JSON the remote side sent as its AppVersion,
	// for callers that carry extra application-specific fields.
	PeerVersion json.RawMessage
}

// Open runs the "leader" side of the exchange, using code as the shared
// password and ourVersion as the application version to advertise. The
// leader waits for the peer's first PAKE message and answers it; Join's
// side sends that first message. Open blocks until the PAKE handshake and
// version exchange complete or ctx is cancelled.
func Open(ctx context.Context, cfg Config, code string, ourVersion AppVersion) (*Wormhole, error) {
	return open(ctx, cfg, code, ourVersion, true)
}

// Join performs the follower side of the same exchange.
func Join(ctx context.Context, cfg Config, code string, ourVersion AppVersion) (*Wormhole, error) {
	return open(ctx, cfg, code, ourVersion, false)
}

func open(ctx context.Context, cfg Config, code string, ourVersion AppVersion, leader bool) (w *Wormhole, err error) {
	client := rendezvous.New(cfg.AppID, cfg.RelayURL, cfg.RetryDelay)
	dialer := rendezvous.NewDialer(client)
	if err := dialer.Start(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			dialer.Stop()
		}
	}()

	select {
	case <-dialer.Ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w = &Wormhole{dialer: dialer, appID: cfg.AppID}
	if leader {
		err = w.finishLeader(ctx, code)
	} else {
		err = w.finishFollower(ctx, code)
	}
	if err != nil {
		return nil, err
	}

	if err = w.sendVersion(ctx, ourVersion); err != nil {
		return nil, err
	}
	w.PeerVersion, err = w.receiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wormhole) finishLeader(ctx context.Context, pass string) error {
	msgA, err := readBase64(ctx, w.dialer)
	if err != nil {
		return err
	}
	if Verbose {
		log.Printf("wormhole: got A pake msg (%d bytes)", len(msgA))
	}
	msgB, mk, err := cpace.Exchange(pass, cpace.NewContextInfo("", "", nil), msgA)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, mk, nil, nil), w.key[:]); err != nil {
		return err
	}
	return writeBase64(ctx, w.dialer, msgB)
}

func (w *Wormhole) finishFollower(ctx context.Context, pass string) error {
	msgA, pake, err := cpace.Start(pass, cpace.NewContextInfo("", "", nil))
	if err != nil {
		return err
	}
	if err := writeBase64(ctx, w.dialer, msgA); err != nil {
		return err
	}
	msgB, err := readBase64(ctx, w.dialer)
	if err != nil {
		return err
	}
	mk, err := pake.Finish(msgB)
	if err != nil {
		return err
	}
	_, err = io.ReadFull(hkdf.New(sha256.New, mk, nil, nil), w.key[:])
	return err
}

func (w *Wormhole) sendVersion(ctx context.Context, v AppVersion) error {
	return w.SendJSON(ctx, v)
}

func (w *Wormhole) receiveVersion(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := w.ReceiveJSON(ctx, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Key returns the 32-byte session key derived by the PAKE exchange.
func (w *Wormhole) Key() [32]byte { return w.key }

// AppID returns the application id this Wormhole was opened under.
func (w *Wormhole) AppID() string { return w.appID }

// DeriveTransitKey derives a transit-specific subkey from the session key
// and this Wormhole's appid, so the transit channel never reuses the
// control channel's own key material directly.
func (w *Wormhole) DeriveTransitKey() ([32]byte, error) {
	var out [32]byte
	info := append([]byte("transit-key/"), []byte(w.appID)...)
	_, err := io.ReadFull(hkdf.New(sha256.New, w.key[:], nil, info), out[:])
	return out, err
}

// SendJSON encrypts v and writes it as a text frame on the mailbox.
func (w *Wormhole) SendJSON(ctx context.Context, v interface{}) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(crand.Reader, nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &w.key)
	enc := base64.URLEncoding.EncodeToString(sealed)
	return w.dialer.SendRaw(ctx, []byte(enc))
}

// ReceiveJSON reads and decrypts the next application text frame into v.
func (w *Wormhole) ReceiveJSON(ctx context.Context, v interface{}) error {
	buf, err := w.dialer.Recv(ctx)
	if err != nil {
		return err
	}
	sealed, err := base64.URLEncoding.DecodeString(string(buf))
	if err != nil {
		return err
	}
	if len(sealed) < 24 {
		return errShortMessage
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &w.key)
	if !ok {
		return errBadKey
	}
	return json.Unmarshal(plain, v)
}

// Close shuts down the underlying rendezvous connection. After Close, the
// Wormhole's transit channel (established separately) is the only
// remaining link to the peer.
func (w *Wormhole) Close() error {
	return w.dialer.Stop()
}

func readBase64(ctx context.Context, d *rendezvous.Dialer) ([]byte, error) {
	buf, err := d.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return base64.URLEncoding.DecodeString(string(buf))
}

func writeBase64(ctx context.Context, d *rendezvous.Dialer, p []byte) error {
	return d.SendRaw(ctx, []byte(base64.URLEncoding.EncodeToString(p)))
}
