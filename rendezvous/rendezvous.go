// Package rendezvous implements the client side of the Magic Wormhole
// rendezvous (mailbox) protocol's connection-lifecycle state machine.
//
// The Client type here only knows about opening and holding a single
// websocket to the broker and re-establishing it after a drop; it does not
// know anything about mailbox allocation, message acking, or nameplates.
// Package wormhole, one layer up, drives this machine and layers its own
// PAKE and encrypted messages on top of the bind handshake; it does not
// implement mailbox allocation, acking or nameplates either.
package rendezvous

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// State is one of the six states the client can be in.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Waiting
	Disconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Waiting:
		return "waiting"
	case Disconnecting:
		return "disconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WSHandle names one logical websocket connection attempt. Handles are
// opaque to the state machine; the surrounding I/O layer allocates and
// interprets them.
type WSHandle int64

// TimerHandle names one logical reconnect timer.
type TimerHandle int64

// Action is a side effect the Client wants the surrounding I/O layer to
// perform. Exactly one websocket is ever open per Client, and at most one
// timer runs at a time.
type Action interface{ isAction() }

// WebSocketOpen asks the I/O layer to dial url (already lowercased) and
// report back with ConnectionMade(handle) or ConnectionLost(handle).
type WebSocketOpen struct {
	Handle WSHandle
	URL    string
}

// WebSocketSendMessage asks the I/O layer to send a text frame on handle.
type WebSocketSendMessage struct {
	Handle  WSHandle
	Message string
}

// WebSocketClose asks the I/O layer to close handle.
type WebSocketClose struct {
	Handle WSHandle
}

// StartTimer asks the I/O layer to start a single-shot timer.
type StartTimer struct {
	Handle  TimerHandle
	Seconds float64
}

// CancelTimer asks the I/O layer to cancel a pending timer.
type CancelTimer struct {
	Handle TimerHandle
}

func (WebSocketOpen) isAction()        {}
func (WebSocketSendMessage) isAction() {}
func (WebSocketClose) isAction()       {}
func (StartTimer) isAction()           {}
func (CancelTimer) isAction()          {}

// TransitionError reports an (state, event) pair the machine never
// expects to see. It always indicates a bug in the caller, never
// something recoverable at runtime.
type TransitionError struct {
	State State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rendezvous: illegal transition: %s from state %s", e.Event, e.State)
}

// Client is the rendezvous connection-lifecycle state machine described in
// the package doc. It holds no I/O of its own; callers feed it events and
// execute the actions it returns.
type Client struct {
	AppID       string
	RelayURL    string
	RetryDelay  float64
	Side        string
	state       State
	wsHandle    WSHandle
	nextWS      int64
	timerHandle TimerHandle
	nextTimer   int64
	haveTimer   bool

	// ConnectedAtLeastOnce is set the first time the machine enters
	// Connected. Higher layers use it to decide whether a later
	// reconnect should be treated as silent retry or a surfaced event.
	ConnectedAtLeastOnce bool
}

// New creates a Client in the Idle state with a freshly generated side
// token. retryDelay is the single-shot reconnect delay in seconds.
func New(appID, relayURL string, retryDelay float64) *Client {
	return &Client{
		AppID:      appID,
		RelayURL:   relayURL,
		RetryDelay: retryDelay,
		Side:       newSideToken(),
		state:      Idle,
	}
}

// newSideToken derives a stable, high-probability-unique hex identifier
// for this Client instance. Its exact derivation is left open by the
// spec; a random 5-byte token is sufficient to be unique with high
// probability and stable for the Client's lifetime.
func newSideToken() string {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a fixed
		// token rather than panicking, matching the spec's allowance
		// that a fixed string is acceptable for tests.
		return "0000000000"
	}
	return hex.EncodeToString(b[:])
}

// State returns the machine's current state.
func (c *Client) State() State { return c.state }

// Start begins the initial connection attempt. Valid only from Idle.
func (c *Client) Start() ([]Action, error) {
	if c.state != Idle {
		return nil, &TransitionError{c.state, "start"}
	}
	c.wsHandle = c.allocWS()
	c.state = Connecting
	return []Action{WebSocketOpen{Handle: c.wsHandle, URL: strings.ToLower(c.RelayURL)}}, nil
}

// ConnectionMade reports that handle finished connecting. Valid only from
// Connecting; emits the bind message and transitions to Connected.
func (c *Client) ConnectionMade(handle WSHandle) ([]Action, error) {
	if c.state != Connecting {
		return nil, &TransitionError{c.state, "connection_made"}
	}
	c.state = Connected
	c.ConnectedAtLeastOnce = true
	msg, err := json.Marshal(bindMessage{Type: "bind", AppID: c.AppID, Side: c.Side})
	if err != nil {
		// json.Marshal on a struct of strings cannot fail.
		panic(err)
	}
	return []Action{WebSocketSendMessage{Handle: handle, Message: string(msg)}}, nil
}

type bindMessage struct {
	Type  string `json:"type"`
	AppID string `json:"appid"`
	Side  string `json:"side"`
}

// ConnectionLost reports that handle's websocket dropped (or failed to
// open). Valid from Connecting, Connected (starts the reconnect timer) and
// Disconnecting (the close we asked for has now completed).
func (c *Client) ConnectionLost(handle WSHandle) ([]Action, error) {
	switch c.state {
	case Connecting, Connected:
		c.timerHandle = c.allocTimer()
		c.haveTimer = true
		c.state = Waiting
		return []Action{StartTimer{Handle: c.timerHandle, Seconds: c.RetryDelay}}, nil
	case Disconnecting:
		c.state = Stopped
		return nil, nil
	default:
		return nil, &TransitionError{c.state, "connection_lost"}
	}
}

// TimerExpired reports that handle's reconnect timer fired. Valid only
// from Waiting.
func (c *Client) TimerExpired(handle TimerHandle) ([]Action, error) {
	if c.state != Waiting {
		return nil, &TransitionError{c.state, "timer_expired"}
	}
	c.haveTimer = false
	c.wsHandle = c.allocWS()
	c.state = Connecting
	return []Action{WebSocketOpen{Handle: c.wsHandle, URL: strings.ToLower(c.RelayURL)}}, nil
}

// Stop asks the machine to shut down. It is a no-op from Idle or Stopped,
// cancels the pending timer from Waiting, and closes the websocket from
// Connecting or Connected.
func (c *Client) Stop() ([]Action, error) {
	switch c.state {
	case Idle, Stopped:
		c.state = Stopped
		return nil, nil
	case Connecting, Connected:
		c.state = Disconnecting
		return []Action{WebSocketClose{Handle: c.wsHandle}}, nil
	case Waiting:
		c.state = Stopped
		h := c.timerHandle
		c.haveTimer = false
		return []Action{CancelTimer{Handle: h}}, nil
	case Disconnecting:
		return nil, nil
	default:
		return nil, &TransitionError{c.state, "stop"}
	}
}

func (c *Client) allocWS() WSHandle {
	c.nextWS++
	return WSHandle(c.nextWS)
}

func (c *Client) allocTimer() TimerHandle {
	c.nextTimer++
	return TimerHandle(c.nextTimer)
}
