package forwarding

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanTransit is an in-memory TransitChannel double: two instances built
// by newTransitPair feed each other's Recv from the other's Send, so a
// session loop can be driven without a real transit connector.
type chanTransit struct {
	out    chan []byte
	in     chan []byte
	mu     sync.Mutex
	closed bool
}

func newTransitPair() (*chanTransit, *chanTransit) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &chanTransit{out: ab, in: ba}
	b := &chanTransit{out: ba, in: ab}
	return a, b
}

func (c *chanTransit) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case c.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanTransit) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanTransit) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	return nil
}

// Property 7: an explicit Close message ends the loop cleanly (nil
// error).
func TestSessionClosePropagates(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		l := newLoop(local, func(uint64) bool { return false })
		done <- l.run(ctx, nil, func(ctx context.Context, m PeerMessage) (bool, error) {
			return false, protocolf("unexpected kind %d", m.Kind)
		}, nil)
	}()

	require.NoError(t, sendPeerMessage(ctx, remote, CloseMessage()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for loop to exit")
	}
}

// Property 8: a non-PeerError is echoed to the peer as an error message
// before being returned to the caller.
func TestSessionErrorIsEchoedThenReturned(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		l := newLoop(local, func(uint64) bool { return false })
		err := l.run(ctx, nil, func(ctx context.Context, m PeerMessage) (bool, error) {
			if m.Kind == KindOffer {
				return false, protocolf("offers are not expected here")
			}
			return false, nil
		}, nil)
		done <- finishSession(ctx, local, err)
	}()

	require.NoError(t, sendPeerMessage(ctx, remote, OfferMessage([]string{"80"})))

	raw, err := remote.Recv(ctx)
	require.NoError(t, err)
	echoed, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindError, echoed.Kind)
	assert.Contains(t, echoed.ErrorText, "offers are not expected here")

	select {
	case err := <-done:
		require.Error(t, err)
		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, ProtocolSemantic, fe.Kind)
	case <-ctx.Done():
		t.Fatal("timed out waiting for loop to exit")
	}
}

// A PeerError (the peer's own "error" message) is returned unchanged and
// never echoed back to a peer that is, by definition, already gone.
func TestSessionPeerErrorIsNotEchoed(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		l := newLoop(local, func(uint64) bool { return false })
		err := l.run(ctx, nil, nil, nil)
		done <- finishSession(ctx, local, err)
	}()

	require.NoError(t, sendPeerMessage(ctx, remote, ErrorMessage("peer gave up")))

	select {
	case err := <-done:
		require.Error(t, err)
		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, PeerError, fe.Kind)
	case <-ctx.Done():
		t.Fatal("timed out waiting for loop to exit")
	}

	select {
	case raw := <-remote.in:
		t.Fatalf("unexpected message echoed back to peer: %v", raw)
	default:
	}
}

func TestSessionFailsOnMalformedFrame(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		l := newLoop(local, func(uint64) bool { return false })
		done <- l.run(ctx, nil, nil, nil)
	}()

	require.NoError(t, remote.Send(ctx, []byte{0xff, 0xff, 0xff}))

	select {
	case err := <-done:
		require.Error(t, err)
		var fe *Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, ProtocolParse, fe.Kind)
	case <-ctx.Done():
		t.Fatal("timed out waiting for loop to exit")
	}
}
