package forwarding

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Property 4: over any sequence of accepts, connection ids are strictly
// increasing and start at 0.
func TestConnectAssignsMonotonicIDs(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := &connectSession{}
	idKnown := func(id uint64) bool { return id < atomic.LoadUint64(&c.counter) }
	c.loop = newLoop(local, idKnown)
	defer c.loop.shutdown()

	var seen []uint64
	for i := 0; i < 3; i++ {
		client, server := net.Pipe()
		defer client.Close()
		require.NoError(t, c.onAccept(ctx, acceptedConn{target: "80", conn: server}))

		raw, err := remote.Recv(ctx)
		require.NoError(t, err)
		m, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, KindConnect, m.Kind)
		assert.Equal(t, "80", m.Target)
		seen = append(seen, m.ConnectionID)
	}

	assert.Equal(t, []uint64{0, 1, 2}, seen)
	assert.True(t, idKnown(0))
	assert.True(t, idKnown(2))
	assert.False(t, idKnown(3))
}

// connectSession never expects to receive anything beyond what loop.run
// already handles generically (Forward/Disconnect/Close/Error); Connect
// is a serve-role-only message.
func TestConnectOnMessageRejectsEverything(t *testing.T) {
	local, _ := newTransitPair()
	c := &connectSession{loop: newLoop(local, func(uint64) bool { return false })}
	_, err := c.onMessage(context.Background(), ConnectMessage("80", 1))
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ProtocolSemantic, fe.Kind)
}

// S4 (close race): a disconnect for an id below the counter, but no
// longer live, is tolerated rather than failing the session.
func TestConnectToleratesCloseRaceBelowCounter(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := &connectSession{}
	idKnown := func(id uint64) bool { return id < atomic.LoadUint64(&c.counter) }
	c.loop = newLoop(local, idKnown)

	client, server := net.Pipe()
	defer client.Close()
	require.NoError(t, c.onAccept(ctx, acceptedConn{target: "80", conn: server}))
	_, err := remote.Recv(ctx)
	require.NoError(t, err)

	// The listener already tore the connection down locally...
	require.NoError(t, c.loop.removeConnection(ctx, 0, false))
	// ...so a disconnect arriving for the same id afterward is benign.
	require.NoError(t, c.loop.removeConnection(ctx, 0, false))
}

// spec.md §4.4 step 8: offered addresses get preferred ports positionally;
// once customPorts runs out, the rest bind ephemerally.
func TestBindListenersUsesPositionalPreferredPorts(t *testing.T) {
	_, portStr, err := net.SplitHostPort(unusedTCPAddr(t))
	require.NoError(t, err)
	preferred, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	offered := []string{"web", "ssh", "extra"}
	listeners, mappings, err := bindListeners("127.0.0.1", offered, []uint16{uint16(preferred), 0})
	require.NoError(t, err)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	require.Len(t, mappings, 3)
	for i, m := range mappings {
		assert.Equal(t, offered[i], m.Target)
		assert.NotNil(t, m.Addr)
		assert.NotZero(t, m.Addr.(*net.TCPAddr).Port)
	}
	assert.Equal(t, preferred, mappings[0].Addr.(*net.TCPAddr).Port)
}

func TestConnectRunEndsOnClose(t *testing.T) {
	local, remote := newTransitPair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accept := make(chan acceptedConn)
	done := make(chan error, 1)
	go func() { done <- runConnect(ctx, local, accept) }()

	require.NoError(t, sendPeerMessage(ctx, remote, CloseMessage()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for runConnect to exit")
	}
}
