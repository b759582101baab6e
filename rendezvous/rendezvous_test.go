package rendezvous

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Property 1 and scenario S6: happy path produces the exact action sequence and
// lowercases the URL both times.
func TestHappyPath(t *testing.T) {
	c := New("my-app", "WS://Example/", 5.0)

	actions, err := c.Start()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	open1, ok := actions[0].(WebSocketOpen)
	require.True(t, ok)
	assert.Equal(t, "ws://example/", open1.URL)
	assert.Equal(t, Connecting, c.State())

	actions, err = c.ConnectionMade(open1.Handle)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	send, ok := actions[0].(WebSocketSendMessage)
	require.True(t, ok)
	var bind map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(send.Message), &bind))
	assert.Equal(t, "bind", bind["type"])
	assert.Equal(t, "my-app", bind["appid"])
	assert.NotEmpty(t, bind["side"])
	assert.Equal(t, Connected, c.State())
	assert.True(t, c.ConnectedAtLeastOnce)

	actions, err = c.ConnectionLost(open1.Handle)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	timer, ok := actions[0].(StartTimer)
	require.True(t, ok)
	assert.Equal(t, 5.0, timer.Seconds)
	assert.Equal(t, Waiting, c.State())

	actions, err = c.TimerExpired(timer.Handle)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	open2, ok := actions[0].(WebSocketOpen)
	require.True(t, ok)
	assert.Equal(t, "ws://example/", open2.URL)
	assert.Equal(t, Connecting, c.State())
}

func TestIllegalTransitions(t *testing.T) {
	c := New("app", "url", 1.0)

	actions, err := c.ConnectionMade(0)
	assert.Nil(t, actions)
	var terr *TransitionError
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, Idle, terr.State)

	actions, err = c.Start()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	open := actions[0].(WebSocketOpen)

	_, err = c.ConnectionMade(open.Handle)
	require.NoError(t, err)

	actions, err = c.TimerExpired(0)
	assert.Nil(t, actions)
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, Connected, terr.State)
}

func TestStopSemantics(t *testing.T) {
	c := New("app", "url", 1.0)
	_, _ = c.Start()
	actions, _ := c.ConnectionMade(1)
	_ = actions

	actions, err := c.ConnectionLost(1)
	require.NoError(t, err)
	timer := actions[0].(StartTimer)
	require.Equal(t, Waiting, c.State())

	actions, err = c.Stop()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	cancel, ok := actions[0].(CancelTimer)
	require.True(t, ok)
	assert.Equal(t, timer.Handle, cancel.Handle)
	assert.Equal(t, Stopped, c.State())

	c2 := New("app", "url", 1.0)
	_, _ = c2.Start()
	_, _ = c2.ConnectionMade(1)
	actions, err = c2.Stop()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok = actions[0].(WebSocketClose)
	require.True(t, ok)
	assert.Equal(t, Disconnecting, c2.State())

	c3 := New("app", "url", 1.0)
	actions, err = c3.Stop()
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, Stopped, c3.State())
}

func TestSideTokenStableAndUnique(t *testing.T) {
	c1 := New("app", "url", 1.0)
	c2 := New("app", "url", 1.0)
	assert.NotEmpty(t, c1.Side)
	assert.NotEqual(t, c1.Side, c2.Side)
	assert.Equal(t, c1.Side, c1.Side)
}
