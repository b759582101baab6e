package forwarding

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// Property 6: for each PeerMessage variant with a canonical value,
// decode(encode(m)) == m.
func TestRoundTrip(t *testing.T) {
	cases := []PeerMessage{
		TransitMessage(json.RawMessage(`{"sdp":"v=0"}`)),
		OfferMessage([]string{"80", "example.com:443"}),
		ConnectMessage("example.com:443", 7),
		DisconnectMessage(7),
		ForwardMessage(7, []byte("hello")),
		CloseMessage(),
		ErrorMessage("boom"),
	}
	for _, m := range cases {
		raw, err := Encode(m)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestEncodeWireShape(t *testing.T) {
	raw, err := Encode(ForwardMessage(3, []byte("hi")))
	require.NoError(t, err)

	var generic map[string]map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(raw, &generic))
	require.Contains(t, generic, "forward")
	assert.EqualValues(t, 3, generic["forward"]["connection-id"])
}

func TestDecodeUnknownTagIsUnknownKind(t *testing.T) {
	raw, err := msgpack.Marshal(map[string]interface{}{"future-feature": map[string]interface{}{}})
	require.NoError(t, err)

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, m.Kind)
}

func TestDecodeMalformedIsProtocolParseError(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ProtocolParse, fe.Kind)
}

func TestControlChannelJSONRoundTrip(t *testing.T) {
	transit := TransitMessage(json.RawMessage(`{"sdp":"v=0"}`))
	data, err := json.Marshal(transit)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transit":{"hints":{"sdp":"v=0"}}}`, string(data))

	var got PeerMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, KindTransit, got.Kind)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(got.Hints))

	errMsg := ErrorMessage("nope")
	data, err = json.Marshal(errMsg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"nope"}`, string(data))

	var gotErr PeerMessage
	require.NoError(t, json.Unmarshal(data, &gotErr))
	assert.Equal(t, errMsg, gotErr)
}
