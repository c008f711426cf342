package rfc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTripCall(t *testing.T) {
	codec := JSONCodec{}
	in := Invoke{Call: &Call{
		UID:      1<<53 + 7, // above 2^53, must survive as a wire string
		Listener: "vector.push_back",
		Parameters: []Parameter{
			{ByValue: json.RawMessage(`42`)},
			{IsHandle: true, UID: 9, Retain: true},
		},
	}}
	frame, err := codec.Encode(in)
	require.NoError(t, err)

	out, err := codec.Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, out.Call)
	require.Equal(t, in.Call.UID, out.Call.UID)
	require.Equal(t, in.Call.Listener, out.Call.Listener)
	require.Len(t, out.Call.Parameters, 2)
	require.JSONEq(t, "42", string(out.Call.Parameters[0].ByValue))
	require.True(t, out.Call.Parameters[1].IsHandle)
	require.Equal(t, uint64(9), out.Call.Parameters[1].UID)
	require.True(t, out.Call.Parameters[1].Retain)
}

func TestJSONCodecRoundTripReturn(t *testing.T) {
	codec := JSONCodec{}
	in := Invoke{Return: &Return{UID: 55, Success: false, Value: json.RawMessage(`{"name":"DomainError","message":"bad"}`)}}
	frame, err := codec.Encode(in)
	require.NoError(t, err)

	out, err := codec.Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, out.Return)
	require.Equal(t, uint64(55), out.Return.UID)
	require.False(t, out.Return.Success)

	var re RemoteError
	require.NoError(t, json.Unmarshal(out.Return.Value, &re))
	require.Equal(t, "DomainError", re.Name)
}

func TestJSONCodecMalformedFrameIsProtocolError(t *testing.T) {
	codec := JSONCodec{}
	_, err := codec.Decode([]byte(`not json`))
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestJSONCodecNeitherCallNorReturn(t *testing.T) {
	codec := JSONCodec{}
	_, err := codec.Decode([]byte(`{"uid":1}`))
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestParameterHandleUIDAsNumber(t *testing.T) {
	// Peers whose uids never exceed 2^53 may send them as plain numbers;
	// the codec must still accept that.
	var p Parameter
	err := json.Unmarshal([]byte(`{"handle":true,"uid":9}`), &p)
	require.NoError(t, err)
	require.True(t, p.IsHandle)
	require.Equal(t, uint64(9), p.UID)
}
