package wireproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := AliasWritePayload{
		PendingID: "p1",
		Alias:     AliasWire{Group: "default", Name: "gs", Version: 1},
	}
	frame, err := Encode(KindAliasWrite, 7, payload)
	require.NoError(t, err)
	require.Equal(t, KindAliasWrite, frame.Kind)
	require.Equal(t, uint64(7), frame.Seq)

	var decoded AliasWritePayload
	require.NoError(t, frame.Decode(&decoded))
	require.Equal(t, payload, decoded)
}

func TestDecodeErrorPayload(t *testing.T) {
	frame, err := Encode(KindError, 1, ErrorPayload{Kind: "auth", Message: "bad token"})
	require.NoError(t, err)

	var decoded ErrorPayload
	require.NoError(t, frame.Decode(&decoded))
	require.Equal(t, "auth", decoded.Kind)
}
