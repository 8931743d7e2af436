package control

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOkStringAndParseRoundTrip(t *testing.T) {
	ok := Ok{TransferID: 0xcafebabe}
	require.Equal(t, "OK:cafebabe", ok.String())

	msg, err := Parse([]byte(ok.String()))
	require.NoError(t, err)
	require.NotNil(t, msg.Ok)
	require.Nil(t, msg.Req)
	require.Equal(t, ok, *msg.Ok)
}

func TestReqStringAndParseRoundTrip(t *testing.T) {
	req := Req{TransferID: 0x00000001, Indices: []int{0, 3, 7}}
	require.Equal(t, "REQ:00000001:0,3,7", req.String())

	msg, err := Parse([]byte(req.String()))
	require.NoError(t, err)
	require.NotNil(t, msg.Req)
	require.Nil(t, msg.Ok)
	require.Equal(t, req, *msg.Req)
}

func TestLooksLikeControl(t *testing.T) {
	require.True(t, LooksLikeControl([]byte("OK:deadbeef")))
	require.True(t, LooksLikeControl([]byte("REQ:deadbeef:1,2")))
	require.False(t, LooksLikeControl([]byte{0x00, 0x01, 0x02}))
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"OK:short",
		"OK:zzzzzzzz",
		"REQ:deadbeef",
		"REQ:deadbeef:",
		"REQ:deadbeef:1,-2",
		"REQ:deadbeef:1,x",
		"garbage",
	}
	for _, c := range cases {
		_, err := Parse([]byte(c))
		require.ErrorIsf(t, err, ErrUnknownControl, "input %q", c)
	}
}

func TestReqRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		transferID := rapid.Uint32().Draw(rt, "transferID").(uint32)
		n := rapid.IntRange(1, 20).Draw(rt, "n").(int)
		indices := make([]int, n)
		for i := range indices {
			indices[i] = rapid.IntRange(0, 254).Draw(rt, "idx").(int)
		}

		req := Req{TransferID: transferID, Indices: indices}
		msg, err := Parse([]byte(req.String()))
		require.NoError(rt, err)
		require.Equal(rt, req, *msg.Req)
	})
}
