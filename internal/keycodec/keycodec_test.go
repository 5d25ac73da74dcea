package keycodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("42"),
		[]byte("tenant-a"),
		[]byte("with spaces"),
		[]byte{0x00, 0x01, 0xff, 0xfe},
		[]byte(""),
		[]byte("MixedCase123"),
		[]byte("%already-escaped%"),
	}
	for _, c := range cases {
		encoded := Encode(c)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestEncodeIsRoutingKeySafe(t *testing.T) {
	encoded := Encode([]byte("foo bar/baz.42"))
	for _, r := range encoded {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '%'
		assert.True(t, ok, "unexpected character %q in encoded output", r)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode("abc%")
	require.Error(t, err)
	var malformed *MalformedKeyError
	require.ErrorAs(t, err, &malformed)

	_, err = Decode("abc%zz")
	require.Error(t, err)

	_, err = Decode("abc%4")
	require.Error(t, err)
}

func TestEncodeNoEscapeFastPath(t *testing.T) {
	assert.Equal(t, "abc123", Encode([]byte("abc123")))
}
