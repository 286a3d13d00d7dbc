package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode(t *testing.T) {
	tok := New([]byte{0x01, 0x02, 0xff, 0x00, 0x7f})

	b, err := Encode(tok)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, got.Equal(tok))
	assert.Equal(t, tok.Fingerprint(), got.Fingerprint())
}

func TestEncodeEmpty(t *testing.T) {
	_, err := Encode(DiscoveryToken{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := Encode(New([]byte("abc")))
	require.NoError(t, err)

	withField := func(b []byte, num protowire.Number, v uint64) []byte {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, v)
	}

	wrongVersion := withField(nil, fieldVersion, 2)
	wrongVersion = protowire.AppendTag(wrongVersion, fieldBlob, protowire.BytesType)
	wrongVersion = protowire.AppendBytes(wrongVersion, []byte("abc"))

	emptyBlob := withField(nil, fieldVersion, Version)
	emptyBlob = protowire.AppendTag(emptyBlob, fieldBlob, protowire.BytesType)
	emptyBlob = protowire.AppendBytes(emptyBlob, nil)

	cases := map[string][]byte{
		"nil":           nil,
		"garbage":       []byte("not a token"),
		"truncated":     valid[:len(valid)-1],
		"unknown field": withField(append([]byte{}, valid...), 9, 1),
		"repeated ver":  withField(append([]byte{}, valid...), fieldVersion, Version),
		"wrong version": wrongVersion,
		"no blob":       withField(nil, fieldVersion, Version),
		"empty blob":    emptyBlob,
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestTokenIdentity(t *testing.T) {
	a := New([]byte("same"))
	b := New([]byte("same"))
	c := New([]byte("other"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, DiscoveryToken{}.IsZero())
	assert.Equal(t, "<none>", DiscoveryToken{}.Fingerprint())

	raw := a.Bytes()
	raw[0] = 'X'
	assert.True(t, a.Equal(b), "Bytes must return a copy")
}
