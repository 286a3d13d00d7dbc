package token

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the only codec version this build reads and writes.
const Version = 1

// Field numbers of the encoded token message.
const (
	fieldVersion protowire.Number = 1
	fieldBlob    protowire.Number = 2
)

var (
	ErrEmpty     = errors.New("token: empty discovery token")
	ErrMalformed = errors.New("token: malformed discovery token")
)

// Encode serializes a token for transport:
//
//	message DiscoveryToken { uint32 version = 1; bytes blob = 2; }
func Encode(t DiscoveryToken) ([]byte, error) {
	if t.IsZero() {
		return nil, ErrEmpty
	}
	b := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	b = protowire.AppendTag(b, fieldBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(t.blob))
	return b, nil
}

// Decode parses bytes produced by Encode. Anything else (unknown fields,
// repeated fields, a foreign version, an empty blob, truncation) is rejected.
func Decode(b []byte) (DiscoveryToken, error) {
	var (
		version  uint64
		blob     []byte
		seenVer  bool
		seenBlob bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return DiscoveryToken{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType && !seenVer:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return DiscoveryToken{}, fmt.Errorf("%w: version: %v", ErrMalformed, protowire.ParseError(n))
			}
			version, seenVer = v, true
			b = b[n:]
		case num == fieldBlob && typ == protowire.BytesType && !seenBlob:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return DiscoveryToken{}, fmt.Errorf("%w: blob: %v", ErrMalformed, protowire.ParseError(n))
			}
			blob, seenBlob = v, true
			b = b[n:]
		default:
			return DiscoveryToken{}, fmt.Errorf("%w: unexpected field %d (wire type %d)", ErrMalformed, num, typ)
		}
	}

	if !seenVer || version != Version {
		return DiscoveryToken{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}
	if len(blob) == 0 {
		return DiscoveryToken{}, fmt.Errorf("%w: missing blob", ErrMalformed)
	}
	return New(blob), nil
}
