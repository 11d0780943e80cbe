// Package pubkey models the hex encoded, prefix tagged public keys used to address
// conversations on the swarm.
package pubkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

type Prefix string

const (
	Standard  Prefix = "05"
	GroupV2   Prefix = "03"
	Blinded15 Prefix = "15"
	Blinded25 Prefix = "25"
	Unblinded Prefix = "00"
)

const (
	HexLength   = 66
	BytesLength = 33

	// LegacyGroupPrefix is prepended to closed group ids by very old clients.
	LegacyGroupPrefix = "__textsecure_group__!"
)

var ErrInvalid = errors.New("pubkey: invalid public key")

// Key is a lower case hex public key including its one byte prefix.
type Key string

func Parse(s string) (Key, error) {
	s = strings.ToLower(strings.TrimPrefix(s, LegacyGroupPrefix))
	if len(s) != HexLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalid, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch Prefix(s[:2]) {
	case Standard, GroupV2, Blinded15, Blinded25, Unblinded:
	default:
		return "", fmt.Errorf("%w: unknown prefix %s", ErrInvalid, s[:2])
	}
	return Key(s), nil
}

func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// FromBytes accepts a 33 byte prefixed key.
func FromBytes(b []byte) (Key, error) {
	if len(b) != BytesLength {
		return "", fmt.Errorf("%w: byte length %d", ErrInvalid, len(b))
	}
	return Parse(hex.EncodeToString(b))
}

// FromX25519 builds a standard session id from a raw 32 byte x25519 key.
func FromX25519(raw []byte) Key {
	return Key(string(Standard) + hex.EncodeToString(raw))
}

func (k Key) String() string {
	return string(k)
}

func (k Key) Prefix() Prefix {
	if len(k) < 2 {
		return ""
	}
	return Prefix(k[:2])
}

func (k Key) IsStandard() bool {
	return k.Prefix() == Standard
}

func (k Key) IsGroupV2() bool {
	return k.Prefix() == GroupV2
}

func (k Key) IsBlinded() bool {
	p := k.Prefix()
	return p == Blinded15 || p == Blinded25
}

// Bytes returns the prefixed key bytes.
func (k Key) Bytes() []byte {
	b, err := hex.DecodeString(string(k))
	if err != nil {
		return nil
	}
	return b
}

// Raw returns the key without its prefix byte.
func (k Key) Raw() []byte {
	b := k.Bytes()
	if len(b) != BytesLength {
		return nil
	}
	return b[1:]
}
