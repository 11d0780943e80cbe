package crypto

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-inbox/pubkey"
)

var ErrInvalidKey = errors.New("crypto: invalid key")

// KeyPair is an x25519 key pair. Closed groups keep an ordered history of these.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: pub[:], PrivateKey: priv[:]}, nil
}

func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(priv))
	}
	privCopy := append([]byte{}, priv...)
	pub := scalarmult.Base(SliceToKey(privCopy))
	return &KeyPair{PublicKey: pub[:], PrivateKey: privCopy}, nil
}

// Equal compares both halves byte for byte.
func (kp *KeyPair) Equal(o *KeyPair) bool {
	if kp == nil || o == nil {
		return kp == o
	}
	return bytes.Equal(kp.PublicKey, o.PublicKey) && bytes.Equal(kp.PrivateKey, o.PrivateKey)
}

func (kp *KeyPair) Valid() bool {
	return kp != nil && len(kp.PublicKey) == 32 && len(kp.PrivateKey) == 32
}

// Identity is a long term ed25519 signing key and the x25519 pair derived from it.
type Identity struct {
	Signing ed25519.PrivateKey
	X25519  *KeyPair
}

func NewIdentity() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := crypto_rand.Read(seed); err != nil {
		return nil, err
	}
	return IdentityFromSeed(seed)
}

func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidKey, len(seed))
	}
	signing := ed25519.NewKeyFromSeed(seed)
	h := sha512.Sum512(seed)
	priv := h[:32]
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	kp, err := KeyPairFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &Identity{Signing: signing, X25519: kp}, nil
}

func (i *Identity) SessionID() pubkey.Key {
	return pubkey.FromX25519(i.X25519.PublicKey)
}

func (i *Identity) SigningPublicKey() ed25519.PublicKey {
	return i.Signing.Public().(ed25519.PublicKey)
}

func Ed25519ToX25519(edPub []byte) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return p.BytesMontgomery(), nil
}
