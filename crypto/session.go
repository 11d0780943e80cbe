// Package crypto implements the session protocol envelope layer: an anonymous sealed box whose
// plaintext carries the sender's ed25519 key and a detached signature binding it to the recipient.
package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/pubkey"
	"golang.org/x/crypto/nacl/box"
)

const (
	paddingByte      = 0x80
	paddingBlockSize = 160
	metadataSize     = ed25519.PublicKeySize + ed25519.SignatureSize
)

var (
	ErrAuthentication    = errors.New("crypto: authentication failed")
	ErrNoKeyPair         = errors.New("crypto: no key pair available")
	ErrNoMatchingKeyPair = errors.New("crypto: no key pair opened the envelope")
	ErrInvalidPadding    = errors.New("crypto: invalid padding")
)

type Decrypted struct {
	Plaintext     []byte
	Author        pubkey.Key
	SenderEd25519 ed25519.PublicKey
}

// Decrypt opens ciphertext sealed to recipient and authenticates its sender. Any failure is final
// for this ciphertext and key pair.
func Decrypt(ciphertext []byte, recipient *KeyPair, padded bool) (*Decrypted, error) {
	plaintext, ok := openSeal(ciphertext, recipient)
	if !ok {
		return nil, fmt.Errorf("%w: unable to open sealed box", ErrAuthentication)
	}
	return authenticate(plaintext, recipient, padded)
}

// DecryptWithAny tries each key pair newest first and returns the pair which opened the seal. A
// seal that no pair opens yields ErrNoMatchingKeyPair, a bad signature inside an opened seal yields
// ErrAuthentication.
func DecryptWithAny(ciphertext []byte, pairs []*KeyPair, padded bool) (*Decrypted, *KeyPair, error) {
	if len(pairs) == 0 {
		return nil, nil, ErrNoKeyPair
	}
	for i := len(pairs) - 1; i >= 0; i-- {
		plaintext, ok := openSeal(ciphertext, pairs[i])
		if !ok {
			continue
		}
		d, err := authenticate(plaintext, pairs[i], padded)
		if err != nil {
			return nil, nil, err
		}
		return d, pairs[i], nil
	}
	return nil, nil, fmt.Errorf("%w: tried %d key pairs", ErrNoMatchingKeyPair, len(pairs))
}

// Encrypt signs and seals plaintext for recipientPub.
func Encrypt(plaintext []byte, sender ed25519.PrivateKey, recipientPub []byte, pad bool) ([]byte, error) {
	if len(recipientPub) != 32 {
		return nil, fmt.Errorf("%w: recipient length %d", ErrInvalidKey, len(recipientPub))
	}
	if pad {
		plaintext = AddPadding(plaintext)
	}
	senderPub := sender.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(sender, concat(plaintext, senderPub, recipientPub))
	return box.SealAnonymous(nil, concat(plaintext, senderPub, sig), SliceToKey(recipientPub), crypto_rand.Reader)
}

func openSeal(ciphertext []byte, recipient *KeyPair) ([]byte, bool) {
	if !recipient.Valid() {
		return nil, false
	}
	return box.OpenAnonymous(nil, ciphertext, SliceToKey(recipient.PublicKey), SliceToKey(recipient.PrivateKey))
}

func authenticate(plaintext []byte, recipient *KeyPair, padded bool) (*Decrypted, error) {
	if len(plaintext) <= metadataSize {
		return nil, fmt.Errorf("%w: plaintext too short (%d)", ErrAuthentication, len(plaintext))
	}
	sigStart := len(plaintext) - ed25519.SignatureSize
	keyStart := sigStart - ed25519.PublicKeySize
	message := plaintext[:keyStart]
	senderEd := ed25519.PublicKey(plaintext[keyStart:sigStart])
	sig := plaintext[sigStart:]

	if !ed25519.Verify(senderEd, concat(message, senderEd, recipient.PublicKey), sig) {
		return nil, fmt.Errorf("%w: invalid signature", ErrAuthentication)
	}
	senderX, err := Ed25519ToX25519(senderEd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	if padded {
		message, err = RemovePadding(message)
		if err != nil {
			return nil, err
		}
	}
	return &Decrypted{
		Plaintext:     message,
		Author:        pubkey.FromX25519(senderX),
		SenderEd25519: append(ed25519.PublicKey{}, senderEd...),
	}, nil
}

// AddPadding appends the 0x80 marker and zero fills to one byte short of a block boundary.
func AddPadding(b []byte) []byte {
	size := ((len(b)+1+paddingBlockSize-1)/paddingBlockSize)*paddingBlockSize - 1
	if size < len(b)+1 {
		size = len(b) + 1
	}
	out := make([]byte, size)
	copy(out, b)
	out[len(b)] = paddingByte
	return out
}

// RemovePadding strips trailing zeros and the marker before them. Content without a marker is
// returned as is.
func RemovePadding(b []byte) ([]byte, error) {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case paddingByte:
			return b[:i], nil
		case 0x00:
			continue
		default:
			return b, nil
		}
	}
	return nil, ErrInvalidPadding
}

func concat(bs ...[]byte) []byte {
	l := 0
	for _, b := range bs {
		l += len(b)
	}
	out := make([]byte, 0, l)
	for _, b := range bs {
		out = append(out, b...)
	}
	return out
}
