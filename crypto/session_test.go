package crypto

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestDecryptResolvesAuthor(t *testing.T) {
	require := require.New(t)

	sender, err := NewIdentity()
	require.Nil(err)
	recipient, err := NewIdentity()
	require.Nil(err)

	ciphertext, err := Encrypt([]byte("hello"), sender.Signing, recipient.X25519.PublicKey, true)
	require.Nil(err)

	d, err := Decrypt(ciphertext, recipient.X25519, true)
	require.Nil(err)
	require.Equal([]byte("hello"), d.Plaintext)
	require.Equal(sender.SessionID(), d.Author)
	require.Equal(sender.SigningPublicKey(), d.SenderEd25519)
}

func TestDecryptRejectsTampering(t *testing.T) {
	require := require.New(t)

	sender, err := NewIdentity()
	require.Nil(err)
	recipient, err := NewIdentity()
	require.Nil(err)

	ciphertext, err := Encrypt([]byte("hello"), sender.Signing, recipient.X25519.PublicKey, true)
	require.Nil(err)
	tampered := append([]byte{}, ciphertext...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = Decrypt(tampered, recipient.X25519, true)
	require.ErrorIs(err, ErrAuthentication)

	// signed for someone else, then sealed to the recipient
	other, err := NewIdentity()
	require.Nil(err)
	msg := []byte("hello")
	senderPub := sender.SigningPublicKey()
	sig := ed25519.Sign(sender.Signing, concat(msg, senderPub, other.X25519.PublicKey))
	sealed, err := box.SealAnonymous(nil, concat(msg, senderPub, sig), SliceToKey(recipient.X25519.PublicKey), crypto_rand.Reader)
	require.Nil(err)
	_, err = Decrypt(sealed, recipient.X25519, false)
	require.ErrorIs(err, ErrAuthentication)

	// nothing but metadata
	short, err := box.SealAnonymous(nil, bytes.Repeat([]byte{1}, metadataSize), SliceToKey(recipient.X25519.PublicKey), crypto_rand.Reader)
	require.Nil(err)
	_, err = Decrypt(short, recipient.X25519, false)
	require.ErrorIs(err, ErrAuthentication)

	// wrong recipient
	_, err = Decrypt(ciphertext, other.X25519, true)
	require.ErrorIs(err, ErrAuthentication)
}

func TestDecryptWithAnyTriesHistory(t *testing.T) {
	require := require.New(t)

	sender, err := NewIdentity()
	require.Nil(err)
	old, err := NewKeyPair()
	require.Nil(err)
	current, err := NewKeyPair()
	require.Nil(err)
	unrelated, err := NewKeyPair()
	require.Nil(err)

	ciphertext, err := Encrypt([]byte("from the past"), sender.Signing, old.PublicKey, true)
	require.Nil(err)

	d, used, err := DecryptWithAny(ciphertext, []*KeyPair{old, current}, true)
	require.Nil(err)
	require.True(used.Equal(old))
	require.Equal([]byte("from the past"), d.Plaintext)

	_, _, err = DecryptWithAny(ciphertext, []*KeyPair{unrelated, current}, true)
	require.ErrorIs(err, ErrNoMatchingKeyPair)

	_, _, err = DecryptWithAny(ciphertext, nil, true)
	require.ErrorIs(err, ErrNoKeyPair)
}

func TestKeyPairPayloadsAreNotUnpadded(t *testing.T) {
	require := require.New(t)

	sender, err := NewIdentity()
	require.Nil(err)
	recipient, err := NewIdentity()
	require.Nil(err)

	payload := []byte{1, 2, 3, 0x80, 0, 0}
	ciphertext, err := Encrypt(payload, sender.Signing, recipient.X25519.PublicKey, false)
	require.Nil(err)
	d, err := Decrypt(ciphertext, recipient.X25519, false)
	require.Nil(err)
	require.Equal(payload, d.Plaintext)
}

func TestPadding(t *testing.T) {
	require := require.New(t)

	padded := AddPadding([]byte("abc"))
	require.Len(padded, paddingBlockSize-1)
	out, err := RemovePadding(padded)
	require.Nil(err)
	require.Equal([]byte("abc"), out)

	exact := bytes.Repeat([]byte{7}, paddingBlockSize-1)
	padded = AddPadding(exact)
	require.Len(padded, 2*paddingBlockSize-1)

	unpadded := []byte{1, 2, 3}
	out, err = RemovePadding(unpadded)
	require.Nil(err)
	require.Equal(unpadded, out)

	_, err = RemovePadding([]byte{0, 0, 0})
	require.ErrorIs(err, ErrInvalidPadding)
}

func TestIdentityDerivationAgreesWithConversion(t *testing.T) {
	require := require.New(t)

	id, err := NewIdentity()
	require.Nil(err)
	converted, err := Ed25519ToX25519(id.SigningPublicKey())
	require.Nil(err)
	require.Equal(id.X25519.PublicKey, converted)

	kp, err := KeyPairFromPrivate(id.X25519.PrivateKey)
	require.Nil(err)
	require.True(kp.Equal(id.X25519))
	_, err = KeyPairFromPrivate([]byte{1})
	require.ErrorIs(err, ErrInvalidKey)
}
