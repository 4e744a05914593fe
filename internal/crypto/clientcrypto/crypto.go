// Package clientcrypto contains client-side primitives for key generation, per-recipient
// sealing and passphrase wrapping of the local identity.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen = 32
	KEKLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	sealInfo = "group-keeper/keypair-wrap"
)

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateX25519 returns a fresh (public, private) X25519 pair.
func GenerateX25519() (pub, priv []byte, err error) {
	priv, err = Rand(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// PublicFromPrivate recomputes the X25519 public key.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// Seal encrypts plaintext so that only the owner of recipientPub can open it.
// Layout: ephemeralPub(32) || nonce(24) || ciphertext.
func Seal(recipientPub, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	key, err := sealKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ephPub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, ephPub)...)
	return out, nil
}

// Open reverses Seal with the recipient's key pair.
func Open(recipientPub, recipientPriv, sealed []byte) ([]byte, error) {
	if len(sealed) < curve25519.PointSize+chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed too short")
	}
	ephPub := sealed[:curve25519.PointSize]
	nonce := sealed[curve25519.PointSize : curve25519.PointSize+chacha20poly1305.NonceSizeX]
	ct := sealed[curve25519.PointSize+chacha20poly1305.NonceSizeX:]

	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, err
	}
	key, err := sealKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, ephPub)
}

func sealKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	r := hkdf.New(sha256.New, shared, salt, []byte(sealInfo))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// DeriveKEK derives a KEK from passphrase and kekSalt using Argon2id.
func DeriveKEK(passphrase, kekSalt []byte) []byte {
	return argon2.IDKey(passphrase, kekSalt, argonTime, argonMemory, argonThreads, KEKLen)
}

// WrapSecret encrypts secret with KEK using XChaCha20-Poly1305 and random nonce.
func WrapSecret(kek, secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(secret)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, secret, nil)...)
	return out, nil
}

// UnwrapSecret decrypts a wrapped secret using KEK.
func UnwrapSecret(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	ct := wrapped[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}
