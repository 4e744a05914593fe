package clientcrypto

import (
	"errors"
	"fmt"

	"github.com/and161185/group-keeper/internal/model"
)

// Keyring holds the local user's identity key and implements the crypto
// operations the group service depends on.
type Keyring struct {
	pub  []byte
	priv []byte
	id   model.Identity
}

// NewKeyring restores a keyring from an X25519 private key.
func NewKeyring(priv []byte) (*Keyring, error) {
	if len(priv) != KeyLen {
		return nil, fmt.Errorf("identity key: want %d bytes, got %d", KeyLen, len(priv))
	}
	pub, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &Keyring{pub: pub, priv: append([]byte(nil), priv...), id: model.IdentityFromKey(pub)}, nil
}

// GenerateKeyring creates a keyring with a fresh identity.
func GenerateKeyring() (*Keyring, error) {
	_, priv, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	return NewKeyring(priv)
}

// Identity is the local user's public identity.
func (k *Keyring) Identity() model.Identity { return k.id }

// PrivateKey exposes the raw identity key for persistence.
func (k *Keyring) PrivateKey() []byte { return append([]byte(nil), k.priv...) }

// GenerateKeyPair creates a fresh group encryption key pair.
func (k *Keyring) GenerateKeyPair() (model.EncryptionKeyPair, error) {
	pub, priv, err := GenerateX25519()
	if err != nil {
		return model.EncryptionKeyPair{}, err
	}
	return model.EncryptionKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// EncryptFor seals plaintext for the given peer identity.
func (k *Keyring) EncryptFor(recipient model.Identity, plaintext []byte) ([]byte, error) {
	pub, err := recipient.Key()
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	return Seal(pub, plaintext)
}

// Decrypt opens a payload sealed for the local identity.
func (k *Keyring) Decrypt(sealed []byte) ([]byte, error) {
	if k == nil || len(k.priv) == 0 {
		return nil, errors.New("keyring not initialised")
	}
	return Open(k.pub, k.priv, sealed)
}

// Lock wraps the identity key under a passphrase. The result is salt(16) || wrapped.
func (k *Keyring) Lock(passphrase []byte) ([]byte, error) {
	salt, err := Rand(16)
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapSecret(DeriveKEK(passphrase, salt), k.priv)
	if err != nil {
		return nil, err
	}
	return append(salt, wrapped...), nil
}

// Unlock restores a keyring produced by Lock.
func Unlock(passphrase, locked []byte) (*Keyring, error) {
	if len(locked) < 16 {
		return nil, errors.New("locked identity too short")
	}
	priv, err := UnwrapSecret(DeriveKEK(passphrase, locked[:16]), locked[16:])
	if err != nil {
		return nil, fmt.Errorf("unlock identity: %w", err)
	}
	return NewKeyring(priv)
}
