// Package model defines domain entities used by services and repositories.
package model

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
)

// KeyPrefix is the type byte every peer and group public key carries in its hex form.
const KeyPrefix = "05"

// KeySize is the raw length of an X25519 public or private key.
const KeySize = 32

// Identity is a peer's hex encoded public key ("05" + 64 hex chars).
type Identity string

// GroupPublicKey names a closed group's cryptographic domain. Same format as Identity.
type GroupPublicKey string

// ParseIdentity validates the textual form of a peer identity.
func ParseIdentity(s string) (Identity, error) {
	if err := validateKeyHex(s); err != nil {
		return "", fmt.Errorf("identity %q: %w", s, err)
	}
	return Identity(s), nil
}

// ParseGroupPublicKey validates the textual form of a group public key.
func ParseGroupPublicKey(s string) (GroupPublicKey, error) {
	if err := validateKeyHex(s); err != nil {
		return "", fmt.Errorf("group public key %q: %w", s, err)
	}
	return GroupPublicKey(s), nil
}

// IdentityFromKey hex-encodes a raw X25519 public key into an Identity.
func IdentityFromKey(pub []byte) Identity {
	return Identity(KeyPrefix + hex.EncodeToString(pub))
}

// GroupPublicKeyFromKey hex-encodes a raw X25519 public key into a GroupPublicKey.
func GroupPublicKeyFromKey(pub []byte) GroupPublicKey {
	return GroupPublicKey(KeyPrefix + hex.EncodeToString(pub))
}

func validateKeyHex(s string) error {
	if len(s) != len(KeyPrefix)+2*KeySize {
		return fmt.Errorf("want %d hex chars, got %d", len(KeyPrefix)+2*KeySize, len(s))
	}
	if s[:len(KeyPrefix)] != KeyPrefix {
		return fmt.Errorf("missing %s prefix", KeyPrefix)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return err
	}
	return nil
}

// Key returns the raw X25519 public key behind the identity.
func (id Identity) Key() ([]byte, error) {
	if err := validateKeyHex(string(id)); err != nil {
		return nil, err
	}
	return hex.DecodeString(string(id)[len(KeyPrefix):])
}

// Short is the abbreviated form used in human readable notes.
func (id Identity) Short() string {
	if len(id) <= 10 {
		return string(id)
	}
	return string(id[2:10]) + "…"
}

// Bytes returns the raw bytes of the hex identity including the prefix byte.
func (id Identity) Bytes() []byte {
	b, _ := hex.DecodeString(string(id))
	return b
}

// Bytes returns the raw bytes of the hex group key including the prefix byte.
func (g GroupPublicKey) Bytes() []byte {
	b, _ := hex.DecodeString(string(g))
	return b
}

// ThreadID derives the conversation identifier used by the group model store.
func ThreadID(g GroupPublicKey) string {
	return "g" + base64.StdEncoding.EncodeToString([]byte("closed-group!"+string(g)))
}

// EncryptionKeyPair is the shared key pair used to encrypt and decrypt group content.
type EncryptionKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Equal reports value equality.
func (k EncryptionKeyPair) Equal(o EncryptionKeyPair) bool {
	return bytes.Equal(k.PublicKey, o.PublicKey) && bytes.Equal(k.PrivateKey, o.PrivateKey)
}

// IsZero reports whether the pair carries no key material.
func (k EncryptionKeyPair) IsZero() bool {
	return len(k.PublicKey) == 0 && len(k.PrivateKey) == 0
}

// KeyPairRecord is one stored version of a group's encryption key pair.
type KeyPairRecord struct {
	GroupPublicKey GroupPublicKey
	Timestamp      float64 // seconds since epoch, microsecond resolution
	KeyPair        EncryptionKeyPair
}

// TimestampKey is the decimal string the record is stored under.
func (r KeyPairRecord) TimestampKey() string {
	return FormatTimestamp(r.Timestamp)
}

// FormatTimestamp renders a record timestamp the way it is keyed in storage.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

// IdentitySet is an unordered set of identities.
type IdentitySet map[Identity]struct{}

// NewIdentitySet builds a set from the given identities.
func NewIdentitySet(ids ...Identity) IdentitySet {
	s := make(IdentitySet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s IdentitySet) Contains(id Identity) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s IdentitySet) Add(id Identity) { s[id] = struct{}{} }

// Clone returns an independent copy.
func (s IdentitySet) Clone() IdentitySet {
	out := make(IdentitySet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Union returns s ∪ o.
func (s IdentitySet) Union(o IdentitySet) IdentitySet {
	out := s.Clone()
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// Subtract returns s \ o.
func (s IdentitySet) Subtract(o IdentitySet) IdentitySet {
	out := make(IdentitySet, len(s))
	for id := range s {
		if !o.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersect returns s ∩ o.
func (s IdentitySet) Intersect(o IdentitySet) IdentitySet {
	out := make(IdentitySet)
	for id := range s {
		if o.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the identities in ascending order.
func (s IdentitySet) Sorted() []Identity {
	out := make([]Identity, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted identities as plain strings (storage form).
func (s IdentitySet) Strings() []string {
	ids := s.Sorted()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// IdentitySetFromStrings is the inverse of Strings.
func IdentitySetFromStrings(in []string) IdentitySet {
	s := make(IdentitySet, len(in))
	for _, v := range in {
		s[Identity(v)] = struct{}{}
	}
	return s
}

// Group is the local membership record of a closed group.
type Group struct {
	ThreadID  string
	PublicKey GroupPublicKey
	Name      string
	Members   IdentitySet
	Admins    IdentitySet
	UpdatedAt time.Time
}

// Clone returns a deep copy suitable for building the next snapshot.
func (g Group) Clone() Group {
	g.Members = g.Members.Clone()
	g.Admins = g.Admins.Clone()
	return g
}

// IsAdmin reports whether id is in the local view of admins.
func (g Group) IsAdmin(id Identity) bool { return g.Admins.Contains(id) }

// IsMember reports whether id is in the local view of members.
func (g Group) IsMember(id Identity) bool { return g.Members.Contains(id) }

// InfoNote is a local informational entry shown in the group conversation.
type InfoNote struct {
	ID        uuid.UUID
	ThreadID  string
	Body      string
	CreatedAt time.Time
}

// PendingRotation is the durable journal entry of a key pair sent but not yet persisted.
type PendingRotation struct {
	ID             uuid.UUID
	GroupPublicKey GroupPublicKey
	KeyPair        EncryptionKeyPair
	Message        []byte // encoded EncryptionKeyPair control message
	CreatedAt      time.Time
}
