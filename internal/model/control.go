package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ControlKind tags the variant carried by a ControlMessage.
type ControlKind int

// Control message kinds. Values are part of the wire format.
const (
	KindNew                      ControlKind = 1
	KindEncryptionKeyPair        ControlKind = 3
	KindNameChange               ControlKind = 4
	KindMembersAdded             ControlKind = 5
	KindMembersRemoved           ControlKind = 6
	KindMemberLeft               ControlKind = 7
	KindEncryptionKeyPairRequest ControlKind = 8
)

func (k ControlKind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindEncryptionKeyPair:
		return "encryption_key_pair"
	case KindNameChange:
		return "name_change"
	case KindMembersAdded:
		return "members_added"
	case KindMembersRemoved:
		return "members_removed"
	case KindMemberLeft:
		return "member_left"
	case KindEncryptionKeyPairRequest:
		return "encryption_key_pair_request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KeyPairWrapper is a key pair encrypted for one recipient.
type KeyPairWrapper struct {
	Recipient        Identity
	EncryptedKeyPair []byte
}

// ControlMessage instructs recipients to update their view of a group.
// Only the fields of the variant named by Kind are meaningful.
type ControlMessage struct {
	Kind      ControlKind
	PublicKey GroupPublicKey // New; optional for EncryptionKeyPair
	Name      string         // New, NameChange
	KeyPair   EncryptionKeyPair
	Members   []Identity // New, MembersAdded, MembersRemoved
	Admins    []Identity // New
	Wrappers  []KeyPairWrapper
}

// NewGroupMessage is the bootstrap message carrying the full roster and key.
func NewGroupMessage(g GroupPublicKey, name string, kp EncryptionKeyPair, members, admins IdentitySet) ControlMessage {
	return ControlMessage{
		Kind:      KindNew,
		PublicKey: g,
		Name:      name,
		KeyPair:   kp,
		Members:   members.Sorted(),
		Admins:    admins.Sorted(),
	}
}

// NameChangeMessage announces a new group name.
func NameChangeMessage(name string) ControlMessage {
	return ControlMessage{Kind: KindNameChange, Name: name}
}

// MembersAddedMessage announces the added identities.
func MembersAddedMessage(added IdentitySet) ControlMessage {
	return ControlMessage{Kind: KindMembersAdded, Members: added.Sorted()}
}

// MembersRemovedMessage announces the removed identities.
func MembersRemovedMessage(removed IdentitySet) ControlMessage {
	return ControlMessage{Kind: KindMembersRemoved, Members: removed.Sorted()}
}

// MemberLeftMessage announces that the sender left.
func MemberLeftMessage() ControlMessage {
	return ControlMessage{Kind: KindMemberLeft}
}

// EncryptionKeyPairMessage distributes a key pair; g may be empty when sent to the group channel.
func EncryptionKeyPairMessage(g GroupPublicKey, wrappers []KeyPairWrapper) ControlMessage {
	return ControlMessage{Kind: KindEncryptionKeyPair, PublicKey: g, Wrappers: wrappers}
}

// EncryptionKeyPairRequestMessage asks group members for the latest key pair.
func EncryptionKeyPairRequestMessage() ControlMessage {
	return ControlMessage{Kind: KindEncryptionKeyPairRequest}
}

// Recipients lists the identities a key pair message was wrapped for.
func (m ControlMessage) Recipients() IdentitySet {
	s := make(IdentitySet, len(m.Wrappers))
	for _, w := range m.Wrappers {
		s.Add(w.Recipient)
	}
	return s
}

// ChannelKind distinguishes direct (contact) channels from group channels.
type ChannelKind int

const (
	ChannelContact ChannelKind = 1
	ChannelGroup   ChannelKind = 2
)

// Channel is a delivery destination.
type Channel struct {
	Kind ChannelKind
	ID   string
}

// ContactChannel addresses a single peer.
func ContactChannel(id Identity) Channel { return Channel{Kind: ChannelContact, ID: string(id)} }

// GroupChannel addresses every member of a group.
func GroupChannel(g GroupPublicKey) Channel { return Channel{Kind: ChannelGroup, ID: string(g)} }

func (c Channel) String() string {
	switch c.Kind {
	case ChannelContact:
		return "contact:" + c.ID
	case ChannelGroup:
		return "group:" + c.ID
	default:
		return "unknown:" + c.ID
	}
}

// Envelope is the unit the relay stores and forwards.
type Envelope struct {
	ID      uuid.UUID
	Sender  Identity
	Channel Channel
	SentAt  time.Time
	Payload []byte // encoded ControlMessage
}

// DescribeUpdate renders the informational note for a change from prev to next
// as seen by self.
func DescribeUpdate(prev, next Group, self Identity) string {
	var parts []string
	if prev.Name != next.Name && next.Name != "" {
		parts = append(parts, fmt.Sprintf("Title is now '%s'.", next.Name))
	}
	if prev.IsMember(self) && !next.IsMember(self) {
		return strings.Join(append(parts, "You left the group."), " ")
	}
	if joined := next.Members.Subtract(prev.Members); len(joined) > 0 {
		parts = append(parts, shortList(joined)+" joined the group.")
	}
	if left := prev.Members.Subtract(next.Members); len(left) > 0 {
		parts = append(parts, shortList(left)+" left the group.")
	}
	if len(parts) == 0 {
		return "Group updated."
	}
	return strings.Join(parts, " ")
}

// CreatedNote is the note recorded when the local user creates a group.
const CreatedNote = "You created a new group."

func shortList(s IdentitySet) string {
	ids := s.Sorted()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Short()
	}
	return strings.Join(out, ", ")
}
