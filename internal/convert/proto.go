// Package convert encodes domain values into their protobuf wire form.
//
// Messages are written field by field with protowire; the field numbers below
// are the wire contract shared by every client and the relay.
package convert

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/group-keeper/internal/model"
)

// ErrMalformed is returned for payloads that cannot be decoded.
var ErrMalformed = errors.New("malformed payload")

// KeyPair fields.
const (
	fKeyPairPublic  protowire.Number = 1
	fKeyPairPrivate protowire.Number = 2
)

// ControlMessage fields.
const (
	fCtlType     protowire.Number = 1
	fCtlPublic   protowire.Number = 2
	fCtlName     protowire.Number = 3
	fCtlKeyPair  protowire.Number = 4
	fCtlMembers  protowire.Number = 5
	fCtlAdmins   protowire.Number = 6
	fCtlWrappers protowire.Number = 7
)

// KeyPairWrapper fields.
const (
	fWrapRecipient protowire.Number = 1
	fWrapEncrypted protowire.Number = 2
)

// Envelope fields.
const (
	fEnvID          protowire.Number = 1
	fEnvSender      protowire.Number = 2
	fEnvChannelKind protowire.Number = 3
	fEnvChannelID   protowire.Number = 4
	fEnvSentAt      protowire.Number = 5
	fEnvPayload     protowire.Number = 6
)

// FetchRequest / EnvelopeBatch fields.
const (
	fFetchChannelKind protowire.Number = 1
	fFetchChannelID   protowire.Number = 2
	fFetchLimit       protowire.Number = 3

	fBatchEnvelope protowire.Number = 1
)

// --- key pair ---

// MarshalKeyPair encodes a key pair; this is the plaintext that gets wrapped per recipient.
func MarshalKeyPair(kp model.EncryptionKeyPair) []byte {
	var b []byte
	b = protowire.AppendTag(b, fKeyPairPublic, protowire.BytesType)
	b = protowire.AppendBytes(b, kp.PublicKey)
	b = protowire.AppendTag(b, fKeyPairPrivate, protowire.BytesType)
	b = protowire.AppendBytes(b, kp.PrivateKey)
	return b
}

// UnmarshalKeyPair decodes MarshalKeyPair output.
func UnmarshalKeyPair(b []byte) (model.EncryptionKeyPair, error) {
	var kp model.EncryptionKeyPair
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fKeyPairPublic && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			kp.PublicKey = clone(val)
			return n, nil
		case num == fKeyPairPrivate && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			kp.PrivateKey = clone(val)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return model.EncryptionKeyPair{}, err
	}
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return model.EncryptionKeyPair{}, fmt.Errorf("key pair: %w", ErrMalformed)
	}
	return kp, nil
}

// --- control message ---

// MarshalControlMessage encodes a control message.
func MarshalControlMessage(m model.ControlMessage) ([]byte, error) {
	if m.Kind == 0 {
		return nil, fmt.Errorf("control message: missing kind: %w", ErrMalformed)
	}
	var b []byte
	b = protowire.AppendTag(b, fCtlType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if m.PublicKey != "" {
		raw, err := hex.DecodeString(string(m.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("control message public key: %w", err)
		}
		b = protowire.AppendTag(b, fCtlPublic, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	if m.Name != "" {
		b = protowire.AppendTag(b, fCtlName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if !m.KeyPair.IsZero() {
		b = protowire.AppendTag(b, fCtlKeyPair, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalKeyPair(m.KeyPair))
	}
	var err error
	if b, err = appendIdentities(b, fCtlMembers, m.Members); err != nil {
		return nil, err
	}
	if b, err = appendIdentities(b, fCtlAdmins, m.Admins); err != nil {
		return nil, err
	}
	for _, w := range m.Wrappers {
		raw, err := hex.DecodeString(string(w.Recipient))
		if err != nil {
			return nil, fmt.Errorf("wrapper recipient: %w", err)
		}
		var wb []byte
		wb = protowire.AppendTag(wb, fWrapRecipient, protowire.BytesType)
		wb = protowire.AppendBytes(wb, raw)
		wb = protowire.AppendTag(wb, fWrapEncrypted, protowire.BytesType)
		wb = protowire.AppendBytes(wb, w.EncryptedKeyPair)
		b = protowire.AppendTag(b, fCtlWrappers, protowire.BytesType)
		b = protowire.AppendBytes(b, wb)
	}
	return b, nil
}

// UnmarshalControlMessage decodes MarshalControlMessage output. Unknown fields are skipped.
func UnmarshalControlMessage(b []byte) (model.ControlMessage, error) {
	var m model.ControlMessage
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fCtlType && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(v)
			m.Kind = model.ControlKind(val)
			return n, nil
		case num == fCtlPublic && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			m.PublicKey = model.GroupPublicKey(hex.EncodeToString(val))
			return n, nil
		case num == fCtlName && typ == protowire.BytesType:
			val, n := protowire.ConsumeString(v)
			m.Name = val
			return n, nil
		case num == fCtlKeyPair && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			kp, err := UnmarshalKeyPair(val)
			if err != nil {
				return 0, err
			}
			m.KeyPair = kp
			return n, nil
		case (num == fCtlMembers || num == fCtlAdmins) && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			id := model.Identity(hex.EncodeToString(val))
			if num == fCtlMembers {
				m.Members = append(m.Members, id)
			} else {
				m.Admins = append(m.Admins, id)
			}
			return n, nil
		case num == fCtlWrappers && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			w, err := unmarshalWrapper(val)
			if err != nil {
				return 0, err
			}
			m.Wrappers = append(m.Wrappers, w)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return model.ControlMessage{}, err
	}
	if m.Kind == 0 {
		return model.ControlMessage{}, fmt.Errorf("control message: missing kind: %w", ErrMalformed)
	}
	return m, nil
}

func unmarshalWrapper(b []byte) (model.KeyPairWrapper, error) {
	var w model.KeyPairWrapper
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fWrapRecipient && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			w.Recipient = model.Identity(hex.EncodeToString(val))
			return n, nil
		case num == fWrapEncrypted && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			w.EncryptedKeyPair = clone(val)
			return n, nil
		}
		return skip, nil
	})
	return w, err
}

func appendIdentities(b []byte, num protowire.Number, ids []model.Identity) ([]byte, error) {
	for _, id := range ids {
		raw, err := hex.DecodeString(string(id))
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", id, err)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

// --- envelope ---

// MarshalEnvelope encodes an envelope for the relay.
func MarshalEnvelope(e model.Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fEnvID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.ID.Bytes())
	b = protowire.AppendTag(b, fEnvSender, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Sender))
	b = protowire.AppendTag(b, fEnvChannelKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Channel.Kind))
	b = protowire.AppendTag(b, fEnvChannelID, protowire.BytesType)
	b = protowire.AppendString(b, e.Channel.ID)
	if !e.SentAt.IsZero() {
		b = protowire.AppendTag(b, fEnvSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.SentAt.UnixMilli()))
	}
	b = protowire.AppendTag(b, fEnvPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// UnmarshalEnvelope decodes MarshalEnvelope output.
func UnmarshalEnvelope(b []byte) (model.Envelope, error) {
	var e model.Envelope
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fEnvID && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			id, err := uuid.FromBytes(val)
			if err != nil {
				return 0, fmt.Errorf("envelope id: %w", ErrMalformed)
			}
			e.ID = id
			return n, nil
		case num == fEnvSender && typ == protowire.BytesType:
			val, n := protowire.ConsumeString(v)
			e.Sender = model.Identity(val)
			return n, nil
		case num == fEnvChannelKind && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(v)
			e.Channel.Kind = model.ChannelKind(val)
			return n, nil
		case num == fEnvChannelID && typ == protowire.BytesType:
			val, n := protowire.ConsumeString(v)
			e.Channel.ID = val
			return n, nil
		case num == fEnvSentAt && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(v)
			e.SentAt = time.UnixMilli(int64(val)).UTC()
			return n, nil
		case num == fEnvPayload && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(v)
			e.Payload = clone(val)
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return model.Envelope{}, err
	}
	if e.ID == uuid.Nil || e.Channel.ID == "" {
		return model.Envelope{}, fmt.Errorf("envelope: missing id/channel: %w", ErrMalformed)
	}
	return e, nil
}

// --- relay fetch ---

// FetchRequest asks the relay for queued envelopes of one channel.
type FetchRequest struct {
	Channel model.Channel
	Limit   int
}

// MarshalFetchRequest encodes a FetchRequest.
func MarshalFetchRequest(r FetchRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fFetchChannelKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Channel.Kind))
	b = protowire.AppendTag(b, fFetchChannelID, protowire.BytesType)
	b = protowire.AppendString(b, r.Channel.ID)
	b = protowire.AppendTag(b, fFetchLimit, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Limit))
	return b
}

// UnmarshalFetchRequest decodes MarshalFetchRequest output.
func UnmarshalFetchRequest(b []byte) (FetchRequest, error) {
	var r FetchRequest
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fFetchChannelKind && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(v)
			r.Channel.Kind = model.ChannelKind(val)
			return n, nil
		case num == fFetchChannelID && typ == protowire.BytesType:
			val, n := protowire.ConsumeString(v)
			r.Channel.ID = val
			return n, nil
		case num == fFetchLimit && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(v)
			r.Limit = int(val)
			return n, nil
		}
		return skip, nil
	})
	return r, err
}

// MarshalEnvelopeBatch packs already-encoded envelopes into one payload.
func MarshalEnvelopeBatch(envs [][]byte) []byte {
	var b []byte
	for _, e := range envs {
		b = protowire.AppendTag(b, fBatchEnvelope, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// UnmarshalEnvelopeBatch unpacks and decodes a batch.
func UnmarshalEnvelopeBatch(b []byte) ([]model.Envelope, error) {
	var out []model.Envelope
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != fBatchEnvelope || typ != protowire.BytesType {
			return skip, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		e, err := UnmarshalEnvelope(val)
		if err != nil {
			return 0, err
		}
		out = append(out, e)
		return n, nil
	})
	return out, err
}

// --- helpers ---

// skip tells walk to discard the field value.
const skip = -1 << 30

// walk iterates over the fields of b. fn returns the number of value bytes it consumed,
// a protowire error length (< 0), or skip.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == skip {
			used = protowire.ConsumeFieldValue(num, typ, b)
		}
		if used < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(used))
		}
		b = b[used:]
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
