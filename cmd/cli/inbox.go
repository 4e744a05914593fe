package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/group-keeper/internal/convert"
	"github.com/and161185/group-keeper/internal/delivery"
	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/model"
)

const pollBatch = 100

// inboxRow is what poll prints for every envelope it does not consume itself.
type inboxRow struct {
	Channel string    `json:"channel"`
	Sender  string    `json:"sender"`
	SentAt  time.Time `json:"sent_at"`
	Kind    string    `json:"kind"`
	Group   string    `json:"group,omitempty"`
	Name    string    `json:"name,omitempty"`
	Members []string  `json:"members,omitempty"`
	Handled string    `json:"handled,omitempty"`
}

// poll drains the own contact channel and every known group channel.
// Key requests are answered, key pairs addressed to us are stored, and
// everything is reported.
func (a *app) poll(ctx context.Context) ([]inboxRow, error) {
	self := a.keyring.Identity()
	channels := []model.Channel{model.ContactChannel(self)}
	groups, err := a.keys.GroupPublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		channels = append(channels, model.GroupChannel(g))
	}

	var (
		rows     []inboxRow
		receipts []*delivery.Receipt
	)
	for _, ch := range channels {
		for {
			envs, err := a.relay.Fetch(ctx, ch, pollBatch)
			if err != nil {
				return rows, err
			}
			for _, env := range envs {
				row, r := a.handle(ctx, env)
				rows = append(rows, row)
				if r != nil {
					receipts = append(receipts, r)
				}
			}
			if len(envs) < pollBatch {
				break
			}
		}
	}
	return rows, a.wait(ctx, delivery.All(receipts...))
}

func (a *app) handle(ctx context.Context, env model.Envelope) (inboxRow, *delivery.Receipt) {
	row := inboxRow{
		Channel: env.Channel.String(),
		Sender:  string(env.Sender),
		SentAt:  env.SentAt,
	}
	msg, err := convert.UnmarshalControlMessage(env.Payload)
	if err != nil {
		row.Kind = "malformed"
		a.log.Warn("dropping malformed envelope", zap.String("id", env.ID.String()), zap.Error(err))
		return row, nil
	}
	row.Kind = msg.Kind.String()
	row.Name = msg.Name
	for _, m := range msg.Members {
		row.Members = append(row.Members, string(m))
	}

	var g model.GroupPublicKey
	switch {
	case msg.PublicKey != "":
		g = msg.PublicKey
	case env.Channel.Kind == model.ChannelGroup:
		g = model.GroupPublicKey(env.Channel.ID)
	}
	row.Group = string(g)

	switch msg.Kind {
	case model.KindEncryptionKeyPairRequest:
		if g == "" || env.Sender == a.keyring.Identity() {
			return row, nil
		}
		r, err := a.svc.ServeKeyRequest(ctx, g, env.Sender)
		if err != nil {
			a.log.Warn("serve key request", zap.String("group", string(g)), zap.Error(err))
			return row, nil
		}
		row.Handled = "served"
		return row, r
	case model.KindEncryptionKeyPair:
		stored, err := a.storeWrapped(ctx, g, env.Sender, msg)
		if err != nil {
			a.log.Warn("store received key pair", zap.String("group", string(g)), zap.Error(err))
			return row, nil
		}
		if stored {
			row.Handled = "stored"
		}
	}
	return row, nil
}

// storeWrapped decrypts the wrapper addressed to us and stores the key pair
// unless it is already the group's latest. Unknown groups are ignored.
//
// A rotation (no group key in the message) is taken only from an admin of the
// stored group record, a reply to a key request only from a current member.
func (a *app) storeWrapped(ctx context.Context, g model.GroupPublicKey, sender model.Identity, msg model.ControlMessage) (bool, error) {
	if g == "" {
		return false, nil
	}
	known, err := a.keys.IsKnownGroup(ctx, g)
	if err != nil || !known {
		return false, err
	}
	group, err := a.groups.GetGroup(ctx, model.ThreadID(g))
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	trusted := group.IsMember(sender)
	if msg.PublicKey == "" {
		trusted = group.IsAdmin(sender)
	}
	if !trusted {
		return false, fmt.Errorf("key pair from %s: %w", sender, errs.ErrUnauthorized)
	}

	self := a.keyring.Identity()
	for _, w := range msg.Wrappers {
		if w.Recipient != self {
			continue
		}
		plain, err := a.keyring.Decrypt(w.EncryptedKeyPair)
		if err != nil {
			return false, err
		}
		kp, err := convert.UnmarshalKeyPair(plain)
		if err != nil {
			return false, err
		}
		latest, err := a.keys.Latest(ctx, g)
		if err != nil {
			return false, err
		}
		if latest != nil && latest.KeyPair.Equal(kp) {
			return false, nil
		}
		if _, err := a.keys.Put(ctx, g, kp); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, errors.New("no wrapper for this identity")
}
