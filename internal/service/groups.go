// Package service contains the closed group protocol engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/group-keeper/internal/convert"
	"github.com/and161185/group-keeper/internal/delivery"
	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/ledger"
	"github.com/and161185/group-keeper/internal/model"
	"github.com/and161185/group-keeper/internal/observability/metrics"
	"github.com/and161185/group-keeper/internal/push"
	"github.com/and161185/group-keeper/internal/repository"
)

// GroupService validates and executes closed group mutations.
type GroupService interface {
	// Create makes a new group with the local user as its only admin.
	Create(ctx context.Context, name string, members []model.Identity) (model.GroupPublicKey, *delivery.Receipt, error)
	// Rename changes the group name. Admin only.
	Rename(ctx context.Context, g model.GroupPublicKey, name string) (*delivery.Receipt, error)
	// AddMembers admits new members and bootstraps them with the current key. Admin only.
	AddMembers(ctx context.Context, g model.GroupPublicKey, members []model.Identity) (*delivery.Receipt, error)
	// RemoveMembers removes members; an admin also rotates the key once the removal is delivered.
	RemoveMembers(ctx context.Context, g model.GroupPublicKey, members []model.Identity) (*delivery.Receipt, error)
	// Leave leaves the group, dissolving it if the local user is an admin.
	Leave(ctx context.Context, g model.GroupPublicKey) (*delivery.Receipt, error)
	// RotateAndDistribute generates a new key pair for targets (all members when empty). Admin only.
	RotateAndDistribute(ctx context.Context, g model.GroupPublicKey, targets []model.Identity) (*delivery.Receipt, error)
	// ServeKeyRequest sends the effective latest key pair to a requesting member.
	ServeKeyRequest(ctx context.Context, g model.GroupPublicKey, requester model.Identity) (*delivery.Receipt, error)
	// Update applies a name and roster diff through Rename, AddMembers and RemoveMembers.
	Update(ctx context.Context, g model.GroupPublicKey, name string, members []model.Identity) (*delivery.Receipt, error)
	// RequestKeyPair asks the group for its latest key pair.
	RequestKeyPair(ctx context.Context, g model.GroupPublicKey) (*delivery.Receipt, error)
	// ResumePendingRotations replays journaled rotations that were never persisted.
	ResumePendingRotations(ctx context.Context) (*delivery.Receipt, error)

	Groups(ctx context.Context) ([]model.Group, error)
	Group(ctx context.Context, g model.GroupPublicKey) (model.Group, error)
	KeyPairs(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error)
	Notes(ctx context.Context, g model.GroupPublicKey) ([]model.InfoNote, error)
}

// KeyStore is the subset of keystore.Store used by the engine.
type KeyStore interface {
	ledger.LatestReader
	Put(ctx context.Context, g model.GroupPublicKey, kp model.EncryptionKeyPair) (model.KeyPairRecord, error)
	All(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error)
	RegisterGroup(ctx context.Context, g model.GroupPublicKey) error
	IsKnownGroup(ctx context.Context, g model.GroupPublicKey) (bool, error)
	SetFormationTimestamp(ctx context.Context, g model.GroupPublicKey, ts uint64) error
	Forget(ctx context.Context, g model.GroupPublicKey) error
}

// Keyring is the local identity and crypto collaborator.
type Keyring interface {
	Identity() model.Identity
	GenerateKeyPair() (model.EncryptionKeyPair, error)
	EncryptFor(recipient model.Identity, plaintext []byte) ([]byte, error)
}

// Deps bundles the collaborators of GroupServiceImpl.
type Deps struct {
	Keys    KeyStore
	Ledger  *ledger.Ledger
	Groups  repository.GroupRepository
	Journal repository.PendingRotationRepository
	Sender  delivery.Sender
	Keyring Keyring
	Push    push.Notifier
	Log     *zap.Logger
	Now     func() time.Time
}

type GroupServiceImpl struct {
	keys    KeyStore
	ledger  *ledger.Ledger
	groups  repository.GroupRepository
	journal repository.PendingRotationRepository
	sender  delivery.Sender
	keyring Keyring
	push    push.Notifier
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[model.GroupPublicKey]*sync.Mutex
}

// NewGroupService constructs the engine. Ledger, Push, Log and Now get defaults when nil.
func NewGroupService(d Deps) *GroupServiceImpl {
	s := &GroupServiceImpl{
		keys:    d.Keys,
		ledger:  d.Ledger,
		groups:  d.Groups,
		journal: d.Journal,
		sender:  d.Sender,
		keyring: d.Keyring,
		push:    d.Push,
		log:     d.Log,
		now:     d.Now,
		locks:   make(map[model.GroupPublicKey]*sync.Mutex),
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	if s.push == nil {
		s.push = push.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Create generates the group and its first key pair, sends New to every member
// and registers the group locally. Member sends are independent; one failing does
// not undo the others.
func (s *GroupServiceImpl) Create(ctx context.Context, name string, members []model.Identity) (model.GroupPublicKey, *delivery.Receipt, error) {
	if name == "" {
		return "", nil, fmt.Errorf("create: empty name: %w", errs.ErrInvalidUpdate)
	}
	set, err := parseIdentities(members)
	if err != nil {
		return "", nil, fmt.Errorf("create: %w", err)
	}
	self := s.keyring.Identity()
	set.Add(self)

	groupKey, err := s.keyring.GenerateKeyPair()
	if err != nil {
		return "", nil, err
	}
	g := model.GroupPublicKeyFromKey(groupKey.PublicKey)
	kp, err := s.keyring.GenerateKeyPair()
	if err != nil {
		return "", nil, err
	}

	unlock := s.lock(g)
	defer unlock()

	now := s.now()
	group := model.Group{
		ThreadID:  model.ThreadID(g),
		PublicKey: g,
		Name:      name,
		Members:   set,
		Admins:    model.NewIdentitySet(self),
		UpdatedAt: now,
	}
	if err := s.groups.SaveGroup(ctx, group); err != nil {
		return "", nil, err
	}

	msg := model.NewGroupMessage(g, name, kp, group.Members, group.Admins)
	var receipts []*delivery.Receipt
	for _, m := range group.Members.Sorted() {
		receipts = append(receipts, s.sender.SendBestEffort(ctx, msg, model.ContactChannel(m)))
	}

	if err := s.keys.RegisterGroup(ctx, g); err != nil {
		return "", nil, err
	}
	if err := s.keys.SetFormationTimestamp(ctx, g, uint64(now.UnixMilli())); err != nil {
		return "", nil, err
	}
	if _, err := s.keys.Put(ctx, g, kp); err != nil {
		return "", nil, err
	}
	s.subscribe(ctx, g)
	if err := s.note(ctx, g, model.CreatedNote); err != nil {
		return "", nil, err
	}

	s.log.Info("group created", zap.String("group", string(g)), zap.Int("members", len(group.Members)))
	return g, delivery.All(receipts...), nil
}

// Rename broadcasts the new name and updates the local record.
func (s *GroupServiceImpl) Rename(ctx context.Context, g model.GroupPublicKey, name string) (*delivery.Receipt, error) {
	unlock := s.lock(g)
	defer unlock()

	group, err := s.active(ctx, g)
	if err != nil {
		return nil, err
	}
	if !group.IsAdmin(s.keyring.Identity()) {
		return nil, fmt.Errorf("rename: %w", errs.ErrUnauthorized)
	}
	if name == "" {
		return nil, fmt.Errorf("rename: empty name: %w", errs.ErrInvalidUpdate)
	}

	r := s.sender.SendDurable(ctx, model.NameChangeMessage(name), model.GroupChannel(g))

	next := group.Clone()
	next.Name = name
	if err := s.commit(ctx, group, next); err != nil {
		return nil, err
	}
	return r, nil
}

// AddMembers announces the new members to the group and sends each of them a full
// bootstrap message carrying the roster and the current key pair.
func (s *GroupServiceImpl) AddMembers(ctx context.Context, g model.GroupPublicKey, members []model.Identity) (*delivery.Receipt, error) {
	unlock := s.lock(g)
	defer unlock()

	group, err := s.active(ctx, g)
	if err != nil {
		return nil, err
	}
	if !group.IsAdmin(s.keyring.Identity()) {
		return nil, fmt.Errorf("add members: %w", errs.ErrUnauthorized)
	}
	set, err := parseIdentities(members)
	if err != nil {
		return nil, fmt.Errorf("add members: %w", err)
	}
	added := set.Subtract(group.Members)
	if len(added) == 0 {
		return nil, fmt.Errorf("add members: nothing to add: %w", errs.ErrInvalidUpdate)
	}
	stored, err := s.keys.Latest(ctx, g)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("add members: %w", errs.ErrNoKeyMaterial)
	}
	kp, _, err := s.ledger.EffectiveLatest(ctx, g, s.keys)
	if err != nil {
		return nil, err
	}

	next := group.Clone()
	next.Members = group.Members.Union(added)

	receipts := []*delivery.Receipt{
		s.sender.SendDurable(ctx, model.MembersAddedMessage(added), model.GroupChannel(g)),
	}
	bootstrap := model.NewGroupMessage(g, next.Name, kp, next.Members, next.Admins)
	for _, m := range added.Sorted() {
		receipts = append(receipts, s.sender.SendDurable(ctx, bootstrap, model.ContactChannel(m)))
	}

	if err := s.commit(ctx, group, next); err != nil {
		return nil, err
	}
	return delivery.All(receipts...), nil
}

// RemoveMembers removes members from the group. When the local user is an admin the
// key is rotated to the remaining members once the removal has been delivered.
func (s *GroupServiceImpl) RemoveMembers(ctx context.Context, g model.GroupPublicKey, members []model.Identity) (*delivery.Receipt, error) {
	unlock := s.lock(g)
	defer unlock()

	group, err := s.active(ctx, g)
	if err != nil {
		return nil, err
	}
	self := s.keyring.Identity()
	set, err := parseIdentities(members)
	if err != nil {
		return nil, fmt.Errorf("remove members: %w", err)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("remove members: empty set: %w", errs.ErrInvalidUpdate)
	}
	if set.Contains(self) {
		return nil, fmt.Errorf("remove members: use leave to remove yourself: %w", errs.ErrInvalidUpdate)
	}
	removed := set.Intersect(group.Members)
	if len(removed) == 0 {
		return nil, fmt.Errorf("remove members: none of them are members: %w", errs.ErrInvalidUpdate)
	}

	next := group.Clone()
	next.Members = group.Members.Subtract(removed)
	next.Admins = group.Admins.Intersect(next.Members)
	remaining := next.Members.Sorted()

	// Roster first: a failed save sends nothing.
	if err := s.commit(ctx, group, next); err != nil {
		return nil, err
	}

	msg := model.MembersRemovedMessage(removed)
	if !group.IsAdmin(self) {
		return s.sender.SendDurable(ctx, msg, model.GroupChannel(g)), nil
	}
	return s.sender.SendBestEffort(ctx, msg, model.GroupChannel(g)).Then(func() error {
		rotation, err := s.RotateAndDistribute(ctx, g, remaining)
		if err != nil {
			return err
		}
		return rotation.Wait(ctx)
	}), nil
}

// Leave announces departure. The local record is updated right away; key material,
// registry entry and push subscription are dropped only after the send is confirmed.
func (s *GroupServiceImpl) Leave(ctx context.Context, g model.GroupPublicKey) (*delivery.Receipt, error) {
	unlock := s.lock(g)
	defer unlock()

	group, err := s.active(ctx, g)
	if err != nil {
		return nil, err
	}
	self := s.keyring.Identity()

	next := group.Clone()
	if group.IsAdmin(self) {
		next.Members = model.NewIdentitySet()
		next.Admins = model.NewIdentitySet()
	} else {
		next.Members = group.Members.Subtract(model.NewIdentitySet(self))
	}

	r := s.sender.SendBestEffort(ctx, model.MemberLeftMessage(), model.GroupChannel(g)).Then(func() error {
		unlock := s.lock(g)
		defer unlock()
		if err := s.keys.Forget(ctx, g); err != nil {
			return err
		}
		s.ledger.Drop(g)
		if err := s.push.Unsubscribe(ctx, g, self); err != nil {
			s.log.Warn("push unsubscribe failed", zap.String("group", string(g)), zap.Error(err))
		}
		s.log.Info("left group", zap.String("group", string(g)))
		return nil
	})

	if err := s.commit(ctx, group, next); err != nil {
		return nil, err
	}
	return r, nil
}

// RotateAndDistribute sends a fresh key pair wrapped for each target. The pair is
// persisted only after the send is confirmed; until then it lives in the ledger and
// the pending rotation journal.
func (s *GroupServiceImpl) RotateAndDistribute(ctx context.Context, g model.GroupPublicKey, targets []model.Identity) (*delivery.Receipt, error) {
	unlock := s.lock(g)
	defer unlock()

	group, err := s.active(ctx, g)
	if err != nil {
		return nil, err
	}
	if !group.IsAdmin(s.keyring.Identity()) {
		return nil, fmt.Errorf("rotate: %w", errs.ErrUnauthorized)
	}
	set, err := parseIdentities(targets)
	if err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}
	if len(set) == 0 {
		set = group.Members
	}
	return s.rotate(ctx, g, set)
}

func (s *GroupServiceImpl) rotate(ctx context.Context, g model.GroupPublicKey, targets model.IdentitySet) (*delivery.Receipt, error) {
	kp, err := s.keyring.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	plaintext := convert.MarshalKeyPair(kp)

	wrappers := make([]model.KeyPairWrapper, 0, len(targets))
	for _, t := range targets.Sorted() {
		ct, err := s.keyring.EncryptFor(t, plaintext)
		if err != nil {
			return nil, fmt.Errorf("wrap key pair for %s: %w", t.Short(), err)
		}
		wrappers = append(wrappers, model.KeyPairWrapper{Recipient: t, EncryptedKeyPair: ct})
	}
	msg := model.EncryptionKeyPairMessage("", wrappers)
	encoded, err := convert.MarshalControlMessage(msg)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	s.ledger.Begin(g, kp)
	entry := model.PendingRotation{ID: id, GroupPublicKey: g, KeyPair: kp, Message: encoded, CreatedAt: s.now()}
	if err := s.journal.SavePendingRotation(ctx, entry); err != nil {
		s.ledger.End(g, kp)
		return nil, err
	}
	metrics.PendingRotations.Inc()
	s.log.Info("rotating group key", zap.String("group", string(g)), zap.Int("recipients", len(wrappers)))

	return s.distribute(ctx, entry, msg), nil
}

// distribute sends a journaled rotation and persists it once delivered. A group
// forgotten while the send was in flight gets no key material back.
func (s *GroupServiceImpl) distribute(ctx context.Context, p model.PendingRotation, msg model.ControlMessage) *delivery.Receipt {
	sent := s.sender.SendBestEffort(ctx, msg, model.GroupChannel(p.GroupPublicKey))
	return sent.Then(func() error {
		unlock := s.lock(p.GroupPublicKey)
		defer unlock()

		known, err := s.keys.IsKnownGroup(ctx, p.GroupPublicKey)
		if err != nil {
			return err
		}
		if !known {
			s.log.Info("dropping rotation of forgotten group", zap.String("group", string(p.GroupPublicKey)))
			s.dropJournal(ctx, p)
			metrics.KeyRotationsTotal.WithLabelValues("dropped").Inc()
			return nil
		}
		if _, err := s.keys.Put(ctx, p.GroupPublicKey, p.KeyPair); err != nil {
			metrics.KeyRotationsTotal.WithLabelValues("persist_failed").Inc()
			return err
		}
		s.settle(ctx, p)
		metrics.KeyRotationsTotal.WithLabelValues("persisted").Inc()
		return nil
	})
}

// settle removes a rotation from the ledger and the journal.
func (s *GroupServiceImpl) settle(ctx context.Context, p model.PendingRotation) {
	s.ledger.End(p.GroupPublicKey, p.KeyPair)
	metrics.PendingRotations.Dec()
	if err := s.journal.DeletePendingRotation(ctx, p.ID); err != nil {
		s.log.Warn("pending rotation cleanup failed", zap.String("id", p.ID.String()), zap.Error(err))
	}
}

// ServeKeyRequest answers a peer's key request. Requests for unknown groups or from
// non-members are dropped without error.
func (s *GroupServiceImpl) ServeKeyRequest(ctx context.Context, g model.GroupPublicKey, requester model.Identity) (*delivery.Receipt, error) {
	group, err := s.groups.GetGroup(ctx, model.ThreadID(g))
	if errors.Is(err, errs.ErrNotFound) {
		s.log.Warn("key request for unknown group", zap.String("group", string(g)))
		return delivery.Resolved(nil), nil
	}
	if err != nil {
		return nil, err
	}
	if !group.IsMember(s.keyring.Identity()) {
		s.log.Warn("key request for a group we left", zap.String("group", string(g)))
		return delivery.Resolved(nil), nil
	}
	if !group.IsMember(requester) {
		s.log.Warn("refusing key request from non-member",
			zap.String("group", string(g)), zap.String("requester", string(requester)))
		return delivery.Resolved(nil), nil
	}

	kp, ok, err := s.ledger.EffectiveLatest(ctx, g, s.keys)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Warn("key request but no key pair", zap.String("group", string(g)))
		return delivery.Resolved(nil), nil
	}

	ct, err := s.keyring.EncryptFor(requester, convert.MarshalKeyPair(kp))
	if err != nil {
		return nil, err
	}
	msg := model.EncryptionKeyPairMessage(g, []model.KeyPairWrapper{{Recipient: requester, EncryptedKeyPair: ct}})
	s.log.Info("serving key pair", zap.String("group", string(g)), zap.String("requester", string(requester)))
	return s.sender.SendDurable(ctx, msg, model.ContactChannel(requester)), nil
}

// Update renames, adds and removes as needed to reach the given name and roster.
func (s *GroupServiceImpl) Update(ctx context.Context, g model.GroupPublicKey, name string, members []model.Identity) (*delivery.Receipt, error) {
	group, err := s.Group(ctx, g)
	if err != nil {
		return nil, err
	}
	desired, err := parseIdentities(members)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	if !desired.Contains(s.keyring.Identity()) {
		return nil, fmt.Errorf("update: use leave to remove yourself: %w", errs.ErrInvalidUpdate)
	}

	var receipts []*delivery.Receipt
	if name != "" && name != group.Name {
		r, err := s.Rename(ctx, g, name)
		if err != nil {
			return delivery.All(receipts...), err
		}
		receipts = append(receipts, r)
	}
	if added := desired.Subtract(group.Members); len(added) > 0 {
		r, err := s.AddMembers(ctx, g, added.Sorted())
		if err != nil {
			return delivery.All(receipts...), err
		}
		receipts = append(receipts, r)
	}
	if removed := group.Members.Subtract(desired); len(removed) > 0 {
		r, err := s.RemoveMembers(ctx, g, removed.Sorted())
		if err != nil {
			return delivery.All(receipts...), err
		}
		receipts = append(receipts, r)
	}
	return delivery.All(receipts...), nil
}

// RequestKeyPair broadcasts a key request if the local user is a member.
func (s *GroupServiceImpl) RequestKeyPair(ctx context.Context, g model.GroupPublicKey) (*delivery.Receipt, error) {
	group, err := s.groups.GetGroup(ctx, model.ThreadID(g))
	if errors.Is(err, errs.ErrNotFound) {
		return delivery.Resolved(nil), nil
	}
	if err != nil {
		return nil, err
	}
	if !group.IsMember(s.keyring.Identity()) {
		return delivery.Resolved(nil), nil
	}
	return s.sender.SendDurable(ctx, model.EncryptionKeyPairRequestMessage(), model.GroupChannel(g)), nil
}

// ResumePendingRotations re-sends journaled rotations and persists them on delivery.
func (s *GroupServiceImpl) ResumePendingRotations(ctx context.Context) (*delivery.Receipt, error) {
	entries, err := s.journal.PendingRotations(ctx)
	if err != nil {
		return nil, err
	}

	var receipts []*delivery.Receipt
	for _, p := range entries {
		log := s.log.With(zap.String("group", string(p.GroupPublicKey)), zap.String("id", p.ID.String()))

		known, err := s.keys.IsKnownGroup(ctx, p.GroupPublicKey)
		if err != nil {
			return nil, err
		}
		if !known {
			log.Info("dropping rotation for unknown group")
			s.dropJournal(ctx, p)
			continue
		}
		persisted, err := s.hasKeyPair(ctx, p.GroupPublicKey, p.KeyPair)
		if err != nil {
			return nil, err
		}
		if persisted {
			log.Info("rotation already persisted")
			s.dropJournal(ctx, p)
			continue
		}
		msg, err := convert.UnmarshalControlMessage(p.Message)
		if err != nil {
			log.Warn("dropping undecodable rotation", zap.Error(err))
			s.dropJournal(ctx, p)
			continue
		}

		if !s.inLedger(p) {
			s.ledger.Begin(p.GroupPublicKey, p.KeyPair)
			metrics.PendingRotations.Inc()
		}
		log.Info("resuming rotation")
		receipts = append(receipts, s.distribute(ctx, p, msg))
	}
	return delivery.All(receipts...), nil
}

func (s *GroupServiceImpl) dropJournal(ctx context.Context, p model.PendingRotation) {
	if s.inLedger(p) {
		s.ledger.End(p.GroupPublicKey, p.KeyPair)
		metrics.PendingRotations.Dec()
	}
	if err := s.journal.DeletePendingRotation(ctx, p.ID); err != nil {
		s.log.Warn("pending rotation cleanup failed", zap.String("id", p.ID.String()), zap.Error(err))
	}
}

func (s *GroupServiceImpl) inLedger(p model.PendingRotation) bool {
	for _, kp := range s.ledger.Pending(p.GroupPublicKey) {
		if kp.Equal(p.KeyPair) {
			return true
		}
	}
	return false
}

func (s *GroupServiceImpl) hasKeyPair(ctx context.Context, g model.GroupPublicKey, kp model.EncryptionKeyPair) (bool, error) {
	all, err := s.keys.All(ctx, g)
	if err != nil {
		return false, err
	}
	for _, rec := range all {
		if rec.KeyPair.Equal(kp) {
			return true, nil
		}
	}
	return false, nil
}

// Groups lists every stored group record, including ones the local user left.
func (s *GroupServiceImpl) Groups(ctx context.Context) ([]model.Group, error) {
	return s.groups.ListGroups(ctx)
}

// Group returns the record of a group the local user belongs to.
func (s *GroupServiceImpl) Group(ctx context.Context, g model.GroupPublicKey) (model.Group, error) {
	return s.active(ctx, g)
}

func (s *GroupServiceImpl) KeyPairs(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error) {
	return s.keys.All(ctx, g)
}

func (s *GroupServiceImpl) Notes(ctx context.Context, g model.GroupPublicKey) ([]model.InfoNote, error) {
	return s.groups.Notes(ctx, model.ThreadID(g))
}

// active loads a group the local user is still a member of.
func (s *GroupServiceImpl) active(ctx context.Context, g model.GroupPublicKey) (model.Group, error) {
	group, err := s.groups.GetGroup(ctx, model.ThreadID(g))
	if errors.Is(err, errs.ErrNotFound) {
		return model.Group{}, fmt.Errorf("group %s: %w", g, errs.ErrNoSuchGroup)
	}
	if err != nil {
		return model.Group{}, err
	}
	if !group.IsMember(s.keyring.Identity()) {
		return model.Group{}, fmt.Errorf("group %s: %w", g, errs.ErrNoSuchGroup)
	}
	return group, nil
}

// commit saves next and records a note describing the change from prev.
func (s *GroupServiceImpl) commit(ctx context.Context, prev, next model.Group) error {
	next.UpdatedAt = s.now()
	if err := s.groups.SaveGroup(ctx, next); err != nil {
		return err
	}
	return s.note(ctx, next.PublicKey, model.DescribeUpdate(prev, next, s.keyring.Identity()))
}

func (s *GroupServiceImpl) note(ctx context.Context, g model.GroupPublicKey, body string) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	return s.groups.AddNote(ctx, model.InfoNote{ID: id, ThreadID: model.ThreadID(g), Body: body, CreatedAt: s.now()})
}

func (s *GroupServiceImpl) subscribe(ctx context.Context, g model.GroupPublicKey) {
	if err := s.push.Subscribe(ctx, g, s.keyring.Identity()); err != nil {
		s.log.Warn("push subscribe failed", zap.String("group", string(g)), zap.Error(err))
	}
}

func (s *GroupServiceImpl) lock(g model.GroupPublicKey) func() {
	s.mu.Lock()
	m, ok := s.locks[g]
	if !ok {
		m = &sync.Mutex{}
		s.locks[g] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func parseIdentities(in []model.Identity) (model.IdentitySet, error) {
	out := make(model.IdentitySet, len(in))
	for _, id := range in {
		if _, err := model.ParseIdentity(string(id)); err != nil {
			return nil, fmt.Errorf("%v: %w", err, errs.ErrInvalidUpdate)
		}
		out.Add(id)
	}
	return out, nil
}
