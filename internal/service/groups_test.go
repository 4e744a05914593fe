package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/group-keeper/internal/convert"
	"github.com/and161185/group-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/group-keeper/internal/delivery"
	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/keystore"
	"github.com/and161185/group-keeper/internal/ledger"
	"github.com/and161185/group-keeper/internal/model"
	"github.com/and161185/group-keeper/internal/repository"
	"github.com/and161185/group-keeper/internal/repository/sqlite"
)

type sent struct {
	msg     model.ControlMessage
	ch      model.Channel
	durable bool
}

// fakeSender records sends. fail decides the outcome of each send; hold, when set,
// keeps best-effort sends open until it is closed. A non-zero holdKind limits hold
// to messages of that kind.
type fakeSender struct {
	mu       sync.Mutex
	log      []sent
	fail     func(m model.ControlMessage) error
	hold     chan struct{}
	holdKind model.ControlKind
}

var _ delivery.Sender = (*fakeSender)(nil)

func (f *fakeSender) SendDurable(_ context.Context, m model.ControlMessage, ch model.Channel) *delivery.Receipt {
	return f.record(m, ch, true)
}

func (f *fakeSender) SendBestEffort(_ context.Context, m model.ControlMessage, ch model.Channel) *delivery.Receipt {
	return f.record(m, ch, false)
}

func (f *fakeSender) record(m model.ControlMessage, ch model.Channel, durable bool) *delivery.Receipt {
	f.mu.Lock()
	f.log = append(f.log, sent{msg: m, ch: ch, durable: durable})
	fail, hold := f.fail, f.hold
	if f.holdKind != 0 && m.Kind != f.holdKind {
		hold = nil
	}
	f.mu.Unlock()

	var err error
	if fail != nil {
		err = fail(m)
	}
	if hold != nil && !durable {
		return delivery.Go(func() error { <-hold; return err })
	}
	return delivery.Resolved(err)
}

func (f *fakeSender) setFail(fn func(m model.ControlMessage) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeSender) sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.log...)
}

func (f *fakeSender) ofKind(k model.ControlKind) []sent {
	var out []sent
	for _, s := range f.sends() {
		if s.msg.Kind == k {
			out = append(out, s)
		}
	}
	return out
}

type fakePush struct {
	mu    sync.Mutex
	subs  []model.GroupPublicKey
	unsub []model.GroupPublicKey
	err   error
}

func (p *fakePush) Subscribe(_ context.Context, g model.GroupPublicKey, _ model.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, g)
	return p.err
}

func (p *fakePush) Unsubscribe(_ context.Context, g model.GroupPublicKey, _ model.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsub = append(p.unsub, g)
	return p.err
}

type env struct {
	svc    *GroupServiceImpl
	db     *sqlite.Store
	keys   *keystore.Store
	ledger *ledger.Ledger
	sender *fakeSender
	push   *fakePush
	u      *clientcrypto.Keyring
	a      *clientcrypto.Keyring
	b      *clientcrypto.Keyring
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "gk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		db:     db,
		ledger: ledger.New(),
		sender: &fakeSender{},
		push:   &fakePush{},
	}
	for _, k := range []**clientcrypto.Keyring{&e.u, &e.a, &e.b} {
		*k, err = clientcrypto.GenerateKeyring()
		require.NoError(t, err)
	}
	e.keys = keystore.New(db, zaptest.NewLogger(t))
	e.svc = e.service(t, db)
	return e
}

// service builds another engine for U over the same stores, sender and ledger.
func (e *env) service(t *testing.T, groups repository.GroupRepository) *GroupServiceImpl {
	t.Helper()
	return NewGroupService(Deps{
		Keys:    e.keys,
		Ledger:  e.ledger,
		Groups:  groups,
		Journal: e.db,
		Sender:  e.sender,
		Keyring: e.u,
		Push:    e.push,
		Log:     zaptest.NewLogger(t),
	})
}

// brokenSaves fails every SaveGroup.
type brokenSaves struct {
	*sqlite.Store
	err error
}

func (b brokenSaves) SaveGroup(context.Context, model.Group) error { return b.err }

func (e *env) notes(t *testing.T, g model.GroupPublicKey) int {
	t.Helper()
	notes, err := e.db.Notes(context.Background(), model.ThreadID(g))
	require.NoError(t, err)
	return len(notes)
}

func (e *env) record(t *testing.T, g model.GroupPublicKey) model.Group {
	t.Helper()
	group, err := e.db.GetGroup(context.Background(), model.ThreadID(g))
	require.NoError(t, err)
	return group
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// create makes a group of U, A and B with U as admin.
func (e *env) create(t *testing.T) model.GroupPublicKey {
	t.Helper()
	ctx := waitCtx(t)
	g, r, err := e.svc.Create(ctx, "Book Club", []model.Identity{e.a.Identity(), e.b.Identity()})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	return g
}

// seedMember stores a group in which U is a plain member and A is the admin.
func (e *env) seedMember(t *testing.T, withKey bool) model.GroupPublicKey {
	t.Helper()
	ctx := context.Background()
	g := newGroupKey(t)
	require.NoError(t, e.db.SaveGroup(ctx, model.Group{
		ThreadID:  model.ThreadID(g),
		PublicKey: g,
		Name:      "Theirs",
		Members:   model.NewIdentitySet(e.u.Identity(), e.a.Identity(), e.b.Identity()),
		Admins:    model.NewIdentitySet(e.a.Identity()),
		UpdatedAt: time.Now(),
	}))
	require.NoError(t, e.keys.RegisterGroup(ctx, g))
	if withKey {
		kp, err := e.u.GenerateKeyPair()
		require.NoError(t, err)
		_, err = e.keys.Put(ctx, g, kp)
		require.NoError(t, err)
	}
	return g
}

func newGroupKey(t *testing.T) model.GroupPublicKey {
	t.Helper()
	pub, _, err := clientcrypto.GenerateX25519()
	require.NoError(t, err)
	return model.GroupPublicKeyFromKey(pub)
}

func (e *env) latest(t *testing.T, g model.GroupPublicKey) model.EncryptionKeyPair {
	t.Helper()
	rec, err := e.keys.Latest(context.Background(), g)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec.KeyPair
}

func unwrap(t *testing.T, kr *clientcrypto.Keyring, w model.KeyPairWrapper) model.EncryptionKeyPair {
	t.Helper()
	plain, err := kr.Decrypt(w.EncryptedKeyPair)
	require.NoError(t, err)
	kp, err := convert.UnmarshalKeyPair(plain)
	require.NoError(t, err)
	return kp
}

func TestCreate_SendsNewToEveryMember(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.create(t)

	news := e.sender.ofKind(model.KindNew)
	require.Len(t, news, 3)
	kp := e.latest(t, g)
	for _, s := range news {
		require.False(t, s.durable)
		require.Equal(t, model.ChannelContact, s.ch.Kind)
		require.Equal(t, g, s.msg.PublicKey)
		require.Equal(t, "Book Club", s.msg.Name)
		require.Equal(t, []model.Identity{e.u.Identity()}, s.msg.Admins)
		require.Len(t, s.msg.Members, 3)
		require.True(t, kp.Equal(s.msg.KeyPair))
	}

	group, err := e.svc.Group(ctx, g)
	require.NoError(t, err)
	require.True(t, group.IsAdmin(e.u.Identity()))
	require.Len(t, group.Members, 3)

	known, err := e.keys.IsKnownGroup(ctx, g)
	require.NoError(t, err)
	require.True(t, known)
	ts, err := e.keys.FormationTimestamp(ctx, g)
	require.NoError(t, err)
	require.NotZero(t, ts)

	notes, err := e.svc.Notes(ctx, g)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, model.CreatedNote, notes[0].Body)
	require.Equal(t, []model.GroupPublicKey{g}, e.push.subs)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, _, err := e.svc.Create(ctx, "", nil)
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)

	_, _, err = e.svc.Create(ctx, "x", []model.Identity{"nope"})
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)
	require.Empty(t, e.sender.sends())
}

func TestCreate_PushFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.push.err = errors.New("push down")
	e.create(t)
}

func TestRename(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)

	r, err := e.svc.Rename(ctx, g, "Chess Club")
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	changes := e.sender.ofKind(model.KindNameChange)
	require.Len(t, changes, 1)
	require.True(t, changes[0].durable)
	require.Equal(t, model.GroupChannel(g), changes[0].ch)

	group, err := e.svc.Group(ctx, g)
	require.NoError(t, err)
	require.Equal(t, "Chess Club", group.Name)

	notes, err := e.svc.Notes(ctx, g)
	require.NoError(t, err)
	require.Equal(t, "Title is now 'Chess Club'.", notes[len(notes)-1].Body)

	_, err = e.svc.Rename(ctx, g, "")
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)
}

func TestAdminOnlyOperationsRefuseMembers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.seedMember(t, true)
	before := e.record(t, g)
	keys, err := e.keys.All(ctx, g)
	require.NoError(t, err)

	_, err = e.svc.Rename(ctx, g, "Mine now")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = e.svc.AddMembers(ctx, g, []model.Identity{e.b.Identity()})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = e.svc.RotateAndDistribute(ctx, g, nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Empty(t, e.sender.sends())

	after := e.record(t, g)
	require.Equal(t, "Theirs", after.Name)
	require.Equal(t, before.Members, after.Members)
	require.Equal(t, 0, e.notes(t, g))
	keysAfter, err := e.keys.All(ctx, g)
	require.NoError(t, err)
	require.Equal(t, keys, keysAfter)
	require.Empty(t, e.ledger.Pending(g))
}

func TestUnknownGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := newGroupKey(t)

	_, err := e.svc.Rename(ctx, g, "x")
	require.ErrorIs(t, err, errs.ErrNoSuchGroup)
	_, err = e.svc.Leave(ctx, g)
	require.ErrorIs(t, err, errs.ErrNoSuchGroup)
	_, err = e.svc.RemoveMembers(ctx, g, []model.Identity{e.a.Identity()})
	require.ErrorIs(t, err, errs.ErrNoSuchGroup)
}

func TestAddMembers_BootstrapsWithCurrentKey(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)
	c, err := clientcrypto.GenerateKeyring()
	require.NoError(t, err)

	r, err := e.svc.AddMembers(ctx, g, []model.Identity{c.Identity(), e.a.Identity()})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	added := e.sender.ofKind(model.KindMembersAdded)
	require.Len(t, added, 1)
	require.True(t, added[0].durable)
	require.Equal(t, []model.Identity{c.Identity()}, added[0].msg.Members)

	news := e.sender.ofKind(model.KindNew)
	boot := news[len(news)-1]
	require.True(t, boot.durable)
	require.Equal(t, model.ContactChannel(c.Identity()), boot.ch)
	require.Len(t, boot.msg.Members, 4)
	require.True(t, e.latest(t, g).Equal(boot.msg.KeyPair))

	_, err = e.svc.AddMembers(ctx, g, []model.Identity{c.Identity()})
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)
}

func TestAddMembers_NoKeyMaterial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.create(t)
	require.NoError(t, e.keys.Clear(ctx, g))
	c, err := clientcrypto.GenerateKeyring()
	require.NoError(t, err)

	sentBefore := len(e.sender.sends())
	notesBefore := e.notes(t, g)

	_, err = e.svc.AddMembers(ctx, g, []model.Identity{c.Identity()})
	require.ErrorIs(t, err, errs.ErrNoKeyMaterial)
	require.Len(t, e.sender.sends(), sentBefore)
	require.False(t, e.record(t, g).IsMember(c.Identity()))
	require.Equal(t, notesBefore, e.notes(t, g))
}

func TestRemoveMembers_AdminRotatesToRemaining(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)
	before := e.latest(t, g)

	r, err := e.svc.RemoveMembers(ctx, g, []model.Identity{e.b.Identity()})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	removed := e.sender.ofKind(model.KindMembersRemoved)
	require.Len(t, removed, 1)
	require.False(t, removed[0].durable)

	rot := e.sender.ofKind(model.KindEncryptionKeyPair)
	require.Len(t, rot, 1)
	require.Equal(t, model.GroupChannel(g), rot[0].ch)
	recipients := rot[0].msg.Recipients()
	require.True(t, recipients.Contains(e.u.Identity()))
	require.True(t, recipients.Contains(e.a.Identity()))
	require.False(t, recipients.Contains(e.b.Identity()))

	after := e.latest(t, g)
	require.False(t, before.Equal(after))
	for _, w := range rot[0].msg.Wrappers {
		if w.Recipient == e.a.Identity() {
			require.True(t, after.Equal(unwrap(t, e.a, w)))
		}
	}

	all, err := e.svc.KeyPairs(ctx, g)
	require.NoError(t, err)
	require.Len(t, all, 2)
	pending, err := e.db.PendingRotations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Empty(t, e.ledger.Pending(g))

	group, err := e.svc.Group(ctx, g)
	require.NoError(t, err)
	require.False(t, group.IsMember(e.b.Identity()))
}

func TestRemoveMembers_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g := e.create(t)
	before := e.record(t, g)
	sentBefore := len(e.sender.sends())
	notesBefore := e.notes(t, g)

	_, err := e.svc.RemoveMembers(ctx, g, nil)
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)
	_, err = e.svc.RemoveMembers(ctx, g, []model.Identity{e.u.Identity()})
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)
	_, err = e.svc.RemoveMembers(ctx, g, []model.Identity{e.u.Identity(), e.a.Identity()})
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)

	c, err := clientcrypto.GenerateKeyring()
	require.NoError(t, err)
	_, err = e.svc.RemoveMembers(ctx, g, []model.Identity{c.Identity()})
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)

	require.Len(t, e.sender.sends(), sentBefore)
	after := e.record(t, g)
	require.Equal(t, before.Members, after.Members)
	require.Equal(t, before.Admins, after.Admins)
	require.Equal(t, notesBefore, e.notes(t, g))
}

func TestRemoveMembers_SaveFailureSendsNothing(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)
	before := e.latest(t, g)
	sentBefore := len(e.sender.sends())

	down := errors.New("disk full")
	svc := e.service(t, brokenSaves{Store: e.db, err: down})
	_, err := svc.RemoveMembers(ctx, g, []model.Identity{e.b.Identity()})
	require.ErrorIs(t, err, down)

	require.Len(t, e.sender.sends(), sentBefore)
	require.True(t, e.record(t, g).IsMember(e.b.Identity()))
	require.True(t, before.Equal(e.latest(t, g)))
	require.Empty(t, e.ledger.Pending(g))
	journal, err := e.db.PendingRotations(ctx)
	require.NoError(t, err)
	require.Empty(t, journal)
}

func TestRemoveMembers_MemberSendsDurablyWithoutRotation(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.seedMember(t, true)
	keys, err := e.keys.All(ctx, g)
	require.NoError(t, err)

	r, err := e.svc.RemoveMembers(ctx, g, []model.Identity{e.b.Identity()})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	removed := e.sender.ofKind(model.KindMembersRemoved)
	require.Len(t, removed, 1)
	require.True(t, removed[0].durable)
	require.Empty(t, e.sender.ofKind(model.KindEncryptionKeyPair))

	keysAfter, err := e.keys.All(ctx, g)
	require.NoError(t, err)
	require.Equal(t, keys, keysAfter)
	require.Empty(t, e.ledger.Pending(g))
	require.False(t, e.record(t, g).IsMember(e.b.Identity()))
}

func TestRotation_FailureKeepsPendingThenResumes(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)
	before := e.latest(t, g)

	down := errors.New("relay down")
	e.sender.setFail(func(m model.ControlMessage) error {
		if m.Kind == model.KindEncryptionKeyPair {
			return down
		}
		return nil
	})
	r, err := e.svc.RotateAndDistribute(ctx, g, nil)
	require.NoError(t, err)
	require.ErrorIs(t, r.Wait(ctx), down)

	require.True(t, before.Equal(e.latest(t, g)), "failed rotation must not be persisted")
	pending := e.ledger.Pending(g)
	require.Len(t, pending, 1)
	journal, err := e.db.PendingRotations(ctx)
	require.NoError(t, err)
	require.Len(t, journal, 1)

	// peers asking in the meantime get the in-flight pair
	_, err = e.svc.ServeKeyRequest(ctx, g, e.a.Identity())
	require.NoError(t, err)
	served := e.sender.ofKind(model.KindEncryptionKeyPair)
	reply := served[len(served)-1]
	require.Equal(t, model.ContactChannel(e.a.Identity()), reply.ch)
	require.Equal(t, g, reply.msg.PublicKey)
	require.True(t, pending[0].Equal(unwrap(t, e.a, reply.msg.Wrappers[0])))

	e.sender.setFail(nil)
	r, err = e.svc.ResumePendingRotations(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	require.True(t, pending[0].Equal(e.latest(t, g)))
	require.Empty(t, e.ledger.Pending(g))
	journal, err = e.db.PendingRotations(ctx)
	require.NoError(t, err)
	require.Empty(t, journal)
}

func TestRotation_InFlightPairServedBeforePersisting(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)

	hold := make(chan struct{})
	e.sender.mu.Lock()
	e.sender.hold = hold
	e.sender.mu.Unlock()

	r, err := e.svc.RotateAndDistribute(ctx, g, []model.Identity{e.a.Identity()})
	require.NoError(t, err)
	inflight, ok := e.ledger.LatestPending(g)
	require.True(t, ok)

	_, err = e.svc.ServeKeyRequest(ctx, g, e.b.Identity())
	require.NoError(t, err)
	served := e.sender.ofKind(model.KindEncryptionKeyPair)
	require.True(t, inflight.Equal(unwrap(t, e.b, served[len(served)-1].msg.Wrappers[0])))

	close(hold)
	require.NoError(t, r.Wait(ctx))
	require.True(t, inflight.Equal(e.latest(t, g)))
}

func TestRotation_LeaveWhileInFlightLeavesNoKeys(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)

	hold := make(chan struct{})
	e.sender.mu.Lock()
	e.sender.hold = hold
	e.sender.holdKind = model.KindEncryptionKeyPair
	e.sender.mu.Unlock()

	rotation, err := e.svc.RotateAndDistribute(ctx, g, nil)
	require.NoError(t, err)

	left, err := e.svc.Leave(ctx, g)
	require.NoError(t, err)
	require.NoError(t, left.Wait(ctx))
	known, err := e.keys.IsKnownGroup(ctx, g)
	require.NoError(t, err)
	require.False(t, known)

	close(hold)
	require.NoError(t, rotation.Wait(ctx))

	known, err = e.keys.IsKnownGroup(ctx, g)
	require.NoError(t, err)
	require.False(t, known)
	recs, err := e.keys.All(ctx, g)
	require.NoError(t, err)
	require.Empty(t, recs)
	journal, err := e.db.PendingRotations(ctx)
	require.NoError(t, err)
	require.Empty(t, journal)
	require.Empty(t, e.ledger.Pending(g))
}

func TestResume_DropsEntriesOfForgottenGroups(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)

	e.sender.setFail(func(m model.ControlMessage) error {
		if m.Kind == model.KindEncryptionKeyPair {
			return errors.New("down")
		}
		return nil
	})
	r, err := e.svc.RotateAndDistribute(ctx, g, nil)
	require.NoError(t, err)
	require.Error(t, r.Wait(ctx))

	require.NoError(t, e.keys.Forget(ctx, g))
	e.sender.setFail(nil)
	sentBefore := len(e.sender.sends())

	r, err = e.svc.ResumePendingRotations(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	require.Len(t, e.sender.sends(), sentBefore)

	journal, err := e.db.PendingRotations(ctx)
	require.NoError(t, err)
	require.Empty(t, journal)
}

func TestServeKeyRequest_RefusesNonMembers(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)
	stranger, err := clientcrypto.GenerateKeyring()
	require.NoError(t, err)
	sentBefore := len(e.sender.sends())

	r, err := e.svc.ServeKeyRequest(ctx, g, stranger.Identity())
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	unknown := newGroupKey(t)
	r, err = e.svc.ServeKeyRequest(ctx, unknown, e.a.Identity())
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	require.Len(t, e.sender.sends(), sentBefore)
}

func TestLeave_MemberForgetsKeysAfterDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.seedMember(t, true)

	r, err := e.svc.Leave(ctx, g)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	left := e.sender.ofKind(model.KindMemberLeft)
	require.Len(t, left, 1)
	require.False(t, left[0].durable)

	_, err = e.svc.Group(ctx, g)
	require.ErrorIs(t, err, errs.ErrNoSuchGroup)

	all, err := e.db.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].IsMember(e.a.Identity()), "other members stay in the local record")

	known, err := e.keys.IsKnownGroup(ctx, g)
	require.NoError(t, err)
	require.False(t, known)
	rec, err := e.keys.Latest(ctx, g)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Equal(t, []model.GroupPublicKey{g}, e.push.unsub)

	notes, err := e.svc.Notes(ctx, g)
	require.NoError(t, err)
	require.Equal(t, "You left the group.", notes[len(notes)-1].Body)
}

func TestLeave_AdminDissolves(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)

	r, err := e.svc.Leave(ctx, g)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	all, err := e.db.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Empty(t, all[0].Members)
	require.Empty(t, all[0].Admins)
}

func TestLeave_FailedSendKeepsKeys(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.seedMember(t, true)
	e.sender.setFail(func(model.ControlMessage) error { return errors.New("down") })

	r, err := e.svc.Leave(ctx, g)
	require.NoError(t, err)
	require.Error(t, r.Wait(ctx))

	known, err := e.keys.IsKnownGroup(ctx, g)
	require.NoError(t, err)
	require.True(t, known)
}

func TestUpdate_AppliesDiff(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.create(t)
	c, err := clientcrypto.GenerateKeyring()
	require.NoError(t, err)

	r, err := e.svc.Update(ctx, g, "Renamed", []model.Identity{e.u.Identity(), e.a.Identity(), c.Identity()})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	require.Len(t, e.sender.ofKind(model.KindNameChange), 1)
	require.Len(t, e.sender.ofKind(model.KindMembersAdded), 1)
	require.Len(t, e.sender.ofKind(model.KindMembersRemoved), 1)

	group, err := e.svc.Group(ctx, g)
	require.NoError(t, err)
	require.Equal(t, "Renamed", group.Name)
	require.Equal(t, model.NewIdentitySet(e.u.Identity(), e.a.Identity(), c.Identity()), group.Members)

	sentBefore := len(e.sender.sends())
	r, err = e.svc.Update(ctx, g, "Renamed", group.Members.Sorted())
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	require.Len(t, e.sender.sends(), sentBefore)

	_, err = e.svc.Update(ctx, g, "Renamed", []model.Identity{e.a.Identity()})
	require.ErrorIs(t, err, errs.ErrInvalidUpdate)
}

func TestRequestKeyPair(t *testing.T) {
	e := newEnv(t)
	ctx := waitCtx(t)
	g := e.seedMember(t, false)

	r, err := e.svc.RequestKeyPair(ctx, g)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	reqs := e.sender.ofKind(model.KindEncryptionKeyPairRequest)
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].durable)
	require.Equal(t, model.GroupChannel(g), reqs[0].ch)

	unknown := newGroupKey(t)
	r, err = e.svc.RequestKeyPair(ctx, unknown)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	require.Len(t, e.sender.ofKind(model.KindEncryptionKeyPairRequest), 1)
}
