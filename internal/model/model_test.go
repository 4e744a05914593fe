package model

import (
	"strings"
	"testing"
)

func testIdentity(b byte) Identity {
	return Identity(KeyPrefix + strings.Repeat(string("0123456789abcdef"[b%16]), 64))
}

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	good := string(testIdentity(1))
	if _, err := ParseIdentity(good); err != nil {
		t.Fatalf("ParseIdentity(good): %v", err)
	}
	if _, err := ParseIdentity("05abc"); err == nil {
		t.Fatalf("want error on short identity")
	}
	if _, err := ParseIdentity("04" + good[2:]); err == nil {
		t.Fatalf("want error on wrong prefix")
	}
	if _, err := ParseIdentity("05" + strings.Repeat("z", 64)); err == nil {
		t.Fatalf("want error on non-hex")
	}
}

func TestIdentity_KeyRoundTrip(t *testing.T) {
	t.Parallel()

	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	id := IdentityFromKey(raw)
	got, err := id.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("key mismatch")
	}
	if id.Short() != "00010203…" {
		t.Fatalf("Short=%q", id.Short())
	}
}

func TestIdentitySet_Ops(t *testing.T) {
	t.Parallel()

	a, b, c := testIdentity(1), testIdentity(2), testIdentity(3)
	s := NewIdentitySet(a, b)
	o := NewIdentitySet(b, c)

	if u := s.Union(o); len(u) != 3 {
		t.Fatalf("union=%v", u.Sorted())
	}
	if d := s.Subtract(o); len(d) != 1 || !d.Contains(a) {
		t.Fatalf("subtract=%v", d.Sorted())
	}
	if i := s.Intersect(o); len(i) != 1 || !i.Contains(b) {
		t.Fatalf("intersect=%v", i.Sorted())
	}
	if len(s) != 2 {
		t.Fatalf("operands must not be mutated")
	}
	sorted := NewIdentitySet(c, a, b).Sorted()
	if sorted[0] != a || sorted[2] != c {
		t.Fatalf("not sorted: %v", sorted)
	}
}

func TestDescribeUpdate(t *testing.T) {
	t.Parallel()

	self, a, b := testIdentity(1), testIdentity(2), testIdentity(3)
	prev := Group{Name: "Friends", Members: NewIdentitySet(self, a), Admins: NewIdentitySet(self)}

	next := prev.Clone()
	next.Name = "Family"
	if got := DescribeUpdate(prev, next, self); got != "Title is now 'Family'." {
		t.Fatalf("rename note=%q", got)
	}

	next = prev.Clone()
	next.Members.Add(b)
	if got := DescribeUpdate(prev, next, self); got != b.Short()+" joined the group." {
		t.Fatalf("join note=%q", got)
	}

	next = prev.Clone()
	delete(next.Members, a)
	if got := DescribeUpdate(prev, next, self); got != a.Short()+" left the group." {
		t.Fatalf("leave note=%q", got)
	}

	next = Group{Name: prev.Name, Members: IdentitySet{}, Admins: IdentitySet{}}
	if got := DescribeUpdate(prev, next, self); got != "You left the group." {
		t.Fatalf("self leave note=%q", got)
	}
}

func TestThreadID_Deterministic(t *testing.T) {
	t.Parallel()

	g := GroupPublicKey(testIdentity(7))
	if ThreadID(g) != ThreadID(g) || !strings.HasPrefix(ThreadID(g), "g") {
		t.Fatalf("unexpected thread id %q", ThreadID(g))
	}
	if ThreadID(g) == ThreadID(GroupPublicKey(testIdentity(8))) {
		t.Fatalf("thread ids must differ per group")
	}
}

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	if got := FormatTimestamp(1700000000.123456); got != "1700000000.123456" {
		t.Fatalf("FormatTimestamp=%q", got)
	}
}
