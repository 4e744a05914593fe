package grpcserver

import (
	"context"
	"strings"
	"testing"

	"github.com/and161185/group-keeper/internal/model"
)

func TestWithIdentity_And_IdentityFromCtx(t *testing.T) {
	t.Parallel()

	if id, ok := IdentityFromCtx(context.Background()); ok || id != "" {
		t.Fatalf("expected no identity in empty ctx")
	}

	want := model.Identity(model.KeyPrefix + strings.Repeat("1", 64))
	ctx := WithIdentity(context.Background(), want)

	got, ok := IdentityFromCtx(ctx)
	if !ok {
		t.Fatalf("expected identity in ctx")
	}
	if got != want {
		t.Fatalf("mismatch: got %s, want %s", got, want)
	}

	bad := context.WithValue(context.Background(), identityKey, "plain-string")
	if id, ok := IdentityFromCtx(bad); ok || id != "" {
		t.Fatalf("expected miss on wrong typed value")
	}
}
