package grpcserver

import (
	"context"

	"github.com/and161185/group-keeper/internal/model"
)

type ctxKey string

const identityKey ctxKey = "gk.identity"

// WithIdentity stores the authenticated sender identity in context.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the sender identity from context.
func IdentityFromCtx(ctx context.Context) (model.Identity, bool) {
	v := ctx.Value(identityKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(model.Identity)
	return id, ok && id != ""
}
