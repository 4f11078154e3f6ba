package auth

import (
	"context"
)

type contextKey string

const (
	contextKeyIdentity     contextKey = "identity"
	contextKeyCapabilities contextKey = "capabilities"
)

func WithIdentity(ctx context.Context, id *Identity, caps CapabilitySet) context.Context {
	ctx = context.WithValue(ctx, contextKeyIdentity, id)
	return context.WithValue(ctx, contextKeyCapabilities, caps)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(*Identity)
	return id, ok && id != nil
}

// CapabilitiesFromContext returns the resolved capabilities, or the empty set
// for anonymous requests.
func CapabilitiesFromContext(ctx context.Context) CapabilitySet {
	caps, _ := ctx.Value(contextKeyCapabilities).(CapabilitySet)
	return caps
}
