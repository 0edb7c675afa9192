// ABOUTME: Request identity carried through handlers via context
// ABOUTME: Provides WithIdentity/FromContext for the authenticated participant

package auth

import (
	"context"
)

// Method records how a request was identified
type Method string

const (
	MethodToken  Method = "token"
	MethodHeader Method = "header"
)

// Identity is the participant a request acts as
type Identity struct {
	ParticipantID string
	Method        Method
}

type identityKey struct{}

// WithIdentity returns a new context carrying id
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the request identity, or nil if none was attached
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// ParticipantID returns the authenticated participant id, or "" if the
// request carries no identity.
func ParticipantID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.ParticipantID
	}
	return ""
}
