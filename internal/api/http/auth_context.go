package httpapi

import (
	"context"

	appAuth "github.com/civita/formation/internal/application/auth"
)

type authContextKey string

const (
	participantKey authContextKey = "participant"
	organizerKey   authContextKey = "organizer"
)

func withParticipant(ctx context.Context, p *appAuth.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, participantKey, p)
}

func participantFromContext(ctx context.Context) *appAuth.Principal {
	if v, ok := ctx.Value(participantKey).(*appAuth.Principal); ok {
		return v
	}
	return nil
}

func withOrganizer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, organizerKey, name)
}

func organizerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(organizerKey).(string); ok {
		return v
	}
	return ""
}
