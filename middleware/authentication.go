package middleware

import (
	"context"
	"log/slog"

	"github.com/adamlounds/nightscout-uam/models"
	slogctx "github.com/veqryn/slog-context"
)

type ctxKeyAuthn int

// AuthnKey is the context key holding the request's *models.Authn.
const AuthnKey ctxKeyAuthn = 0

// WithAuthn stores authn in ctx and tags the context logger with the
// subject name, so every log line of the request names who made it.
func WithAuthn(ctx context.Context, authn *models.Authn) context.Context {
	if authn != nil && authn.AuthSubject != nil {
		log := slogctx.FromCtx(ctx).With(slog.String("authSubject", authn.AuthSubject.Name))
		ctx = slogctx.NewCtx(ctx, log)
	}
	return context.WithValue(ctx, AuthnKey, authn)
}

func GetAuthn(ctx context.Context) *models.Authn {
	authn, ok := ctx.Value(AuthnKey).(*models.Authn)
	if !ok {
		return nil
	}
	return authn
}
