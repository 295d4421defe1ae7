package controllers

import (
	"log/slog"
	"net/http"

	"github.com/adamlounds/nightscout-uam/middleware"
	"github.com/adamlounds/nightscout-uam/models"
	slogctx "github.com/veqryn/slog-context"
)

type ApiV1AuthnMiddleware struct {
	*models.AuthService
}

func (a ApiV1AuthnMiddleware) SetAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		apiSecretHash := r.Header.Get("api-secret")
		if apiSecretHash == "" {
			apiSecretHash = r.URL.Query().Get("secret")
		}
		authToken := r.URL.Query().Get("token")

		authn := a.AuthFromHTTP(ctx, apiSecretHash, authToken)

		slogctx.FromCtx(ctx).Debug("SetAuthentication", slog.Any("authn", authn))
		ctx = middleware.WithAuthn(ctx, authn)
		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

func (a ApiV1AuthnMiddleware) Authz(requiredPermission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogctx.FromCtx(ctx)
			authn := middleware.GetAuthn(ctx)

			if !a.IsPermitted(ctx, authn, requiredPermission) {
				log.Info("authz not permitted",
					slog.String("requiredPerm", requiredPermission),
					slog.Any("authn", authn),
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
