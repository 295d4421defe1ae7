package repository

import (
	"context"
	"strings"

	"github.com/adamlounds/nightscout-uam/models"
	slogctx "github.com/veqryn/slog-context"
)

// ConfigAuthRepository serves the api secret and auth tokens from server
// config. Tokens are "name-hash", as nightscout issues them.
type ConfigAuthRepository struct {
	APISecretHash string
	DefaultRole   string
	tokens        map[string]*models.AuthSubject
}

func NewConfigAuthRepository(apiSecretHash string, defaultRole string, tokenRoles map[string][]string) *ConfigAuthRepository {
	tokens := make(map[string]*models.AuthSubject, len(tokenRoles))
	for token, roles := range tokenRoles {
		name, _, _ := strings.Cut(token, "-")
		tokens[token] = &models.AuthSubject{Name: name, RoleNames: roles}
	}
	return &ConfigAuthRepository{apiSecretHash, defaultRole, tokens}
}

func (p ConfigAuthRepository) GetAPISecretHash(ctx context.Context) string {
	return p.APISecretHash
}

func (p ConfigAuthRepository) GetDefaultRole(ctx context.Context) string {
	return p.DefaultRole
}

var unknownAuthSubject = &models.AuthSubject{Name: "anonymous", RoleNames: []string{}}

func (p ConfigAuthRepository) FetchAuthSubjectByAuthToken(ctx context.Context, authToken string) *models.AuthSubject {
	log := slogctx.FromCtx(ctx)
	if authToken == "" {
		return unknownAuthSubject
	}
	if _, _, found := strings.Cut(authToken, "-"); !found {
		log.Debug("auth token is invalid, should be name-hash")
		return unknownAuthSubject
	}

	authSubject, ok := p.tokens[authToken]
	if !ok {
		log.Debug("auth token not recognized")
		return unknownAuthSubject
	}
	return authSubject
}
