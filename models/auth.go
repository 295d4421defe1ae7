package models

import (
	"context"
	"log/slog"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

type AuthService struct {
	AuthRepository
}

type AuthSubject struct {
	CreatedTime time.Time
	UpdatedTime time.Time
	Oid         string
	Name        string
	Notes       string
	RoleNames   []string
	ID          int
}

type Role struct {
	CreatedTime time.Time
	UpdatedTime time.Time
	Name        string
	Notes       string
	Permissions []string
	ID          int
}

type AuthRepository interface {
	GetAPISecretHash(ctx context.Context) string
	GetDefaultRole(ctx context.Context) string
	//FetchAllRoles(ctx middleware.Context) []*Role
	FetchAuthSubjectByAuthToken(ctx context.Context, authToken string) *AuthSubject
}

type Authn struct {
	AuthSubject   *AuthSubject
	ApiSecretHash string
	AuthToken     string
}

func (a Authn) LogValue() slog.Value {
	hasSecret := a.ApiSecretHash != ""
	hasToken := a.AuthToken != ""
	name := ""
	if a.AuthSubject != nil {
		name = a.AuthSubject.Name
	}
	return slog.GroupValue(
		slog.Bool("hasSecret", hasSecret),
		slog.Bool("hasToken", hasToken),
		slog.String("authSubject", name),
	)
}

func (service *AuthService) AuthFromHTTP(ctx context.Context, apiSecretHash string, authToken string) *Authn {
	authSubject := service.FetchAuthSubject(ctx, apiSecretHash, authToken)

	return &Authn{
		ApiSecretHash: apiSecretHash,
		AuthToken:     authToken,
		AuthSubject:   authSubject,
	}
}

var adminAuthSubject = &AuthSubject{Name: "admin", RoleNames: []string{"admin"}}

func (service *AuthService) FetchAuthSubject(ctx context.Context, apiSecretHash string, authToken string) *AuthSubject {
	log := slogctx.FromCtx(ctx)
	if service.IsAPISecretHashValid(ctx, apiSecretHash) {
		log.Debug("api secret is valid, it's the admin user")
		return adminAuthSubject
	}

	as := service.FetchAuthSubjectByAuthToken(ctx, authToken)
	if as.IsAnonymous() {
		// api-secret header can contain a token 🤪
		as = service.FetchAuthSubjectByAuthToken(ctx, apiSecretHash)
		if !as.IsAnonymous() {
			log.Debug("api secret was an auth token", slog.String("name", as.Name))
		}
	}
	if as.IsAnonymous() {
		// anonymous requests get the server's default role
		return &AuthSubject{Name: as.Name, RoleNames: []string{service.GetDefaultRole(ctx)}}
	}
	return as
}

var defaultRoles = map[string]*Role{
	"activity":            {Name: "activity", Permissions: []string{"api:activity:create"}},
	"admin":               {Name: "admin", Permissions: []string{"*"}},
	"careportal":          {Name: "careportal", Permissions: []string{"api:treatments:create"}},
	"denied":              {Name: "denied", Permissions: []string{}},
	"devicestatus-upload": {Name: "devicestatus-upload", Permissions: []string{"api:devicestatus:create"}},
	"readable":            {Name: "readable", Permissions: []string{"*:*:read"}},
	"status-only":         {Name: "status-only", Permissions: []string{"api:status:read"}},
}

var additionalRoles = map[string]*Role{
	"meals-estimator": {Name: "meals-estimator", Permissions: []string{"api:meals:read", "api:meals:create"}},
}

func (service *AuthService) IsPermitted(ctx context.Context, a *Authn, requiredPermission string) bool {
	log := slogctx.FromCtx(ctx)
	if a == nil || a.AuthSubject == nil {
		return false
	}
	for _, roleName := range a.AuthSubject.RoleNames {
		role, ok := defaultRoles[roleName]
		if !ok {
			role, ok = additionalRoles[roleName]
			if !ok {
				log.Debug("role not found", "roleName", roleName)
				continue
			}
		}

		for _, permission := range role.Permissions {
			if permissionImplies(permission, requiredPermission) {
				log.Debug("named role is allowed",
					slog.String("roleName", roleName),
					slog.String("perm", permission),
					slog.String("requiredPerm", requiredPermission),
				)
				return true
			}
		}
	}

	return false
}

// permissionImplies matches shiro-style permissions
// (https://shiro.apache.org/permissions.html) as nightscout uses them, eg
// api:entries:read, api:*:read. A lone "*" grants everything and a granted
// permission with fewer parts implies all sub-permissions. Comma-separated
// part lists are not supported.
func permissionImplies(granted, required string) bool {
	if granted == "*" {
		return true
	}
	g := strings.Split(granted, ":")
	r := strings.Split(required, ":")
	for i, part := range g {
		if i >= len(r) {
			if part != "*" {
				return false
			}
			continue
		}
		if part != "*" && part != r[i] {
			return false
		}
	}
	return true
}

func (service *AuthService) IsAPISecretHashValid(ctx context.Context, apiSecretHash string) (isValid bool) {
	return apiSecretHash == service.AuthRepository.GetAPISecretHash(ctx)
}

func (as *AuthSubject) IsAnonymous() bool {
	return as.Name == "anonymous"
}
