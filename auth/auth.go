// Package auth holds the pluggable authorization hooks consulted before a transition runs.
package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

// ErrHandlerNotFound is returned when a configured handler reference is unknown.
var ErrHandlerNotFound = errors.New("auth handler not found")

// RoleHandler decides whether actor holds role. A nil actor is anonymous.
type RoleHandler interface {
	HasRole(ctx context.Context, actor *types.Actor, role string) bool
}

// PermissionHandler decides whether actor may perform action on a workflow.
type PermissionHandler interface {
	HasPermission(ctx context.Context, actor *types.Actor, workflowID, action string) bool
}

// TokenValidator decides whether the credentials behind actor are still valid.
type TokenValidator interface {
	IsValid(ctx context.Context, actor *types.Actor) bool
}

// RoleHandlerFunc adapts a function to RoleHandler.
type RoleHandlerFunc func(ctx context.Context, actor *types.Actor, role string) bool

func (f RoleHandlerFunc) HasRole(ctx context.Context, actor *types.Actor, role string) bool {
	return f(ctx, actor, role)
}

// PermissionHandlerFunc adapts a function to PermissionHandler.
type PermissionHandlerFunc func(ctx context.Context, actor *types.Actor, workflowID, action string) bool

func (f PermissionHandlerFunc) HasPermission(ctx context.Context, actor *types.Actor, workflowID, action string) bool {
	return f(ctx, actor, workflowID, action)
}

// TokenValidatorFunc adapts a function to TokenValidator.
type TokenValidatorFunc func(ctx context.Context, actor *types.Actor) bool

func (f TokenValidatorFunc) IsValid(ctx context.Context, actor *types.Actor) bool {
	return f(ctx, actor)
}

// ActorRoles grants the roles listed on the actor itself.
type ActorRoles struct{}

// HasRole implements RoleHandler.
func (ActorRoles) HasRole(_ context.Context, actor *types.Actor, role string) bool {
	if actor == nil {
		return false
	}
	for _, r := range actor.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resolver maps configured handler references to implementations.
type Resolver struct {
	mu          sync.RWMutex
	roles       map[string]RoleHandler
	permissions map[string]PermissionHandler
	tokens      map[string]TokenValidator
}

// NewResolver returns a resolver that knows the "actor" role handler.
func NewResolver() *Resolver {
	return &Resolver{
		roles:       map[string]RoleHandler{"actor": ActorRoles{}},
		permissions: make(map[string]PermissionHandler),
		tokens:      make(map[string]TokenValidator),
	}
}

func (r *Resolver) RegisterRoleHandler(name string, h RoleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[name] = h
}

func (r *Resolver) RegisterPermissionHandler(name string, h PermissionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissions[name] = h
}

func (r *Resolver) RegisterTokenValidator(name string, v TokenValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[name] = v
}

// RoleHandler resolves name. An empty name resolves to nil without error.
func (r *Resolver) RoleHandler(name string) (RoleHandler, error) {
	return lookup(&r.mu, r.roles, name)
}

// PermissionHandler resolves name. An empty name resolves to nil without error.
func (r *Resolver) PermissionHandler(name string) (PermissionHandler, error) {
	return lookup(&r.mu, r.permissions, name)
}

// TokenValidator resolves name. An empty name resolves to nil without error.
func (r *Resolver) TokenValidator(name string) (TokenValidator, error) {
	return lookup(&r.mu, r.tokens, name)
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, name string) (T, error) {
	var zero T
	if name == "" {
		return zero, nil
	}
	mu.RLock()
	defer mu.RUnlock()
	h, ok := m[name]
	if !ok {
		return zero, errors.Wrapf(ErrHandlerNotFound, "name %s", name)
	}
	return h, nil
}
