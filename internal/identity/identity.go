// Package identity carries the already-authenticated caller through the
// engine. Credential validation happens upstream; the gateway forwards the
// caller as X-Actor-ID / X-Actor-Roles headers.
package identity

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/arbiter/internal/logging"
)

// Role is a coarse capability granted by the identity provider.
type Role string

const (
	RoleUser       Role = "user"
	RoleArbitrator Role = "arbitrator"
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
	RoleSystem     Role = "system"
)

const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRoles = "X-Actor-Roles"

	// SystemActorID identifies transitions made by the engine itself.
	SystemActorID = "system"

	contextKeyActor = "actor"
)

// Actor is the caller of an operation.
type Actor struct {
	ID    string
	Roles []Role
}

// Has reports whether the actor carries role.
func (a Actor) Has(role Role) bool {
	return slices.Contains(a.Roles, role)
}

// IsAdmin reports whether the actor may perform administrative overrides.
func (a Actor) IsAdmin() bool { return a.Has(RoleAdmin) }

// IsSystem reports whether the actor is the engine itself.
func (a Actor) IsSystem() bool { return a.Has(RoleSystem) }

// System returns the actor used by scheduled jobs.
func System() Actor {
	return Actor{ID: SystemActorID, Roles: []Role{RoleSystem}}
}

// New builds an actor, defaulting to RoleUser when no roles are given.
func New(id string, roles ...Role) Actor {
	if len(roles) == 0 {
		roles = []Role{RoleUser}
	}
	return Actor{ID: id, Roles: roles}
}

// ParseRoles splits a comma separated header value. Unknown roles are dropped
// and system can never be claimed over the wire.
func ParseRoles(header string) []Role {
	var roles []Role
	for _, part := range strings.Split(header, ",") {
		r := Role(strings.ToLower(strings.TrimSpace(part)))
		switch r {
		case RoleUser, RoleArbitrator, RoleAdmin, RoleOperator:
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	return roles
}

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext returns the actor stored in ctx, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Middleware reads the forwarded identity headers and rejects requests
// without an actor id.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID header required",
			})
			return
		}

		actor := New(id, ParseRoles(c.GetHeader(HeaderActorRoles))...)
		c.Set(contextKeyActor, actor)

		ctx := WithActor(c.Request.Context(), actor)
		ctx = logging.WithActorID(ctx, actor.ID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetActor returns the actor set by Middleware.
func GetActor(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(contextKeyActor)
	if !ok {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}
