package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	claimsContextKey   = "auth_claims"
	identityContextKey = "studio_identity"
)

// Identity is the authenticated caller as the handlers see it. Session
// claims are translated once at the middleware boundary so handlers do
// not depend on the validator's claim type.
type Identity struct {
	MemberID string
	Roles    []string
}

// HasRole reports whether the identity carries the role.
func (identity Identity) HasRole(role string) bool {
	for _, held := range identity.Roles {
		if held == role {
			return true
		}
	}
	return false
}

func identityMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claimsValue, ok := ctx.Get(claimsContextKey)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims, ok := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims.GetUserID() == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		ctx.Set(identityContextKey, Identity{
			MemberID: claims.GetUserID(),
			Roles:    claims.GetUserRoles(),
		})
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity, ok := identityFrom(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		if !identity.HasRole(role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
			return
		}
		ctx.Next()
	}
}

func identityFrom(ctx *gin.Context) (Identity, bool) {
	value, ok := ctx.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}
