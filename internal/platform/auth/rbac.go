package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rolecontext/internal/domain/capability"
)

const actingEstablishmentKey = "acting_establishment_id"

// CapabilityChecker answers capability checks against the caller's active
// context. granted and establishmentID must be read from one snapshot of
// that context.
type CapabilityChecker interface {
	CheckCapabilities(identity string, caps ...capability.Capability) (establishmentID uuid.UUID, granted bool)
}

// RequireCapability returns middleware that lets the request through only
// if the caller's active context grants every listed capability. The
// active establishment is stored on the echo context for handlers that
// scope their work to it.
func RequireCapability(checker CapabilityChecker, caps ...capability.Capability) echo.MiddlewareFunc {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := IdentityFromContext(c.Request().Context())
			if identity == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			est, ok := checker.CheckCapabilities(identity, caps...)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("required capability: %s", strings.Join(names, " and ")))
			}
			SetActingEstablishment(c, est)
			return next(c)
		}
	}
}

// SetActingEstablishment records the establishment a request acts on.
func SetActingEstablishment(c echo.Context, id uuid.UUID) {
	c.Set(actingEstablishmentKey, id)
}

// ActingEstablishment returns the establishment stored by RequireCapability.
func ActingEstablishment(c echo.Context) (uuid.UUID, bool) {
	id, ok := c.Get(actingEstablishmentKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
