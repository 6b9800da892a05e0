package actingcontext

import (
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/domain/capability"
)

// ImpliedByAdmin is granted by the is_admin shortcut.
var ImpliedByAdmin = capability.Of(
	capability.ManageStaff,
	capability.ManageDepartments,
	capability.ManageEstablishment,
	capability.ViewReports,
	capability.ViewAnalytics,
)

// ImpliedByDepartmentHead is granted by the is_department_head shortcut.
var ImpliedByDepartmentHead = capability.Of(
	capability.ManageAppointments,
	capability.ViewReports,
	capability.ViewMedicalRecords,
)

// Evaluate derives the effective capability set of one assignment: its
// permission tokens plus whatever the boolean shortcuts imply. The wildcard
// token yields the grant-all set. Unknown tokens grant nothing.
func Evaluate(a *assignment.Assignment, logger zerolog.Logger) capability.Set {
	if a == nil {
		return capability.Set{}
	}
	var set capability.Set
	for _, tok := range a.Permissions {
		if tok == capability.WildcardToken {
			return capability.GrantAll()
		}
		c, ok := capability.Parse(tok)
		if !ok {
			logger.Warn().
				Str("assignment_id", a.ID.String()).
				Str("token", tok).
				Msg("ignoring unknown permission token")
			continue
		}
		set = set.With(c)
	}
	if a.IsAdmin {
		set = set.Union(ImpliedByAdmin)
	}
	if a.IsDepartmentHead {
		set = set.Union(ImpliedByDepartmentHead)
	}
	return set
}
