package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ehr/rolecontext/internal/domain/actingcontext"
	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/platform/db"
)

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// printResolution lists eligible assignments and the context a fresh login
// without a stored preference would land in.
func printResolution(w io.Writer, res *assignment.Resolution) {
	if res.Professional == nil {
		fmt.Fprintf(w, "%s has no professional record\n", res.Identity)
	} else {
		fmt.Fprintf(w, "%s (%s)\n", res.Professional.DisplayName, res.Professional.ID)
	}
	fmt.Fprintf(w, "%-36s %-28s %-18s %s\n", "ESTABLISHMENT", "NAME", "ROLE", "PERMISSIONS")
	for _, a := range res.Assignments {
		perms := "-"
		if len(a.Permissions) > 0 {
			perms = strings.Join(a.Permissions, ",")
		}
		fmt.Fprintf(w, "%-36s %-28s %-18s %s\n", a.EstablishmentID, a.EstablishmentName, a.Role, perms)
	}

	sel := actingcontext.NewSelector()
	sel.Resolved(res.Assignments, nil)
	fmt.Fprintf(w, "\nlogin state: %s", sel.State())
	if a := sel.Active(); a != nil {
		fmt.Fprintf(w, " as %s at %s (%s)", a.Role, a.EstablishmentName, sel.Selection())
	}
	fmt.Fprintln(w)
}

func printSnapshot(w io.Writer, snap *actingcontext.Snapshot) {
	fmt.Fprintf(w, "[v%d] %s\n", snap.Version, snap.State)
	switch snap.State {
	case actingcontext.Active:
		a := snap.Assignment
		fmt.Fprintf(w, "  acting as %s at %s (%s)\n", snap.Role.Label, a.EstablishmentName, snap.Selection)
		if tokens := snap.Permissions.Tokens(); len(tokens) > 0 {
			fmt.Fprintf(w, "  permissions: %s\n", strings.Join(tokens, ", "))
		}
	case actingcontext.AwaitingEstablishmentChoice:
		for i, est := range snap.Establishments {
			roles := make([]string, len(est.Roles))
			for j, r := range est.Roles {
				roles[j] = string(r)
			}
			fmt.Fprintf(w, "  %d) %s [%s]\n", i+1, est.Name, strings.Join(roles, ", "))
		}
		fmt.Fprintln(w, "  choose with: est <n>")
	case actingcontext.AwaitingRoleChoice:
		for i, r := range snap.Roles {
			fmt.Fprintf(w, "  %d) %s\n", i+1, r.Label)
		}
		fmt.Fprintln(w, "  choose with: role <n>")
	}
	if snap.Discarded != nil {
		fmt.Fprintf(w, "  previous choice %s no longer available\n", snap.Discarded)
	}
}
