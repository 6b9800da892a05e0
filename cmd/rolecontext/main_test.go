package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/config"
	"github.com/ehr/rolecontext/internal/domain/actingcontext"
	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/platform/auth"
	"github.com/ehr/rolecontext/internal/platform/db"
	"github.com/ehr/rolecontext/internal/platform/prefstore"
)

type staticResolver struct {
	res *assignment.Resolution
	err error
}

func (r staticResolver) Resolve(_ context.Context, identity string) (*assignment.Resolution, error) {
	if r.err != nil {
		return nil, r.err
	}
	res := *r.res
	res.Identity = identity
	return &res, nil
}

var clinic = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")

func staffAt(est uuid.UUID, role assignment.Role, day int, perms ...string) *assignment.Assignment {
	return &assignment.Assignment{
		ID:                uuid.New(),
		EstablishmentID:   est,
		EstablishmentName: "North Clinic",
		Role:              role,
		Permissions:       perms,
		Status:            assignment.StatusActive,
		StartDate:         time.Date(2024, 1, 1+day, 0, 0, 0, 0, time.UTC),
	}
}

func twoRoles() *assignment.Resolution {
	return &assignment.Resolution{
		Professional: &assignment.Professional{ID: uuid.New(), DisplayName: "Dr. Rivera"},
		Assignments: []*assignment.Assignment{
			staffAt(clinic, assignment.RoleDirector, 0, "all"),
			staffAt(clinic, assignment.RoleDoctor, 1, "consultation"),
		},
	}
}

func runConsole(t *testing.T, r staticResolver, input string) string {
	t.Helper()
	s := actingcontext.NewSession("idp|rivera", actingcontext.Config{
		Resolver:    r,
		Preferences: prefstore.NewMemory(),
		Logger:      zerolog.Nop(),
	})
	defer s.Close()

	var out bytes.Buffer
	if err := newConsole(s, strings.NewReader(input), &out).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String()
}

func TestConsole_ChoosesRoleAndChecksPermission(t *testing.T) {
	out := runConsole(t, staticResolver{res: twoRoles()}, "role doctor\nperm consultation\nperm manage_staff\nquit\n")

	for _, want := range []string{
		"awaiting_role_choice",
		"acting as Doctor at North Clinic (explicit)",
		"consultation: true",
		"manage_staff: false",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestConsole_ReportsErrors(t *testing.T) {
	out := runConsole(t, staticResolver{res: twoRoles()}, "role 9\nest\nfly\nrole nurse\n")

	for _, want := range []string{
		"no role option 9",
		"usage: est",
		`unknown command "fly"`,
		"error:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "acting as") {
		t.Errorf("an ineligible role must not activate:\n%s", out)
	}
}

func TestConsole_ResolutionFailure(t *testing.T) {
	r := staticResolver{err: errors.New("store unavailable")}
	out := runConsole(t, r, "show\n")
	if !strings.Contains(out, "error:") || !strings.Contains(out, "unresolved") {
		t.Errorf("expected the failure and an unresolved context:\n%s", out)
	}
}

func TestPickEstablishment(t *testing.T) {
	snap := &actingcontext.Snapshot{Establishments: []actingcontext.EstablishmentOption{{ID: clinic}}}

	if id, err := pickEstablishment(snap, "1"); err != nil || id != clinic {
		t.Errorf("index: got %s %v", id, err)
	}
	if id, err := pickEstablishment(snap, clinic.String()); err != nil || id != clinic {
		t.Errorf("uuid: got %s %v", id, err)
	}
	for _, bad := range []string{"", "0", "2", "north"} {
		if _, err := pickEstablishment(snap, bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestPrintResolution(t *testing.T) {
	var out bytes.Buffer
	res := twoRoles()
	res.Identity = "idp|rivera"
	printResolution(&out, res)

	s := out.String()
	if !strings.Contains(s, "Dr. Rivera") || !strings.Contains(s, "director") {
		t.Errorf("expected professional and assignments listed:\n%s", s)
	}
	if !strings.Contains(s, "login state: awaiting_role_choice") {
		t.Errorf("expected the login state:\n%s", s)
	}

	out.Reset()
	printResolution(&out, &assignment.Resolution{Identity: "idp|patient"})
	if !strings.Contains(out.String(), "no professional record") || !strings.Contains(out.String(), "no_context") {
		t.Errorf("unexpected output for an identity without a record:\n%s", out.String())
	}
}

func TestPrintMigrations(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printMigrations(&out, []db.MigrationStatus{
		{Version: 1, Name: "establishment_assignment", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "assignment_notify"},
	})
	s := out.String()
	if !strings.Contains(s, "2024-05-01 12:00:00") || !strings.Contains(s, "pending") {
		t.Errorf("unexpected status table:\n%s", s)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"https://app.example/", true},
		{"https://evil.example", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/context/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !originChecker([]string{"*"})(func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Origin", "https://any.example")
		return r
	}()) {
		t.Error("wildcard must accept any origin")
	}
}

func runAuth(cfg *config.Config, header, value string) (string, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	c := echo.New().NewContext(req, httptest.NewRecorder())
	var identity string
	err := authMiddleware(cfg)(func(c echo.Context) error {
		identity = auth.IdentityFromContext(c.Request().Context())
		return nil
	})(c)
	return identity, err
}

func TestAuthMiddleware_DevTrustsHeader(t *testing.T) {
	identity, err := runAuth(&config.Config{Env: "development"}, auth.DevIdentityHeader, "idp|dev")
	if err != nil || identity != "idp|dev" {
		t.Fatalf("dev auth should accept the identity header: %q %v", identity, err)
	}
}

func TestAuthMiddleware_SigningKeyRequiresToken(t *testing.T) {
	cfg := &config.Config{Env: "development", AuthSigningKey: "secret"}
	_, err := runAuth(cfg, auth.DevIdentityHeader, "idp|dev")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %v", err)
	}
}

func TestOpenPreferences_MemoryByDefault(t *testing.T) {
	prefs, closePrefs, check, err := openPreferences(context.Background(), &config.Config{PreferenceBackend: config.BackendMemory})
	if err != nil {
		t.Fatalf("openPreferences: %v", err)
	}
	defer closePrefs()
	if _, ok := prefs.(*prefstore.Memory); !ok {
		t.Errorf("expected the memory store, got %T", prefs)
	}
	if check != nil {
		t.Error("the memory store has no health check")
	}
}
