package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rolecontext/internal/domain/capability"
)

type mockChecker struct {
	est     uuid.UUID
	granted map[string]capability.Set
	calls   int
}

func (m *mockChecker) CheckCapabilities(identity string, caps ...capability.Capability) (uuid.UUID, bool) {
	m.calls++
	set, ok := m.granted[identity]
	if !ok {
		return uuid.Nil, false
	}
	for _, c := range caps {
		if !set.Has(c) {
			return uuid.Nil, false
		}
	}
	return m.est, true
}

func newCapabilityContext(identity string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if identity != "" {
		req = req.WithContext(WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequireCapability_Allowed(t *testing.T) {
	est := uuid.New()
	checker := &mockChecker{est: est, granted: map[string]capability.Set{
		"idp|admin": capability.Of(capability.ManageStaff),
	}}
	c, rec := newCapabilityContext("idp|admin")

	var acting uuid.UUID
	handler := func(c echo.Context) error {
		acting, _ = ActingEstablishment(c)
		return c.String(http.StatusOK, "ok")
	}

	if err := RequireCapability(checker, capability.ManageStaff)(handler)(c); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if acting != est {
		t.Errorf("expected acting establishment %s, got %s", est, acting)
	}
}

func TestRequireCapability_Denied(t *testing.T) {
	checker := &mockChecker{est: uuid.New(), granted: map[string]capability.Set{
		"idp|doctor": capability.Of(capability.Consultation, capability.Prescription),
	}}
	c, _ := newCapabilityContext("idp|doctor")

	err := RequireCapability(checker, capability.ManageStaff)(func(c echo.Context) error {
		t.Error("handler must not run")
		return nil
	})(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestRequireCapability_AllRequired(t *testing.T) {
	checker := &mockChecker{est: uuid.New(), granted: map[string]capability.Set{
		"idp|head": capability.Of(capability.ManageStaff),
	}}
	c, _ := newCapabilityContext("idp|head")

	err := RequireCapability(checker, capability.ManageStaff, capability.Billing)(func(c echo.Context) error {
		return nil
	})(c)
	if err == nil {
		t.Error("expected denial when only one of two capabilities is granted")
	}
}

func TestRequireCapability_ChecksAllInOneCall(t *testing.T) {
	est := uuid.New()
	checker := &mockChecker{est: est, granted: map[string]capability.Set{
		"idp|head": capability.Of(capability.ManageStaff, capability.Billing),
	}}
	c, _ := newCapabilityContext("idp|head")

	var acting uuid.UUID
	err := RequireCapability(checker, capability.ManageStaff, capability.Billing)(func(c echo.Context) error {
		acting, _ = ActingEstablishment(c)
		return nil
	})(c)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if checker.calls != 1 {
		t.Errorf("expected every capability checked against one context read, got %d reads", checker.calls)
	}
	if acting != est {
		t.Errorf("expected acting establishment %s, got %s", est, acting)
	}
}

func TestRequireCapability_Wildcard(t *testing.T) {
	checker := &mockChecker{est: uuid.New(), granted: map[string]capability.Set{
		"idp|director": capability.GrantAll(),
	}}
	c, _ := newCapabilityContext("idp|director")

	err := RequireCapability(checker, capability.ManageStaff, capability.Oversight)(func(c echo.Context) error {
		return nil
	})(c)
	if err != nil {
		t.Errorf("wildcard must grant every capability, got %v", err)
	}
}

func TestRequireCapability_NoSession(t *testing.T) {
	checker := &mockChecker{granted: map[string]capability.Set{}}
	c, _ := newCapabilityContext("idp|stranger")

	err := RequireCapability(checker, capability.ViewPatients)(func(c echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestRequireCapability_Unauthenticated(t *testing.T) {
	checker := &mockChecker{}
	c, _ := newCapabilityContext("")

	err := RequireCapability(checker, capability.ViewPatients)(func(c echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestActingEstablishment_Unset(t *testing.T) {
	c, _ := newCapabilityContext("")
	if _, ok := ActingEstablishment(c); ok {
		t.Error("expected no acting establishment")
	}
}
