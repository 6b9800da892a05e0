package assignment

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rolecontext/internal/platform/auth"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	svc, repo := newTestService()
	return NewHandler(svc), repo, echo.New()
}

func actingAs(c echo.Context, est uuid.UUID) {
	auth.SetActingEstablishment(c, est)
}

func TestHandler_Create(t *testing.T) {
	h, repo, e := newTestHandler()
	p := repo.addProfessional("idp|bob")
	est := uuid.New()

	body := `{"professional_id":"` + p.ID.String() + `","role":"nurse","permissions":["view_patients"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	actingAs(c, est)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var a Assignment
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.EstablishmentID != est || a.Role != RoleNurse {
		t.Errorf("unexpected assignment %+v", a)
	}
}

func TestHandler_Create_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"professional_id":"` + uuid.New().String() + `","role":"wizard"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	actingAs(c, uuid.New())

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_NoActingEstablishment(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/assignments", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.List(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_List(t *testing.T) {
	h, repo, e := newTestHandler()
	est := uuid.New()
	repo.add(&Assignment{EstablishmentID: est, ProfessionalID: uuid.New(), Role: RoleDoctor})
	repo.add(&Assignment{EstablishmentID: est, ProfessionalID: uuid.New(), Role: RoleNurse})
	repo.add(&Assignment{EstablishmentID: uuid.New(), ProfessionalID: uuid.New(), Role: RoleNurse})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/assignments", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	actingAs(c, est)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("expected 2 assignments in establishment, got %d", resp.Total)
	}
}

func TestHandler_List_InvalidProfessional(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/assignments?professional_id=nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	actingAs(c, uuid.New())

	if err := h.List(c); err == nil {
		t.Error("expected error for invalid professional_id")
	}
}

func TestHandler_SetStatus(t *testing.T) {
	h, repo, e := newTestHandler()
	a := repo.add(&Assignment{EstablishmentID: uuid.New(), Role: RoleDoctor, Status: StatusActive})

	req := httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"status":"suspended"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	actingAs(c, a.EstablishmentID)

	if err := h.SetStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if a.Status != StatusSuspended {
		t.Errorf("expected suspended, got %s", a.Status)
	}
}

func TestHandler_Revoke_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	actingAs(c, uuid.New())

	err := h.Revoke(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_Get_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	actingAs(c, uuid.New())

	if err := h.Get(c); err == nil {
		t.Error("expected error for invalid id")
	}
}
