package assignment

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rolecontext/internal/platform/auth"
	"github.com/ehr/rolecontext/pkg/pagination"
)

// Handler exposes the administrator mutation surface. Every route runs
// behind gate and acts on the caller's active establishment only.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, gate echo.MiddlewareFunc) {
	g := api.Group("/assignments", gate)
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PATCH("/:id/status", h.SetStatus)
	g.DELETE("/:id", h.Revoke)
}

type createRequest struct {
	ProfessionalID   uuid.UUID  `json:"professional_id"`
	Role             Role       `json:"role"`
	Department       *string    `json:"department"`
	JobPosition      *string    `json:"job_position"`
	IsAdmin          bool       `json:"is_admin"`
	IsDepartmentHead bool       `json:"is_department_head"`
	Permissions      []string   `json:"permissions"`
	Status           Status     `json:"status"`
	StartDate        *time.Time `json:"start_date"`
	EndDate          *time.Time `json:"end_date"`
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) Create(c echo.Context) error {
	est, err := establishment(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a := &Assignment{
		ProfessionalID:   req.ProfessionalID,
		Role:             req.Role,
		Department:       req.Department,
		JobPosition:      req.JobPosition,
		IsAdmin:          req.IsAdmin,
		IsDepartmentHead: req.IsDepartmentHead,
		Permissions:      req.Permissions,
		Status:           req.Status,
		EndDate:          req.EndDate,
	}
	if req.StartDate != nil {
		a.StartDate = *req.StartDate
	}
	if err := h.svc.Create(c.Request().Context(), est, a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	est, err := establishment(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), est, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	est, err := establishment(c)
	if err != nil {
		return err
	}
	var prof *uuid.UUID
	if raw := c.QueryParam("professional_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid professional_id")
		}
		prof = &id
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), est, prof, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) SetStatus(c echo.Context) error {
	est, err := establishment(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetStatus(c.Request().Context(), est, id, req.Status); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Revoke(c echo.Context) error {
	est, err := establishment(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Revoke(c.Request().Context(), est, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func establishment(c echo.Context) (uuid.UUID, error) {
	est, ok := auth.ActingEstablishment(c)
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "no active establishment")
	}
	return est, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "assignment not found")
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
