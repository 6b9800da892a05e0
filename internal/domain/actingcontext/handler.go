package actingcontext

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/platform/auth"
	"github.com/ehr/rolecontext/internal/platform/websocket"
)

// Handler exposes the session context of the calling identity.
type Handler struct {
	manager *Manager
	ws      *websocket.Handler
	logger  zerolog.Logger
}

// NewHandler creates a Handler. ws may be nil to disable push.
func NewHandler(manager *Manager, ws *websocket.Handler, logger zerolog.Logger) *Handler {
	return &Handler{manager: manager, ws: ws, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/context")
	g.POST("/login", h.Login)
	g.GET("", h.Current)
	g.DELETE("", h.Logout)
	g.POST("/establishment", h.ChooseEstablishment)
	g.POST("/role", h.ChooseRole)
	g.POST("/switch-establishment", h.SwitchEstablishment)
	g.POST("/switch-role", h.SwitchRole)
	g.GET("/permissions/:token", h.Permission)
	if h.ws != nil {
		g.GET("/ws", h.Watch)
	}
}

type establishmentRequest struct {
	EstablishmentID uuid.UUID `json:"establishment_id"`
}

type roleRequest struct {
	Role assignment.Role `json:"role"`
}

type permissionResponse struct {
	Token   string `json:"token"`
	Granted bool   `json:"granted"`
}

func (h *Handler) Login(c echo.Context) error {
	identity, err := identityOf(c)
	if err != nil {
		return err
	}
	snap, err := h.manager.Login(c.Request().Context(), identity)
	return h.respond(c, snap, err)
}

func (h *Handler) Current(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Store().Current())
}

func (h *Handler) Logout(c echo.Context) error {
	identity, err := identityOf(c)
	if err != nil {
		return err
	}
	if err := h.manager.Logout(c.Request().Context(), identity); err != nil {
		return httpError(err, nil)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ChooseEstablishment(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req establishmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EstablishmentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "establishment_id is required")
	}
	snap, err := s.ChooseEstablishment(c.Request().Context(), req.EstablishmentID)
	return h.respond(c, snap, err)
}

func (h *Handler) ChooseRole(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req roleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, ok := assignment.ParseRole(string(req.Role)); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
	}
	snap, err := s.ChooseRole(c.Request().Context(), req.Role)
	return h.respond(c, snap, err)
}

func (h *Handler) SwitchEstablishment(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.SwitchEstablishment(c.Request().Context())
	return h.respond(c, snap, err)
}

func (h *Handler) SwitchRole(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req roleRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Role != "" {
		if _, ok := assignment.ParseRole(string(req.Role)); !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
		}
	}
	snap, err := s.SwitchRole(c.Request().Context(), req.Role)
	return h.respond(c, snap, err)
}

func (h *Handler) Permission(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	token := c.Param("token")
	return c.JSON(http.StatusOK, permissionResponse{
		Token:   token,
		Granted: s.Store().HasPermissionToken(token),
	})
}

// Watch streams the caller's snapshots, starting with the current one.
func (h *Handler) Watch(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return h.ws.Serve(c, []string{Topic(s.Identity())}, func() (websocket.Event, error) {
		return SnapshotEvent(s.Identity(), "context.current", s.Store().Current())
	})
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	identity, err := identityOf(c)
	if err != nil {
		return nil, err
	}
	s, err := h.manager.Session(identity)
	if err != nil {
		return nil, httpError(err, nil)
	}
	return s, nil
}

func (h *Handler) respond(c echo.Context, snap *Snapshot, err error) error {
	if errors.Is(err, ErrPreferenceNotPersisted) {
		h.logger.Warn().Err(err).Msg("context published without persisted selection")
		err = nil
	}
	if err != nil {
		return httpError(err, snap)
	}
	return c.JSON(http.StatusOK, snap)
}

func identityOf(c echo.Context) (string, error) {
	identity := auth.IdentityFromContext(c.Request().Context())
	if identity == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return identity, nil
}

func httpError(err error, snap *Snapshot) error {
	switch {
	case errors.Is(err, assignment.ErrResolutionFailed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]any{
			"message":   "assignment resolution failed",
			"retryable": true,
		})
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrSessionClosed):
		return echo.NewHTTPError(http.StatusNotFound, "no session; log in first")
	case errors.Is(err, ErrInvalidChoice), errors.Is(err, ErrNotStarted), errors.Is(err, ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"message": err.Error(),
			"context": snap,
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
