package datarequest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/fhirclient"
	"github.com/dic/gateway/internal/ttp"
)

// Handler exposes the intake API.
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "datarequest-handler").Logger()}
}

// Register mounts the routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/requests", h.Create)
	g.GET("/requests", h.List)
	g.GET("/requests/:id", h.Get)
}

func (h *Handler) Create(c echo.Context) error {
	var payload Payload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	dr, err := h.svc.Create(c.Request().Context(), &payload)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, dr)
}

func (h *Handler) Get(c echo.Context) error {
	dr, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, dr)
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.svc.List(c.Request().Context())
	if err != nil {
		return h.mapError(c, err)
	}
	if items == nil {
		items = []*DataRequest{}
	}
	return c.JSON(http.StatusOK, items)
}

// mapError translates workflow errors into HTTP statuses: bad submissions
// are the client's fault, unreachable collaborators are reported as 503 and
// contract violations as 502.
func (h *Handler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "data request not found")
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, "data request already exists")
	case errors.Is(err, ErrMissingPatient),
		errors.Is(err, ErrMissingExchangeIdentifier),
		errors.Is(err, ErrUnsupportedIDType),
		errors.Is(err, ttp.ErrInvalidPatient),
		errors.Is(err, ttp.ErrConsentAlreadyLinked):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ttp.ErrNotImplemented):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, ttp.ErrUnavailable), errors.Is(err, fhirclient.ErrUnavailable):
		h.logger.Error().Err(err).Msg("upstream unreachable")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "upstream service unreachable")
	case errors.Is(err, ttp.ErrBadResponse), errors.Is(err, fhirclient.ErrBadResponse):
		h.logger.Error().Err(err).Msg("upstream contract violation")
		return echo.NewHTTPError(http.StatusBadGateway, "unexpected upstream response")
	default:
		h.logger.Error().Err(err).Msg("data request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
