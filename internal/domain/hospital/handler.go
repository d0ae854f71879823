package hospital

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/resqnet/resqnet/internal/platform/auth"
	"github.com/resqnet/resqnet/pkg/pagination"
)

// Area is the region an OpenStreetMap import covers.
type Area struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius_km"`
}

type Handler struct {
	svc    *Service
	syncer *Syncer
	area   Area
}

// NewHandler builds the directory handler. syncer may be nil, in which case
// the sync endpoint is not registered.
func NewHandler(svc *Service, syncer *Syncer, area Area) *Handler {
	return &Handler{svc: svc, syncer: syncer, area: area}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/hospitals", h.ListActive)

	adminGroup := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	adminGroup.GET("/hospitals", h.ListHospitals)
	adminGroup.POST("/hospitals", h.CreateHospital)
	adminGroup.GET("/hospitals/:id", h.GetHospital)
	adminGroup.PATCH("/hospitals/:id/active", h.SetActive)
	if h.syncer != nil {
		adminGroup.POST("/hospitals/sync", h.Sync)
	}
}

func (h *Handler) ListActive(c echo.Context) error {
	items, err := h.svc.ListActive(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*Hospital{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListHospitals(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHospitals(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*Hospital{}
	}
	resp := pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

type createRequest struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Phone     *string  `json:"phone"`
	Address   *string  `json:"address"`
	IsActive  *bool    `json:"is_active"`
}

func (h *Handler) CreateHospital(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Latitude == nil || req.Longitude == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "latitude and longitude are required")
	}
	hosp := &Hospital{
		Name:      req.Name,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Phone:     req.Phone,
		Address:   req.Address,
		IsActive:  req.IsActive == nil || *req.IsActive,
		Source:    SourceManual,
	}
	if err := h.svc.CreateHospital(c.Request().Context(), hosp); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, hosp)
}

func (h *Handler) GetHospital(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	hosp, err := h.svc.GetHospital(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

type activeRequest struct {
	IsActive *bool `json:"is_active"`
}

func (h *Handler) SetActive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req activeRequest
	if err := c.Bind(&req); err != nil || req.IsActive == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "is_active is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.SetActive(ctx, id, *req.IsActive); err != nil {
		return mapError(err)
	}
	hosp, err := h.svc.GetHospital(ctx, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

// Sync imports hospitals around the configured area. Any field in the body
// overrides the configured value.
func (h *Handler) Sync(c echo.Context) error {
	area := h.area
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&area); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	res, err := h.syncer.Sync(c.Request().Context(), area.Latitude, area.Longitude, area.RadiusKm)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
