package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/resqnet/resqnet/internal/platform/auth"
	"github.com/resqnet/resqnet/pkg/pagination"
)

const (
	defaultNearbyLimit = 20
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public: citizens report and follow emergencies without an account.
	api.POST("/emergencies", h.CreateEmergency)
	api.GET("/emergencies/:id", h.GetEmergency)
	api.POST("/emergencies/:id/escalate", h.Escalate)
	api.GET("/hospitals/nearby", h.NearbyHospitals)

	// Hospital staff act for the hospital bound to their session.
	hospitalGroup := api.Group("", auth.RequireRole(auth.RoleHospital))
	hospitalGroup.POST("/emergencies/:id/acknowledge", h.Acknowledge)
	hospitalGroup.PATCH("/emergencies/:id", h.UpdateEmergency)
	hospitalGroup.GET("/hospital/emergencies", h.HospitalInbox)
	hospitalGroup.POST("/hospital/notifications/:id/viewed", h.MarkViewed)

	// Oversight – police, admin
	oversightGroup := api.Group("", auth.RequireRole(auth.RolePolice, auth.RoleAdmin))
	oversightGroup.GET("/emergencies", h.ListEmergencies)
	oversightGroup.GET("/emergencies/export.xlsx", h.ExportEmergencies)
	oversightGroup.GET("/emergencies/:id/notifications", h.ListNotifications)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.PATCH("/emergencies/:id/notes", h.AnnotateEmergency)
}

type createEmergencyResponse struct {
	EmergencyID           uuid.UUID `json:"emergency_id"`
	Status                Status    `json:"status"`
	NotifiedHospitalCount int       `json:"notified_hospital_count"`
}

func (h *Handler) CreateEmergency(c echo.Context) error {
	var in CreateEmergencyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.CreateEmergency(c.Request().Context(), in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, createEmergencyResponse{
		EmergencyID:           res.Emergency.ID,
		Status:                res.Emergency.Status,
		NotifiedHospitalCount: res.NotifiedHospitalCount,
	})
}

func (h *Handler) GetEmergency(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetEmergency(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type escalateRequest struct {
	Limit int `json:"limit"`
}

type escalateResponse struct {
	EmergencyID           uuid.UUID `json:"emergency_id"`
	Status                Status    `json:"status"`
	NotifiedHospitalCount int       `json:"notified_hospital_count"`
}

func (h *Handler) Escalate(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req escalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Limit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must not be negative")
	}
	res, err := h.svc.Escalate(c.Request().Context(), id, req.Limit)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, escalateResponse{
		EmergencyID:           res.Emergency.ID,
		Status:                res.Emergency.Status,
		NotifiedHospitalCount: res.NotifiedHospitalCount,
	})
}

func (h *Handler) NearbyHospitals(c echo.Context) error {
	lat, err := strconv.ParseFloat(c.QueryParam("lat"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lat is required and must be a number")
	}
	lng, err := strconv.ParseFloat(c.QueryParam("lng"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lng is required and must be a number")
	}
	var radius float64
	if v := c.QueryParam("radius_km"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid radius_km")
		}
	}
	limit := defaultNearbyLimit
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	cs, err := h.svc.NearbyHospitals(c.Request().Context(), lat, lng, radius, limit)
	if err != nil {
		return mapError(err)
	}
	if cs == nil {
		cs = []Candidate{}
	}
	return c.JSON(http.StatusOK, cs)
}

// -- Hospital handlers --

func (h *Handler) Acknowledge(c echo.Context) error {
	hospitalID, err := sessionHospital(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Acknowledge(c.Request().Context(), id, hospitalID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) UpdateEmergency(c echo.Context) error {
	hospitalID, err := sessionHospital(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var upd StatusUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	e, err := h.svc.UpdateStatus(c.Request().Context(), id, hospitalID, upd)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) HospitalInbox(c echo.Context) error {
	hospitalID, err := sessionHospital(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPendingForHospital(c.Request().Context(), hospitalID)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*InboxItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) MarkViewed(c echo.Context) error {
	hospitalID, err := sessionHospital(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.MarkViewed(c.Request().Context(), id, hospitalID); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Oversight handlers --

func (h *Handler) ListEmergencies(c echo.Context) error {
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEmergencies(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*Emergency{}
	}
	resp := pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListNotifications(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListNotifications(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	if items == nil {
		items = []*EmergencyNotification{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ExportEmergencies(c echo.Context) error {
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	data, err := h.svc.ExportXLSX(c.Request().Context(), f)
	if err != nil {
		return mapError(err)
	}
	name := fmt.Sprintf("emergencies-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, xlsxContentType, data)
}

type annotateRequest struct {
	AdminNotes *string `json:"admin_notes"`
}

func (h *Handler) AnnotateEmergency(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req annotateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	e, err := h.svc.AnnotateEmergency(c.Request().Context(), id, req.AdminNotes)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- helpers --

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// sessionHospital is the hospital the caller's session is bound to. It is
// never taken from the request body.
func sessionHospital(c echo.Context) (uuid.UUID, error) {
	id, ok := auth.HospitalIDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "session is not bound to a hospital")
	}
	return id, nil
}

func listFilter(c echo.Context) (ListFilter, error) {
	var f ListFilter
	if v := c.QueryParam("status"); v != "" {
		s := Status(v)
		if !s.Valid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &s
	}
	if v := c.QueryParam("hospital_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		f.HospitalID = &id
	}
	return f, nil
}

// mapError translates service errors into HTTP errors.
func mapError(err error) error {
	var verr *ValidationError
	var cerr *ConflictError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"message": "validation failed",
			"fields":  verr.Fields,
		})
	case errors.As(err, &cerr):
		body := map[string]any{
			"message": cerr.Error(),
			"status":  cerr.Status,
		}
		if cerr.AssignedHospitalName != "" {
			body["assigned_hospital_name"] = cerr.AssignedHospitalName
		}
		return echo.NewHTTPError(http.StatusConflict, body)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrStore):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable, retry").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
