package labresult

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labresults/internal/platform/auth"
	"github.com/ehr/labresults/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the lab API on api. submitMW wraps batch
// submission only (idempotency replay).
func (h *Handler) RegisterRoutes(api *echo.Group, submitMW ...echo.MiddlewareFunc) {
	clinical := []string{auth.RoleLabTech, auth.RolePhysician}

	// Submission – admin, lab_tech, physician
	submit := api.Group("", auth.RequireRole(clinical...))
	submit.POST("/lab-batches", h.SubmitBatch, submitMW...)

	// Read endpoints – any authenticated role
	read := api.Group("", auth.RequireAuthenticated())
	read.GET("/lab-reports", h.ListReports)
	read.GET("/lab-reports/:id", h.GetReport)
	read.GET("/test-mappings", h.ListMappings)
	read.GET("/test-mappings/:localId", h.GetMapping)
	read.GET("/reference-ranges", h.ListRanges)

	// Directory administration – admin only
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/test-mappings", h.UpsertMapping)
	admin.POST("/reference-ranges", h.CreateRange)
	admin.PUT("/reference-ranges/:code", h.ReplaceRanges)
}

// -- Batches --

func (h *Handler) SubmitBatch(c echo.Context) error {
	var batch Batch
	if err := c.Bind(&batch); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	if dry, _ := strconv.ParseBool(c.QueryParam("dry_run")); dry {
		out, err := h.svc.EvaluateBatch(ctx, &batch)
		if err != nil {
			return batchError(err)
		}
		if !out.Accepted() {
			return c.JSON(http.StatusUnprocessableEntity, out)
		}
		return c.JSON(http.StatusOK, out)
	}

	rid, _ := c.Get("request_id").(string)
	meta := BatchMetadata{
		SubmittedBy: auth.UserIDFromContext(ctx),
		RequestID:   rid,
	}
	out, err := h.svc.SubmitBatch(ctx, &batch, meta)
	if err != nil {
		return batchError(err)
	}
	if !out.Accepted() {
		return c.JSON(http.StatusUnprocessableEntity, out)
	}
	return c.JSON(http.StatusCreated, out)
}

func batchError(err error) error {
	if errors.Is(err, ErrInvalidBatch) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if se, ok := AsSinkError(err); ok {
		return echo.NewHTTPError(http.StatusBadGateway,
			fmt.Sprintf("result sink failed at %s", se.Step)).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// -- Reports --

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	report, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrReportNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "lab report not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)

	var patientID *uuid.UUID
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = &pid
	}

	reports, total, err := h.svc.ListReports(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(reports, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

// -- Test mappings --

func (h *Handler) UpsertMapping(c echo.Context) error {
	rec, err := decodeRecord(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.UpsertMapping(c.Request().Context(), rec)
	if err != nil {
		return recordError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) GetMapping(c echo.Context) error {
	m, err := h.svc.GetMapping(c.Request().Context(), c.Param("localId"))
	if err != nil {
		if errors.Is(err, ErrMappingNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "test mapping not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMappings(c echo.Context) error {
	pg := pagination.FromContext(c)
	mappings, total, err := h.svc.ListMappings(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(mappings, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

// -- Reference ranges --

func (h *Handler) ListRanges(c echo.Context) error {
	ranges, err := h.svc.ListRanges(c.Request().Context(), c.QueryParam("code"))
	if err != nil {
		return recordError(err)
	}
	if ranges == nil {
		ranges = []*ReferenceRange{}
	}
	return c.JSON(http.StatusOK, ranges)
}

func (h *Handler) CreateRange(c echo.Context) error {
	rec, err := decodeRecord(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.CreateRange(c.Request().Context(), rec)
	if err != nil {
		return recordError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ReplaceRanges(c echo.Context) error {
	var recs []Record
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&recs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON array of range records")
	}
	ranges, err := h.svc.ReplaceRanges(c.Request().Context(), c.Param("code"), recs)
	if err != nil {
		return recordError(err)
	}
	return c.JSON(http.StatusOK, ranges)
}

func decodeRecord(body io.Reader) (Record, error) {
	var rec Record
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	if rec == nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return rec, nil
}

func recordError(err error) error {
	if errors.Is(err, ErrInvalidRecord) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
