// Package handler exposes the submission tracker over HTTP. It decodes
// requests, calls the tracker and maps its typed errors to status codes;
// it carries no lifecycle logic of its own.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ossgateway/internal/registry"
	"ossgateway/internal/submission/models"
	"ossgateway/internal/submission/payload"
	"ossgateway/internal/submission/service"
	dErrors "ossgateway/pkg/domain-errors"
	"ossgateway/pkg/platform/httputil"
	"ossgateway/pkg/requestcontext"
)

// Service is the tracker surface the handler needs.
type Service interface {
	Submit(ctx context.Context, sourceID string, raw payload.Raw) (*models.Record, error)
	Refresh(ctx context.Context, trackingID string) (*service.RefreshResult, error)
	GetBySourceID(ctx context.Context, sourceID string) (*models.Record, error)
	List(ctx context.Context, filter models.ListFilter) (models.ListResult, error)
	HealthStatus() service.Health
	ProbeRegistry(ctx context.Context) registry.HealthReport
}

// Handler serves /api/registry.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/registry", func(r chi.Router) {
		r.Post("/submit", h.handleSubmit)
		r.Get("/status/{trackingId}", h.handleStatus)
		r.Get("/source/{sourceId}", h.handleSource)
		r.Get("/list", h.handleList)
		r.Get("/health", h.handleHealth)
	})
}

// SubmitRequest is the inbound submit body.
type SubmitRequest struct {
	SourceID        string      `json:"sourceId"`
	ApplicationData payload.Raw `json:"applicationData"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeJSON[SubmitRequest](w, r, h.logger)
	if !ok {
		return
	}
	if req.SourceID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "sourceId is required"))
		return
	}
	if len(req.ApplicationData) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "applicationData is required"))
		return
	}

	record, err := h.svc.Submit(ctx, req.SourceID, req.ApplicationData)
	if err != nil {
		h.writeError(w, r, err, record)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, SubmissionEnvelope{Submission: toResponse(record)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Refresh(r.Context(), chi.URLParam(r, "trackingId"))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	body := SubmissionEnvelope{Submission: toResponse(res.Record)}
	if res.Stale {
		body.Warning = "Unable to confirm with the registry (" + res.Reason + "), returning cached data"
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) handleSource(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.GetBySourceID(r.Context(), chi.URLParam(r, "sourceId"))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SubmissionEnvelope{Submission: toResponse(record)})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	resp := ListResponse{
		Data: make([]SubmissionResponse, 0, len(result.Records)),
		Pagination: Pagination{
			Total:      result.Total,
			Page:       result.Page,
			Limit:      result.Limit,
			TotalPages: result.Pages(),
		},
	}
	for _, rec := range result.Records {
		resp.Data = append(resp.Data, toResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func parseListFilter(r *http.Request) (models.ListFilter, error) {
	q := r.URL.Query()
	var filter models.ListFilter
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, dErrors.New(dErrors.CodeBadRequest, "page must be a positive integer")
		}
		filter.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer")
		}
		filter.Limit = n
	}
	if v := q.Get("state"); v != "" {
		state, err := models.ParseState(strings.ToUpper(v))
		if err != nil {
			return filter, dErrors.New(dErrors.CodeBadRequest, err.Error())
		}
		filter.State = state
	}
	return filter, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probe := h.svc.ProbeRegistry(ctx)
	health := h.svc.HealthStatus()

	resp := HealthResponse{
		Registry: RegistryHealth{
			Reachable: probe.Reachable,
			LatencyMS: probe.Latency.Milliseconds(),
			Error:     probe.Error,
		},
		CircuitBreaker: BreakerHealth{
			Open:                health.BreakerOpen,
			ConsecutiveFailures: health.ConsecutiveFailures,
			Threshold:           health.Threshold,
		},
		Gateway: GatewayHealth{Status: "OK", Timestamp: requestcontext.Now(ctx).UTC()},
	}
	if !health.LastFailureAt.IsZero() {
		last := health.LastFailureAt.UTC()
		resp.CircuitBreaker.LastFailureAt = &last
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// writeError maps tracker failures onto the error envelope. record is the
// record the tracker returned alongside the error, if any.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, record *models.Record) {
	ctx := r.Context()
	var (
		validation *registry.ValidationError
		exhausted  *registry.ExhaustedError
		regErr     *registry.RegistryError
	)

	if dup, ok := models.AsDuplicate(err); ok {
		httputil.WriteErrorWithDetails(w,
			dErrors.Wrap(err, dErrors.CodeConflict, "application already submitted to the registry"),
			toResponse(dup.Existing))
		return
	}

	switch {
	case errors.As(err, &validation):
		httputil.WriteErrorWithDetails(w,
			dErrors.Wrap(err, dErrors.CodeInvalidInput, "validation failed"),
			validationDetails(validation, record))
	case errors.Is(err, registry.ErrCircuitOpen):
		httputil.WriteErrorWithDetails(w,
			dErrors.Wrap(err, dErrors.CodeUnavailable, "registry temporarily unavailable, try again later"),
			recordDetails(record))
	case errors.As(err, &exhausted):
		httputil.WriteErrorWithDetails(w,
			dErrors.Wrap(err, dErrors.CodeBadGateway, fmt.Sprintf("registry did not respond after %d attempts", exhausted.Attempts)),
			recordDetails(record))
	case errors.Is(err, models.ErrNotTracked):
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "submission not found"))
	case errors.As(err, &regErr):
		h.logger.WarnContext(ctx, "registry request failed",
			"request_id", requestcontext.RequestID(ctx),
			"category", string(regErr.Category),
			"error", err,
		)
		httputil.WriteErrorWithDetails(w,
			dErrors.Wrap(err, dErrors.CodeBadGateway, "registry request failed"),
			recordDetails(record))
	default:
		h.logger.ErrorContext(ctx, "submission request failed",
			"request_id", requestcontext.RequestID(ctx),
			"path", r.URL.Path,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "internal error"))
	}
}

// SubmissionResponse is the public view of a record. The NIK is masked.
type SubmissionResponse struct {
	ID               string       `json:"id"`
	SourceID         string       `json:"sourceId"`
	TrackingID       string       `json:"trackingId,omitempty"`
	RegistryID       string       `json:"registryId,omitempty"`
	State            models.State `json:"state"`
	ErrorDetail      string       `json:"errorDetail,omitempty"`
	RetryCount       int          `json:"retryCount"`
	ApplicantName    string       `json:"applicantName,omitempty"`
	ApplicantNIK     string       `json:"applicantNik,omitempty"`
	BusinessName     string       `json:"businessName,omitempty"`
	RegistryResponse any          `json:"registryResponse,omitempty"`
	SubmittedAt      *time.Time   `json:"submittedAt,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

type SubmissionEnvelope struct {
	Submission SubmissionResponse `json:"submission"`
	Warning    string             `json:"warning,omitempty"`
}

type ValidationDetails struct {
	Errors     []string            `json:"errors"`
	Fields     map[string]string   `json:"fields,omitempty"`
	Submission *SubmissionResponse `json:"submission,omitempty"`
}

type ListResponse struct {
	Data       []SubmissionResponse `json:"data"`
	Pagination Pagination           `json:"pagination"`
}

type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type HealthResponse struct {
	Registry       RegistryHealth `json:"registry"`
	CircuitBreaker BreakerHealth  `json:"circuitBreaker"`
	Gateway        GatewayHealth  `json:"gateway"`
}

type RegistryHealth struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type BreakerHealth struct {
	Open                bool       `json:"open"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	Threshold           int        `json:"threshold"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
}

type GatewayHealth struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func validationDetails(ve *registry.ValidationError, record *models.Record) ValidationDetails {
	details := ValidationDetails{Errors: ve.Errors, Fields: ve.Fields}
	if record != nil {
		resp := toResponse(record)
		details.Submission = &resp
	}
	return details
}

func toResponse(r *models.Record) SubmissionResponse {
	resp := SubmissionResponse{
		ID:            r.ID.String(),
		SourceID:      r.SourceID,
		TrackingID:    r.TrackingID,
		RegistryID:    r.RegistryID,
		State:         r.State,
		ErrorDetail:   r.ErrorDetail,
		RetryCount:    r.RetryCount,
		ApplicantName: r.ApplicantName,
		ApplicantNIK:  maskNIK(r.ApplicantNIK),
		BusinessName:  r.BusinessName,
		SubmittedAt:   r.SubmittedAt,
		CompletedAt:   r.CompletedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.CachedResponse) > 0 {
		resp.RegistryResponse = r.CachedResponse
	}
	return resp
}

// recordDetails is the error detail payload for a record, or nil.
func recordDetails(r *models.Record) any {
	if r == nil {
		return nil
	}
	return toResponse(r)
}
