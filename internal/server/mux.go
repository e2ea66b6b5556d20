// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the sharedrop
// service. Authentication happens at the edge gateway, which forwards the
// caller's identity in X-User-Id (and X-Admin for operators); this service
// trusts those headers and enforces ownership and admin checks on top.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharedrop/sharedrop-go/internal/download"
	errordefs "github.com/sharedrop/sharedrop-go/internal/errors"
	"github.com/sharedrop/sharedrop-go/internal/files"
	"github.com/sharedrop/sharedrop-go/internal/ingest"
	"github.com/sharedrop/sharedrop-go/internal/ledger"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
type ContextKey string

const (
	ContextKeyUserID        ContextKey = "userId"        // Caller identity from the gateway
	ContextKeyAdmin         ContextKey = "admin"         // Whether the caller is an operator
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Default limits for list operations
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Mux handles HTTP requests for the sharedrop service.
type Mux struct {
	mux     *http.ServeMux
	store   storage.Store
	ingest  *ingest.Service
	gate    *download.Gatekeeper
	ledger  *ledger.Ledger
	files   *files.Service
	metrics *metrics.Metrics
}

// NewMux creates the HTTP mux with all sharedrop endpoints.
func NewMux(store storage.Store, ingestSvc *ingest.Service, gate *download.Gatekeeper, ledgerSvc *ledger.Ledger, filesSvc *files.Service) *http.ServeMux {
	m := &Mux{
		mux:     http.NewServeMux(),
		store:   store,
		ingest:  ingestSvc,
		gate:    gate,
		ledger:  ledgerSvc,
		files:   filesSvc,
		metrics: metrics.NewMetrics(),
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Upload pipeline
	m.mux.HandleFunc("/v1/uploads/initiate", m.method("POST", m.withMiddleware(m.handleInitiateUpload)))
	m.mux.HandleFunc("/v1/uploads/complete", m.method("POST", m.withMiddleware(m.handleCompleteUpload)))
	m.mux.HandleFunc("/v1/uploads/remote", m.method("POST", m.withMiddleware(m.handleRemoteImport)))

	// File surface
	m.mux.HandleFunc("/v1/files/", m.withMiddleware(m.handleFiles))

	// Download gate and ledger
	m.mux.HandleFunc("/v1/download/", m.withMiddleware(m.handleDownload))
	m.mux.HandleFunc("/v1/download-complete", m.method("POST", m.withMiddleware(m.handleCompleteDownload)))

	// User ledger view
	m.mux.HandleFunc("/v1/me/files", m.method("GET", m.withMiddleware(m.handleListMyFiles)))
	m.mux.HandleFunc("/v1/me/stats", m.method("GET", m.withMiddleware(m.handleMyStats)))

	// Payouts
	m.mux.HandleFunc("/v1/payouts", m.withMiddleware(m.handlePayouts))

	// Admin surface
	m.mux.HandleFunc("/v1/admin/payouts/", m.withMiddleware(m.requireAdmin(m.handleAdminPayout)))
	m.mux.HandleFunc("/v1/admin/files/", m.withMiddleware(m.requireAdmin(m.handleAdminFile)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies correlation ID propagation, identity extraction,
// request logging, and request metrics to handlers.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)

		// Gateway-provided identity
		userID := r.Header.Get("X-User-Id")
		ctx = context.WithValue(ctx, ContextKeyUserID, userID)
		ctx = context.WithValue(ctx, ContextKeyAdmin, r.Header.Get("X-Admin") == "true")
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID)
	}
}

// requireAdmin rejects callers without the operator flag.
func (m *Mux) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin, _ := r.Context().Value(ContextKeyAdmin).(bool); !admin {
			m.writeErrorDef(w, errordefs.New(errordefs.SD_FORBIDDEN, "admin access required", m.correlationID(r.Context())))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// correlationID pulls the request's correlation ID out of its context.
func (m *Mux) correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// userID pulls the caller identity out of the request context.
func (m *Mux) userID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyUserID).(string)
	return id
}

// clientIP derives the caller address, honoring the gateway's X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the sharedrop error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}
	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// writeServiceError maps a service-layer error onto the wire, stamping the
// request's correlation ID into it.
func (m *Mux) writeServiceError(w http.ResponseWriter, ctx context.Context, err error) {
	correlationID := m.correlationID(ctx)
	var errorDef *errordefs.Error
	if errors.As(err, &errorDef) {
		errorDef.CorrelationID = correlationID
		m.writeErrorDef(w, errorDef)
		return
	}
	m.writeErrorDef(w, errordefs.New(errordefs.SD_INTERNAL, "internal error", correlationID))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if userID, ok := r.Context().Value(ContextKeyUserID).(string); ok && userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if status >= 500 {
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A not-found on a probe key still proves the database is reachable
	_, err := m.store.GetUser(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ensureUser creates the caller's ledger record on first contact. The auth
// gateway owns accounts; this service only needs a row to hang counters on.
func (m *Mux) ensureUser(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if _, err := m.store.GetUser(ctx, userID); err == nil || !errors.Is(err, storage.ErrNotFound) {
		return
	}
	user := model.User{ID: userID, CreatedAt: time.Now().UTC()}
	if err := m.store.CreateUser(ctx, user); err != nil && !errors.Is(err, storage.ErrConflict) {
		slog.Warn("failed to create user record", "userId", userID, "error", err)
	}
}

// handleInitiateUpload handles POST /v1/uploads/initiate
func (m *Mux) handleInitiateUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleInitiateUpload")
	defer span.End()
	defer r.Body.Close()

	var req model.InitiateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
		return
	}
	req.UserID = m.userID(ctx)
	m.ensureUser(ctx, req.UserID)

	span.SetAttributes(
		attribute.String("filename", req.Filename),
		attribute.String("contentType", req.ContentType),
		attribute.Int64("declaredSize", req.DeclaredSize),
	)

	result, err := m.ingest.InitiateUpload(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "initiate upload failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handleCompleteUpload handles POST /v1/uploads/complete
func (m *Mux) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleCompleteUpload")
	defer span.End()
	defer r.Body.Close()

	var req struct {
		FileID string `json:"fileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
		return
	}
	if req.FileID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "fileId is required", m.correlationID(ctx)))
		return
	}
	span.SetAttributes(attribute.String("fileId", req.FileID))

	result, err := m.ingest.CompleteUpload(ctx, req.FileID, m.userID(ctx))
	if err != nil {
		span.SetStatus(codes.Error, "complete upload failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handleRemoteImport handles POST /v1/uploads/remote
func (m *Mux) handleRemoteImport(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleRemoteImport")
	defer span.End()
	defer r.Body.Close()

	var req model.RemoteImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
		return
	}
	req.UserID = m.userID(ctx)
	m.ensureUser(ctx, req.UserID)

	result, err := m.ingest.InitiateRemoteImport(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "remote import failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, result)
}

// handleFiles dispatches /v1/files/{publicId} and /v1/files/{publicId}/report.
func (m *Mux) handleFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rest := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	if rest == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "file identifier is required", m.correlationID(ctx)))
		return
	}

	if publicID, ok := strings.CutSuffix(rest, "/report"); ok {
		if r.Method != http.MethodPost {
			m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
			return
		}
		m.handleReportFile(w, r, publicID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		m.handleGetFile(w, r, rest)
	case http.MethodDelete:
		m.handleDeleteFile(w, r, rest)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
	}
}

// handleGetFile handles GET /v1/files/{publicId}
func (m *Mux) handleGetFile(w http.ResponseWriter, r *http.Request, publicID string) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleGetFile")
	defer span.End()
	span.SetAttributes(attribute.String("publicId", publicID))

	details, err := m.files.GetByPublicID(ctx, publicID)
	if err != nil {
		span.SetStatus(codes.Error, "get file failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, details)
}

// handleDeleteFile handles DELETE /v1/files/{fileId}
func (m *Mux) handleDeleteFile(w http.ResponseWriter, r *http.Request, fileID string) {
	ctx := r.Context()
	admin, _ := ctx.Value(ContextKeyAdmin).(bool)
	if err := m.files.Delete(ctx, fileID, m.userID(ctx), admin); err != nil {
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleReportFile handles POST /v1/files/{publicId}/report
func (m *Mux) handleReportFile(w http.ResponseWriter, r *http.Request, publicID string) {
	ctx := r.Context()
	defer r.Body.Close()

	var req struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
		return
	}

	report, err := m.files.Report(ctx, publicID, clientIP(r), req.Reason, req.Details)
	if err != nil {
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, report)
}

// handleDownload dispatches /v1/download/{publicId}/info and
// /v1/download/{publicId}/link.
func (m *Mux) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rest := strings.TrimPrefix(r.URL.Path, "/v1/download/")

	if publicID, ok := strings.CutSuffix(rest, "/info"); ok && publicID != "" {
		if r.Method != http.MethodGet {
			m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
			return
		}
		m.handleDownloadInfo(w, r, publicID)
		return
	}
	if publicID, ok := strings.CutSuffix(rest, "/link"); ok && publicID != "" {
		if r.Method != http.MethodPost {
			m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
			return
		}
		m.handleDownloadLink(w, r, publicID)
		return
	}
	m.writeErrorDef(w, errordefs.New(errordefs.SD_NOT_FOUND, "unknown download operation", m.correlationID(ctx)))
}

// handleDownloadInfo handles GET /v1/download/{publicId}/info
func (m *Mux) handleDownloadInfo(w http.ResponseWriter, r *http.Request, publicID string) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleDownloadInfo")
	defer span.End()
	span.SetAttributes(attribute.String("publicId", publicID))

	info, err := m.gate.GetDownloadInfo(ctx, publicID, m.userID(ctx))
	if err != nil {
		span.SetStatus(codes.Error, "download info failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, info)
}

// handleDownloadLink handles POST /v1/download/{publicId}/link
func (m *Mux) handleDownloadLink(w http.ResponseWriter, r *http.Request, publicID string) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleDownloadLink")
	defer span.End()
	span.SetAttributes(attribute.String("publicId", publicID))

	grant, err := m.gate.GenerateDownloadLink(ctx, publicID, m.userID(ctx), clientIP(r), r.UserAgent())
	if err != nil {
		span.SetStatus(codes.Error, "download link failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, grant)
}

// handleCompleteDownload handles POST /v1/download-complete
func (m *Mux) handleCompleteDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sharedrop").Start(r.Context(), "handleCompleteDownload")
	defer span.End()
	defer r.Body.Close()

	var req struct {
		GrantToken  string `json:"grantToken"`
		BytesServed int64  `json:"bytesServed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
		return
	}
	if req.GrantToken == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "grantToken is required", m.correlationID(ctx)))
		return
	}

	result, err := m.ledger.ReportCompletion(ctx, req.GrantToken, req.BytesServed)
	if err != nil {
		span.SetStatus(codes.Error, "completion report failed")
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handleListMyFiles handles GET /v1/me/files
func (m *Mux) handleListMyFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := m.userID(ctx)
	if userID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_FORBIDDEN, "authentication required", m.correlationID(ctx)))
		return
	}

	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	limit := DefaultListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
	}

	result, err := m.files.ListUserFiles(ctx, userID, page, limit)
	if err != nil {
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handleMyStats handles GET /v1/me/stats
func (m *Mux) handleMyStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := m.userID(ctx)
	if userID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_FORBIDDEN, "authentication required", m.correlationID(ctx)))
		return
	}
	m.ensureUser(ctx, userID)

	stats, err := m.ledger.GetUserStats(ctx, userID)
	if err != nil {
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}

// handlePayouts handles GET and POST /v1/payouts
func (m *Mux) handlePayouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := m.userID(ctx)
	if userID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_FORBIDDEN, "authentication required", m.correlationID(ctx)))
		return
	}

	switch r.Method {
	case http.MethodGet:
		payouts, err := m.ledger.ListPayouts(ctx, userID)
		if err != nil {
			m.writeServiceError(w, ctx, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, payouts)
	case http.MethodPost:
		defer r.Body.Close()
		var req struct {
			AmountCents int64  `json:"amountCents"`
			Method      string `json:"method"`
			Destination string `json:"destination"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
			return
		}
		payout, err := m.ledger.RequestPayout(ctx, userID, req.AmountCents, req.Method, req.Destination)
		if err != nil {
			m.writeServiceError(w, ctx, err)
			return
		}
		m.writeSuccess(w, http.StatusCreated, payout)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
	}
}

// handleAdminPayout handles POST /v1/admin/payouts/{id}/{approve|reject|paid}
func (m *Mux) handleAdminPayout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/payouts/")
	payoutID, action, ok := strings.Cut(rest, "/")
	if !ok || payoutID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "payout id and action are required", m.correlationID(ctx)))
		return
	}

	defer r.Body.Close()
	var req struct {
		Notes string `json:"notes"`
	}
	// The body is optional for admin actions
	_ = json.NewDecoder(r.Body).Decode(&req)

	var payout *model.Payout
	var err error
	switch action {
	case "approve":
		payout, err = m.ledger.ApprovePayout(ctx, payoutID, req.Notes)
	case "reject":
		payout, err = m.ledger.RejectPayout(ctx, payoutID, req.Notes)
	case "paid":
		payout, err = m.ledger.MarkPayoutPaid(ctx, payoutID, req.Notes)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "unknown payout action", m.correlationID(ctx)))
		return
	}
	if err != nil {
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, payout)
}

// handleAdminFile handles POST /v1/admin/files/{id}/takedown
func (m *Mux) handleAdminFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_BAD_REQUEST, "method not allowed", m.correlationID(ctx)))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/files/")
	fileID, action, ok := strings.Cut(rest, "/")
	if !ok || fileID == "" || action != "takedown" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "file id and takedown action are required", m.correlationID(ctx)))
		return
	}

	defer r.Body.Close()
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "invalid JSON", m.correlationID(ctx)))
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SD_VALIDATION, "reason is required", m.correlationID(ctx)))
		return
	}

	if err := m.files.TakeDown(ctx, fileID, req.Reason); err != nil {
		m.writeServiceError(w, ctx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]bool{"takenDown": true})
}
