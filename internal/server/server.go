package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"mangoscan/internal/app"
	"mangoscan/internal/classifierclient"
	"mangoscan/internal/upload"
	"mangoscan/internal/usertoken"
	"mangoscan/internal/util"
	"mangoscan/pkg/domain"
	"mangoscan/pkg/store"
)

const (
	defaultServiceName = "mangoscan-backend"
	// multipartOverhead is allowed on top of the image limit for boundaries and headers.
	multipartOverhead = 1 << 20
	multipartMemory   = 32 << 20
	readinessTimeout  = 2 * time.Second
	imageFormField    = "image"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	ServiceName    string
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes the analysis API over HTTP.
type Server struct {
	app            *app.App
	service        string
	trusted        *util.TrustedProxies
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = defaultServiceName
	}
	s := &Server{
		app:            cfg.App,
		service:        service,
		trusted:        cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(s.service, s.trusted, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.Handle("/api/analyze", s.authenticated(s.handleAnalyze))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.service})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "service": s.service})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": s.service})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.Identity)

// authenticated verifies the bearer credential before the request body is touched.
func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		identity, err := s.app.Authenticate(bearerToken(r))
		if err != nil {
			s.audit(r, "analysis.authorize", "fail", "reason", authReason(err))
			s.writeStageError(w, r, err)
			return
		}
		s.audit(r, "analysis.authorize", "success", "user_id", identity.Subject)
		next(w, r, identity)
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r, identity)
	case http.MethodGet:
		s.handleList(w, r, identity)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.writeStageError(w, r, err)
		return
	}
	record, err := s.app.SubmitAs(r.Context(), identity, img)
	if err != nil {
		s.writeStageError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("analysis stored",
		"analysis_id", record.ID,
		"user_id", record.UserID,
		"diagnosis", record.Diagnosis,
		"model_version", record.ModelVersion,
	)
	writeJSON(w, http.StatusCreated, record.Summary())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	records, err := s.app.ListFor(r.Context(), identity)
	if err != nil {
		s.writeStageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(records), Data: records})
}

// readImage decodes the "image" part. A missing part yields a nil image so
// the upload guard reports it; malformed or oversized bodies fail here.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (*domain.UploadedImage, error) {
	limit := s.app.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, formError(err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(imageFormField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, formError(err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, formError(err)
	}
	return &domain.UploadedImage{
		Data:        data,
		ContentType: partContentType(header),
		Filename:    header.Filename,
	}, nil
}

func partContentType(header *multipart.FileHeader) string {
	return strings.TrimSpace(header.Header.Get("Content-Type"))
}

var errInvalidUploadForm = errors.New("invalid upload form")

func formError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return validationError(upload.ErrPayloadTooLarge)
	case errors.Is(err, http.ErrNotMultipart):
		return validationError(upload.ErrMissingFile)
	default:
		return validationError(errors.Join(errInvalidUploadForm, err))
	}
}

func validationError(err error) error {
	return &app.StageError{Stage: app.StageValidate, Kind: app.KindValidation, Err: err}
}

type listResponse struct {
	Count int                     `json:"count"`
	Data  []domain.AnalysisRecord `json:"data"`
}

// writeStageError maps a pipeline failure onto status, code and a safe message.
// Internal detail only goes to the log.
func (s *Server) writeStageError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := describeError(err)
	logger := util.LoggerFromContext(r.Context())
	attrs := []any{"status", status, "code", code, "err", err}
	var stageErr *app.StageError
	if errors.As(err, &stageErr) {
		attrs = append(attrs, "stage", stageErr.Stage)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("analysis request failed", attrs...)
	} else {
		logger.Warn("analysis request rejected", attrs...)
	}
	writeError(w, status, code, msg)
}

func describeError(err error) (int, string, string) {
	switch app.KindOf(err) {
	case app.KindAuth:
		switch {
		case errors.Is(err, usertoken.ErrMissingCredential):
			return http.StatusUnauthorized, codeMissingToken, "authentication required"
		case errors.Is(err, usertoken.ErrExpiredCredential):
			return http.StatusUnauthorized, codeTokenExpired, "token expired"
		case errors.Is(err, usertoken.ErrRevokedCredential):
			return http.StatusUnauthorized, codeTokenRevoked, "token revoked"
		default:
			return http.StatusUnauthorized, codeInvalidToken, "invalid token"
		}
	case app.KindValidation:
		switch {
		case errors.Is(err, upload.ErrMissingFile):
			return http.StatusBadRequest, codeFileRequired, "image file is required (field: image)"
		case errors.Is(err, upload.ErrUnsupportedMediaType):
			return http.StatusBadRequest, codeUnsupportedMedia, "only image files are allowed"
		case errors.Is(err, upload.ErrPayloadTooLarge):
			return http.StatusBadRequest, codeFileTooLarge, "image file too large"
		default:
			return http.StatusBadRequest, codeInvalidUploadForm, "invalid form data"
		}
	case app.KindUpstream:
		if errors.Is(err, classifierclient.ErrUpstreamUnavailable) {
			return http.StatusBadGateway, codeUpstreamFailed, "classification service unavailable"
		}
		return http.StatusBadGateway, codeUpstreamFailed, "classification service failed"
	case app.KindPersistence:
		if errors.Is(err, store.ErrPersistence) {
			return http.StatusInternalServerError, codeInternal, "failed to store analysis"
		}
		return http.StatusInternalServerError, codeInternal, "internal error"
	default:
		return http.StatusInternalServerError, codeInternal, "internal error"
	}
}

func authReason(err error) string {
	switch {
	case errors.Is(err, usertoken.ErrMissingCredential):
		return "missing_token"
	case errors.Is(err, usertoken.ErrExpiredCredential):
		return "expired"
	case errors.Is(err, usertoken.ErrRevokedCredential):
		return "revoked"
	default:
		return "invalid_signature_or_claims"
	}
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) < len("Bearer ") || !strings.EqualFold(authHeader[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[len("Bearer "):])
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
