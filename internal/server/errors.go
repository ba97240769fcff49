package server

import (
	"net/http"
	"strings"
)

const (
	codeMissingToken      = "AUTH_MISSING_TOKEN"
	codeInvalidToken      = "AUTH_INVALID_TOKEN"
	codeTokenExpired      = "AUTH_TOKEN_EXPIRED"
	codeTokenRevoked      = "AUTH_TOKEN_REVOKED"
	codeFileRequired      = "ANALYSIS_FILE_REQUIRED"
	codeUnsupportedMedia  = "ANALYSIS_UNSUPPORTED_MEDIA_TYPE"
	codeFileTooLarge      = "ANALYSIS_FILE_TOO_LARGE"
	codeInvalidUploadForm = "ANALYSIS_INVALID_UPLOAD_FORM"
	codeUpstreamFailed    = "ANALYSIS_UPSTREAM_FAILED"
	codeInternal          = "SYSTEM_INTERNAL_ERROR"
	codeMethodNotAllowed  = "SYSTEM_METHOD_NOT_ALLOWED"
	codeNotFound          = "SYSTEM_NOT_FOUND"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
