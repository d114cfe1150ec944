package server

import (
	"encoding/json"
	"net/http"
)

// APIError is the structured error body every failing endpoint returns.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes for common scenarios.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeDenied         = "DENIED"
	ErrCodeDependency     = "DEPENDENCY_FAILURE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, APIError{Error: message, Code: code})
}
