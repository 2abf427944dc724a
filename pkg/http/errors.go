package http

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Machine-readable error codes carried in ErrorResponse.Error
const (
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeInternal           = "internal_error"
	CodeServiceUnavailable = "service_unavailable"
)

var codeStatus = map[string]int{
	CodeBadRequest:         http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeInternal:           http.StatusInternalServerError,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for an error code, 500 for unknown codes
func StatusFor(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every non-2xx response that is not a registration decision
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// WriteJSON writes v as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse, deriving the status from code
func WriteError(w http.ResponseWriter, code, message string) {
	WriteJSON(w, StatusFor(code), ErrorResponse{Error: code, Message: message})
}

// WriteValidationError writes a 400 naming the offending field
func WriteValidationError(w http.ResponseWriter, field, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   CodeBadRequest,
		Message: message,
		Field:   field,
	})
}

// SetRetryAfter sets the Retry-After header, rounding up to whole seconds
func SetRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, CodeBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, CodeUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, CodeForbidden, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, CodeNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, CodeConflict, message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, CodeInternal, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, CodeServiceUnavailable, message)
}

// WriteTooManyRequests writes a 429, with Retry-After when retryAfter is positive
func WriteTooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) {
	SetRetryAfter(w, retryAfter)
	WriteError(w, CodeRateLimited, message)
}
