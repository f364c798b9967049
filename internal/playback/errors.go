package playback

import (
	"encoding/json"
	"net/http"
)

// ErrorCode represents standardized API error codes
type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodePrepareFailed    ErrorCode = "PREPARE_FAILED"
	ErrCodeIO               ErrorCode = "IO_ERROR"
	ErrCodeInternalServer   ErrorCode = "INTERNAL_SERVER_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   ErrorDetail `json:"error"`
	Request RequestInfo `json:"request,omitempty"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// RequestInfo contains request context for debugging
type RequestInfo struct {
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// APIError is an error with the HTTP status it maps to.
type APIError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string, statusCode int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// BadRequest creates a 400 Bad Request error
func BadRequest(message string) *APIError {
	return NewAPIError(ErrCodeBadRequest, message, http.StatusBadRequest)
}

// NotFound creates a 404 Not Found error
func NotFound(resource string) *APIError {
	return NewAPIError(ErrCodeNotFound, resource+" not found", http.StatusNotFound)
}

// MethodNotAllowed creates a 405 error
func MethodNotAllowed(method string) *APIError {
	return NewAPIError(ErrCodeMethodNotAllowed, "method "+method+" not allowed", http.StatusMethodNotAllowed)
}

// PrepareFailed creates a 502 error for a stream that could not be prepared
func PrepareFailed(message string) *APIError {
	return NewAPIError(ErrCodePrepareFailed, message, http.StatusBadGateway)
}

// IOFailure creates a 500 error for a backing file that could not be read
func IOFailure(message string) *APIError {
	return NewAPIError(ErrCodeIO, message, http.StatusInternalServerError)
}

// InternalServerError creates a 500 Internal Server Error
func InternalServerError(message string) *APIError {
	return NewAPIError(ErrCodeInternalServer, message, http.StatusInternalServerError)
}

// WriteError writes an API error response
func WriteError(w http.ResponseWriter, r *http.Request, err *APIError) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:    err.Code,
			Message: err.Message,
		},
		Request: RequestInfo{
			Method:    r.Method,
			Path:      r.URL.Path,
			RequestID: GetRequestID(r),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(response)
}

// SuccessResponse represents a standardized success response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta contains response metadata
type Meta struct {
	TotalItems int `json:"total_items"`
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}
