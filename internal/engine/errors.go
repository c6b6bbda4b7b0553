package engine

import (
	"fmt"
	"net/http"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func BadRequestError(format string, args ...any) *AppError {
	return &AppError{
		Code:    "BAD_REQUEST",
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

func FieldError(field, format string, args ...any) *AppError {
	msg := fmt.Sprintf(format, args...)
	return &AppError{
		Code:    "BAD_REQUEST",
		Status:  http.StatusBadRequest,
		Message: msg,
		Details: []ErrorDetail{{Field: field, Message: msg}},
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: http.StatusUnauthorized, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: http.StatusForbidden, Message: msg}
}

func NotFoundError(api, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s record %s not found", api, id),
	}
}

func UnknownAPIError(name string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("Unknown record api: %s", name),
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: http.StatusConflict, Message: msg}
}

func InternalError() *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Status: http.StatusInternalServerError, Message: "Internal server error"}
}
