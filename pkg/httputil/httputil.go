package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/medflow/stockflow-backend/pkg/errors"
)

// Response is a standard API response
type Response struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Warnings []Warning   `json:"warnings,omitempty"`
	Meta     *Meta       `json:"meta,omitempty"`
}

// ErrorBody represents an error in the response
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Warning is a non-fatal condition attached to a successful response
type Warning struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Meta contains pagination and other metadata
type Meta struct {
	Total   int64 `json:"total,omitempty"`
	Version int64 `json:"version,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	write(w, statusCode, Response{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
	})
}

// JSONWithMeta sends a JSON response with metadata
func JSONWithMeta(w http.ResponseWriter, statusCode int, data interface{}, meta *Meta) {
	write(w, statusCode, Response{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
		Meta:    meta,
	})
}

// JSONWithWarnings sends a successful response carrying warnings
func JSONWithWarnings(w http.ResponseWriter, statusCode int, data interface{}, warnings []Warning) {
	write(w, statusCode, Response{
		Success:  statusCode >= 200 && statusCode < 300,
		Data:     data,
		Warnings: warnings,
	})
}

// Error sends an error response. Anything that is not an AppError is reported
// as an internal error without leaking its text.
func Error(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		write(w, appErr.StatusCode, Response{
			Error: &ErrorBody{
				Code:    appErr.Code,
				Message: appErr.Message,
				Details: appErr.Details,
			},
		})
		return
	}

	write(w, http.StatusInternalServerError, Response{
		Error: &ErrorBody{
			Code:    "INTERNAL_ERROR",
			Message: "an unexpected error occurred",
		},
	})
}

// ErrorWithData sends an error response that also carries a data payload,
// e.g. a per-entry rejection report
func ErrorWithData(w http.ResponseWriter, err error, data interface{}) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		Error(w, err)
		return
	}

	write(w, appErr.StatusCode, Response{
		Data: data,
		Error: &ErrorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

func write(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// NoContent sends a 204 No Content response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Created sends a 201 Created response
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// DecodeJSON decodes the request body into the provided struct
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.BadRequest("invalid JSON body")
	}
	return nil
}

// WarningFrom converts an AppError into a response warning. Other errors
// become a generic warning without their text.
func WarningFrom(err error) Warning {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return Warning{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}
	return Warning{Code: "WARNING", Message: "request completed with a warning"}
}
