// Package apperr defines the stable error taxonomy shared by the API and the
// provider layer. Codes are documented and never change meaning; clients key
// off them, not off message text. Raw upstream bodies and stack data are never
// attached to an Error that reaches a client.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, documented error code.
type Code string

const (
	CodeInternal      Code = "E1000"
	CodeValidation    Code = "E1001"
	CodeNotFound      Code = "E1002"
	CodeRateLimited   Code = "E1005"
	CodeQuotaExceeded Code = "E2010"

	CodeProviderUnavailable Code = "E4000"
	CodeProviderError       Code = "E4001"
	CodeModelNotFound       Code = "E4002"
	CodeProviderBadResponse Code = "E4004"
	CodeProviderAuth        Code = "E4005"
)

// Error is the application error carried across layer boundaries.
type Error struct {
	Code    Code
	Message string
	// Status is the HTTP status the web layer should use when the error is
	// raised before a response body has started.
	Status  int
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// As extracts an *Error from err, if one is present in its chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// From returns err as an *Error, folding anything unrecognized into an
// internal error that exposes no detail from the original.
func From(err error) *Error {
	if ae, ok := As(err); ok {
		return ae
	}
	return Internal("An unexpected error occurred")
}

func Internal(message string) *Error {
	return &Error{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError}
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Status: http.StatusBadRequest}
}

func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

func QuotaExceeded(message string, details map[string]any) *Error {
	return &Error{Code: CodeQuotaExceeded, Message: message, Status: http.StatusTooManyRequests, Details: details}
}

func RateLimited(details map[string]any) *Error {
	return &Error{Code: CodeRateLimited, Message: "Rate limit exceeded", Status: http.StatusTooManyRequests, Details: details}
}

func ProviderUnavailable(details map[string]any) *Error {
	return &Error{Code: CodeProviderUnavailable, Message: "Provider unavailable", Status: http.StatusServiceUnavailable, Details: details}
}

func ProviderErr(details map[string]any) *Error {
	return &Error{Code: CodeProviderError, Message: "Provider error", Status: http.StatusBadGateway, Details: details}
}

func ModelNotFound(details map[string]any) *Error {
	return &Error{Code: CodeModelNotFound, Message: "Model not found", Status: http.StatusNotFound, Details: details}
}

func ProviderBadResponse(details map[string]any) *Error {
	return &Error{Code: CodeProviderBadResponse, Message: "Provider returned invalid response", Status: http.StatusBadGateway, Details: details}
}

func ProviderAuth(status int, details map[string]any) *Error {
	return &Error{Code: CodeProviderAuth, Message: "Provider authentication failed", Status: status, Details: details}
}

type jsonError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type jsonErrorBody struct {
	Error jsonError `json:"error"`
}

// WriteJSON writes err as a structured JSON error response. Unrecognized
// errors become an opaque internal error.
func WriteJSON(w http.ResponseWriter, err error, requestID string) {
	ae := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	body := jsonErrorBody{Error: jsonError{Code: ae.Code, Message: ae.Message, RequestID: requestID}}
	_ = json.NewEncoder(w).Encode(body)
}
