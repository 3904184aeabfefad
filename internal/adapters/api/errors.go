package api

import (
	"errors"
	"fmt"
	"net/http"

	"geneatlas/internal/admission"
	"geneatlas/internal/cache"
	"geneatlas/internal/cursor"
	"geneatlas/internal/diff"
	"geneatlas/internal/store"
)

// Code is a machine-readable API error code.
type Code string

const (
	CodeInvalidQueryParameter   Code = "InvalidQueryParameter"
	CodeMissingDatasetDimension Code = "MissingDatasetDimension"
	CodeInvalidCursor           Code = "InvalidCursor"
	CodeDatasetNotFound         Code = "DatasetNotFound"
	CodeQueryRejectedByPolicy   Code = "QueryRejectedByPolicy"
	CodeNotReady                Code = "NotReady"
	CodeNotFound                Code = "NotFound"
	CodeMethodNotAllowed        Code = "MethodNotAllowed"
	CodeInternal                Code = "Internal"
)

// Error is an API failure with its HTTP status.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details map[string]any

	retryAfter int
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(status int, code Code, message string, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{Status: status, Code: code, Message: message, Details: details}
}

func invalidParam(name, value, message string) *Error {
	details := map[string]any{"parameter": name}
	if value != "" {
		details["value"] = value
	}
	return newError(http.StatusBadRequest, CodeInvalidQueryParameter, message, details)
}

// storeStatus maps store error codes to API responses.
var storeStatus = map[store.ErrorCode]struct {
	status int
	code   Code
}{
	store.CodeNotFound:    {http.StatusNotFound, CodeQueryRejectedByPolicy},
	store.CodeValidation:  {http.StatusBadRequest, CodeInvalidQueryParameter},
	store.CodeConflict:    {http.StatusConflict, CodeQueryRejectedByPolicy},
	store.CodeNetwork:     {http.StatusServiceUnavailable, CodeNotReady},
	store.CodeIO:          {http.StatusInternalServerError, CodeInternal},
	store.CodeCachedOnly:  {http.StatusServiceUnavailable, CodeNotReady},
	store.CodeUnsupported: {http.StatusNotImplemented, CodeQueryRejectedByPolicy},
	store.CodeInternal:    {http.StatusInternalServerError, CodeInternal},
}

// fromError classifies any error returned below the HTTP layer.
func fromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if rej, ok := admission.AsRejection(err); ok {
		e := newError(rej.Status, CodeQueryRejectedByPolicy, rej.Message, rej.Details)
		if rej.RetryAfter > 0 {
			e.retryAfter = rej.RetryAfterSeconds()
		}
		return e
	}
	var ce *cursor.Error
	if errors.As(err, &ce) {
		return newError(http.StatusBadRequest, CodeInvalidCursor, "invalid cursor", map[string]any{
			"reason":  ce.ReasonCode(),
			"message": ce.Error(),
		})
	}
	var ie *diff.IndexError
	if errors.As(err, &ie) {
		return newError(http.StatusServiceUnavailable, CodeNotReady, ie.Side+" index unavailable", map[string]any{
			"message": ie.Err.Error(),
		})
	}
	if errors.Is(err, cache.ErrNotReady) {
		return newError(http.StatusServiceUnavailable, CodeNotReady, "dataset not ready", map[string]any{"message": err.Error()})
	}
	var se *store.Error
	if errors.As(err, &se) {
		m := storeStatus[se.Code]
		if m.status == 0 {
			m = storeStatus[store.CodeInternal]
		}
		return newError(m.status, m.code, se.Message, map[string]any{"store_code": string(se.Code)})
	}
	return newError(http.StatusInternalServerError, CodeInternal, "internal error", nil)
}
