package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mediahub/internal/artifacts"
	"mediahub/internal/upload"
)

// RequestError is a failure that already knows its HTTP status and kind.
type RequestError struct {
	Status  int
	Kind    string
	Message string
}

func (e RequestError) Error() string {
	return e.Message
}

// ValidationError builds a 400 response for malformed requests.
func ValidationError(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, Kind: upload.KindValidation, Message: message}
}

// ServiceUnavailableError builds a 503 response for missing collaborators.
func ServiceUnavailableError(message string) RequestError {
	return RequestError{Status: http.StatusServiceUnavailable, Kind: "unavailable", Message: message}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSON is an exported helper for writing JSON responses.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: err.Error()}})
}

// WriteError maps err to a status code and kind and writes the JSON error
// envelope. It is exported for middleware that shares the error shape.
func WriteError(w http.ResponseWriter, err error) {
	status, kind := errorStatus(err)
	if status == http.StatusInternalServerError {
		err = errors.New("internal server error")
	}
	writeError(w, status, kind, err)
}

// WriteRequestError writes an error whose status is already known.
func WriteRequestError(w http.ResponseWriter, err RequestError) {
	writeError(w, err.Status, err.Kind, err)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Errorf("method %s not allowed", r.Method))
}

func errorStatus(err error) (int, string) {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status, reqErr.Kind
	}
	switch {
	case errors.Is(err, artifacts.ErrValidation):
		return http.StatusBadRequest, upload.KindValidation
	case errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound, upload.KindNotFound
	case errors.Is(err, artifacts.ErrExpired):
		return http.StatusGone, upload.KindExpired
	}
	kind := upload.Kind(err)
	switch kind {
	case upload.KindValidation:
		return http.StatusBadRequest, kind
	case upload.KindNotFound:
		return http.StatusNotFound, kind
	case upload.KindConflict:
		return http.StatusConflict, kind
	case upload.KindExpired:
		return http.StatusGone, kind
	case upload.KindChecksumMismatch, upload.KindSizeMismatch:
		return http.StatusUnprocessableEntity, kind
	case upload.KindStorage:
		return http.StatusServiceUnavailable, kind
	default:
		return http.StatusInternalServerError, upload.KindInternal
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
