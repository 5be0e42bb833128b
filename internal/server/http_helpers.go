package server

import (
	"net/http"

	"mediahub/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, kind, message string) {
	api.WriteRequestError(w, api.RequestError{Status: status, Kind: kind, Message: message})
}
