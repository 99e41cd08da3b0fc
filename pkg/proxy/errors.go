package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAPI            = "api_error"

	codeInvalidAPIKey   = "invalid_api_key"
	codeRouteNotFound   = "route_not_found"
	codeInternal        = "internal_error"
	codeRequestTooLarge = "request_too_large"
)

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends an OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]apiErrorBody{
		"error": {Message: message, Type: errType, Code: code},
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, errTypeAPI, codeInternal, err.Error())
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, errTypeInvalidRequest, codeRouteNotFound,
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

// recoverJSON turns handler panics into the internal error envelope.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic serving request", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
			writeError(w, http.StatusInternalServerError, errTypeAPI, codeInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
