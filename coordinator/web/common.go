// Package web exposes the coordinator over HTTP and websocket.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"transcribee.dev/coordinator/coordinator/auth"
	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/mediastore"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/workers"
)

var (
	mon = monkit.Package()

	// Error is the default web errs class.
	Error = errs.Class("web")
)

// errorDetail is the error envelope of every non-2xx JSON response.
type errorDetail struct {
	Detail string `json:"detail"`
}

// serveJSON writes value as a JSON response.
func (server *Server) serveJSON(w http.ResponseWriter, status int, value interface{}) {
	body, err := json.Marshal(value)
	if err != nil {
		server.log.Error("encoding response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		server.log.Debug("writing response failed", zap.Error(err))
	}
}

// serveError maps a service error onto its HTTP status.
func (server *Server) serveError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		server.log.Error("internal server error", zap.Error(err))
	}
	server.serveJSON(w, status, errorDetail{Detail: err.Error()})
}

// serveDetail writes an error envelope with an explicit status.
func (server *Server) serveDetail(w http.ResponseWriter, status int, detail string) {
	server.serveJSON(w, status, errorDetail{Detail: detail})
}

func statusOf(err error) int {
	switch {
	case auth.ErrBadToken.Has(err),
		console.ErrUsernameTaken.Has(err):
		return http.StatusBadRequest
	case auth.ErrUnauthorized.Has(err):
		return http.StatusUnauthorized
	case auth.ErrForbidden.Has(err),
		console.ErrLoginCredentials.Has(err),
		tasks.ErrNotAttemptHolder.Has(err),
		mediastore.ErrBadSignature.Has(err):
		return http.StatusForbidden
	case console.ErrDocumentNotFound.Has(err),
		console.ErrShareTokenNotFound.Has(err),
		tasks.ErrNotFound.Has(err),
		workers.ErrNotFound.Has(err),
		mediastore.ErrNotFound.Has(err):
		return http.StatusNotFound
	case console.ErrValidation.Has(err),
		tasks.ErrInvalidProgress.Has(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON parses the request body into value.
func (server *Server) decodeJSON(w http.ResponseWriter, r *http.Request, value interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(value); err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return false
	}
	return true
}

// credentials collects the document credentials presented by a request.
func credentials(r *http.Request, allowWorker bool) console.Credentials {
	return console.Credentials{
		Authorization: r.Header.Get("Authorization"),
		ShareToken:    r.Header.Get("Share-Token"),
		AllowWorker:   allowWorker,
	}
}
