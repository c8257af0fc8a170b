package web

import (
	"net/http"

	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/auth"
)

// requireApiToken authorizes worker management requests against the admin
// tokens provisioned in the database. The bearer arrives in the Api-Token
// header, scheme-less.
func (server *Server) requireApiToken(w http.ResponseWriter, r *http.Request) bool {
	presented := r.Header.Get("Api-Token")
	if presented == "" {
		server.serveError(w, auth.ErrUnauthorized.New("missing api token"))
		return false
	}
	tokens, err := server.services.ApiTokens.List(r.Context())
	if err != nil {
		server.serveError(w, err)
		return false
	}
	for _, token := range tokens {
		if auth.ConstantTimeEquals(token.Token, presented) {
			return true
		}
	}
	server.serveError(w, auth.ErrUnauthorized.New("unknown api token"))
	return false
}

func (server *Server) createWorker(w http.ResponseWriter, r *http.Request) {
	if !server.requireApiToken(w, r) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !server.decodeJSON(w, r, &req) {
		return
	}
	worker, err := server.services.Workers.Create(r.Context(), req.Name)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, worker)
}

func (server *Server) deactivateWorker(w http.ResponseWriter, r *http.Request) {
	if !server.requireApiToken(w, r) {
		return
	}
	var req struct {
		ID uuid.UUID `json:"id"`
	}
	if !server.decodeJSON(w, r, &req) {
		return
	}
	if err := server.services.Workers.Deactivate(r.Context(), req.ID); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
