package web

import (
	"net/http"

	"transcribee.dev/coordinator/coordinator/console"
)

// usernameResponse is the public view of an account.
type usernameResponse struct {
	Username string `json:"username"`
}

// requireUser authenticates the request's Authorization header as a user.
func (server *Server) requireUser(w http.ResponseWriter, r *http.Request) (*console.User, *console.UserToken, bool) {
	user, token, err := server.services.Console.AuthenticateUser(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		server.serveError(w, err)
		return nil, nil, false
	}
	return user, token, true
}

func (server *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req console.CreateUser
	if !server.decodeJSON(w, r, &req) {
		return
	}
	user, err := server.services.Console.CreateUser(r.Context(), req)
	if console.ErrUsernameTaken.Has(err) {
		server.serveDetail(w, http.StatusBadRequest, "A user with this username already exists.")
		return
	}
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, usernameResponse{Username: user.Username})
}

func (server *Server) login(w http.ResponseWriter, r *http.Request) {
	var req console.CreateUser
	if !server.decodeJSON(w, r, &req) {
		return
	}
	token, err := server.services.Console.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (server *Server) logout(w http.ResponseWriter, r *http.Request) {
	_, token, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	if err := server.services.Console.Logout(r.Context(), token); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) me(w http.ResponseWriter, r *http.Request) {
	user, _, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	server.serveJSON(w, http.StatusOK, usernameResponse{Username: user.Username})
}

func (server *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	user, _, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	var req console.ChangePassword
	if !server.decodeJSON(w, r, &req) {
		return
	}
	if err := server.services.Console.ChangePassword(r.Context(), user, req); err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, usernameResponse{Username: user.Username})
}
