package web

import (
	"net/http"

	"go.uber.org/zap"

	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/docsync"
)

// syncDocument authorizes the caller, upgrades the connection and hands it
// to a sync session. Browsers cannot set headers on websockets, so the
// credentials arrive as query parameters; authorization is resolved before
// the upgrade so a rejected dial gets a plain HTTP error instead of an
// accepted socket that immediately closes.
func (server *Server) syncDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := server.pathUUID(w, r, "document_id")
	if !ok {
		return
	}

	query := r.URL.Query()
	info, err := server.services.Console.ResolveDocument(r.Context(), documentID, console.Credentials{
		Authorization: query.Get("authorization"),
		ShareToken:    query.Get("share_token"),
		AllowWorker:   true,
	})
	if err != nil {
		server.serveError(w, err)
		return
	}

	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	session := docsync.NewSession(server.log.Named("sync"),
		conn, server.services.Hub, server.services.Updates, server.services.Documents,
		documentID, info.CanWrite())
	if err := session.Run(r.Context()); err != nil {
		server.log.Debug("sync session ended", zap.Stringer("document", documentID), zap.Error(err))
	}
}
