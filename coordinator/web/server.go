package web

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/docsync"
	"transcribee.dev/coordinator/coordinator/mediastore"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/workers"
)

// Config holds the web server configuration.
type Config struct {
	// Address is the host:port the server listens on.
	Address string `help:"address to listen on" default:":8000"`
}

// Services groups everything the request surface glues together.
type Services struct {
	Console   *console.Service
	Workers   *workers.Service
	Tasks     *tasks.Service
	Exports   *tasks.ExportHub
	Hub       *docsync.Hub
	Updates   docsync.Updates
	Documents console.Documents
	ApiTokens workers.ApiTokens
	Blobs     *mediastore.Store
	Signer    *mediastore.Signer
}

// Server implements the coordinator HTTP and websocket API.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server
	upgrader websocket.Upgrader

	services Services
}

// NewServer creates a server serving the API on listener.
func NewServer(log *zap.Logger, listener net.Listener, services Services) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		services: services,
		upgrader: websocket.Upgrader{
			// cross-origin access is decided by credentials, not origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	root := mux.NewRouter()
	root.HandleFunc("/", server.hello).Methods("GET")
	root.HandleFunc("/media/{file}", server.serveMedia).Methods("GET", "HEAD")

	api := root.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/config/", server.publicConfig).Methods("GET")

	users := api.PathPrefix("/users").Subrouter()
	users.HandleFunc("/create/", server.createUser).Methods("POST")
	users.HandleFunc("/login/", server.login).Methods("POST")
	users.HandleFunc("/logout/", server.logout).Methods("POST")
	users.HandleFunc("/me/", server.me).Methods("GET")
	users.HandleFunc("/change_password/", server.changePassword).Methods("POST")

	documents := api.PathPrefix("/documents").Subrouter()
	documents.HandleFunc("/", server.createDocument).Methods("POST")
	documents.HandleFunc("/", server.listDocuments).Methods("GET")
	documents.HandleFunc("/import/", server.importDocument).Methods("POST")
	documents.HandleFunc("/sync/{document_id}/", server.syncDocument).Methods("GET")
	documents.HandleFunc("/{document_id}/", server.getDocument).Methods("GET")
	documents.HandleFunc("/{document_id}/", server.patchDocument).Methods("PATCH")
	documents.HandleFunc("/{document_id}/", server.deleteDocument).Methods("DELETE")
	documents.HandleFunc("/{document_id}/tasks/", server.documentTasks).Methods("GET")
	documents.HandleFunc("/{document_id}/media_files/", server.documentMediaFiles).Methods("GET")
	documents.HandleFunc("/{document_id}/share_tokens/", server.createShareToken).Methods("POST")
	documents.HandleFunc("/{document_id}/share_tokens/", server.listShareTokens).Methods("GET")
	documents.HandleFunc("/{document_id}/share_tokens/{token_id}/", server.deleteShareToken).Methods("DELETE")
	documents.HandleFunc("/{document_id}/add_media_file/", server.addMediaFile).Methods("POST")
	documents.HandleFunc("/{document_id}/set_duration/", server.setDuration).Methods("POST")
	documents.HandleFunc("/{document_id}/export/", server.exportDocument).Methods("GET")
	documents.HandleFunc("/{document_id}/add_export_result/", server.addExportResult).Methods("POST")

	taskRoutes := api.PathPrefix("/tasks").Subrouter()
	taskRoutes.HandleFunc("/", server.createTask).Methods("POST")
	taskRoutes.HandleFunc("/", server.listTasks).Methods("GET")
	taskRoutes.HandleFunc("/claim_unassigned_task/", server.claimTask).Methods("POST")
	taskRoutes.HandleFunc("/{task_id}/keepalive/", server.keepalive).Methods("POST")
	taskRoutes.HandleFunc("/{task_id}/mark_completed/", server.markCompleted).Methods("POST")
	taskRoutes.HandleFunc("/{task_id}/mark_failed/", server.markFailed).Methods("POST")

	workerRoutes := api.PathPrefix("/worker").Subrouter()
	workerRoutes.HandleFunc("/create/", server.createWorker).Methods("POST")
	workerRoutes.HandleFunc("/deactivate/", server.deactivateWorker).Methods("POST")

	server.server.Handler = root
	return server
}

// Run starts the server and blocks until ctx is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server immediately.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Addr returns the address the server listens on.
func (server *Server) Addr() net.Addr { return server.listener.Addr() }

func (server *Server) hello(w http.ResponseWriter, r *http.Request) {
	server.serveJSON(w, http.StatusOK, map[string]string{
		"message": "🎤🐝: *taps mic* bzzp bzzp",
	})
}

// pathUUID parses a uuid path variable.
func (server *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.FromString(mux.Vars(r)[name])
	if err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid "+name)
		return uuid.UUID{}, false
	}
	return id, true
}
