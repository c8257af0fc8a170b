package web

import (
	"encoding/json"
	"io"
	"net/http"

	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/workers"
)

// claimedTaskView is the claim response: the task plus the document the
// worker will operate on, with signed media URLs.
type claimedTaskView struct {
	tasks.Task
	Document documentView `json:"document"`
}

// requireWorker authenticates the request's Authorization header as a worker.
func (server *Server) requireWorker(w http.ResponseWriter, r *http.Request) (*workers.Worker, bool) {
	worker, err := server.services.Console.AuthenticateWorker(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		server.serveError(w, err)
		return nil, false
	}
	return worker, true
}

func (server *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID uuid.UUID       `json:"document_id"`
		Type       tasks.Type      `json:"task_type"`
		Parameters json.RawMessage `json:"task_parameters"`
	}
	if !server.decodeJSON(w, r, &req) {
		return
	}

	info, err := server.services.Console.ResolveDocument(r.Context(), req.DocumentID, credentials(r, false))
	if err != nil {
		server.serveError(w, err)
		return
	}
	if !info.HasFullAccess() {
		server.serveError(w, console.ErrDocumentNotFound.New("%s", req.DocumentID))
		return
	}

	task, err := server.services.Tasks.Create(r.Context(), req.DocumentID, req.Type, req.Parameters, nil)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, task)
}

func (server *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	user, _, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	list, err := server.services.Tasks.ListByUser(r.Context(), user.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, list)
}

func (server *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	worker, ok := server.requireWorker(w, r)
	if !ok {
		return
	}

	var types []tasks.Type
	for _, value := range r.URL.Query()["task_type"] {
		types = append(types, tasks.Type(value))
	}

	task, err := server.services.Tasks.Claim(r.Context(), worker.ID, types)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if task == nil {
		server.serveJSON(w, http.StatusOK, nil)
		return
	}

	doc, err := server.services.Console.GetDocument(r.Context(), task.DocumentID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	view, err := server.documentView(r.Context(), doc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, claimedTaskView{Task: *task, Document: view})
}

func (server *Server) keepalive(w http.ResponseWriter, r *http.Request) {
	worker, ok := server.requireWorker(w, r)
	if !ok {
		return
	}
	taskID, ok := server.pathUUID(w, r, "task_id")
	if !ok {
		return
	}

	var req struct {
		Progress *float64 `json:"progress"`
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			server.serveDetail(w, http.StatusUnprocessableEntity, "invalid request body")
			return
		}
	}

	if err := server.services.Tasks.Keepalive(r.Context(), taskID, worker.ID, req.Progress); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) markCompleted(w http.ResponseWriter, r *http.Request) {
	server.finishTask(w, r, true)
}

func (server *Server) markFailed(w http.ResponseWriter, r *http.Request) {
	server.finishTask(w, r, false)
}

func (server *Server) finishTask(w http.ResponseWriter, r *http.Request, successful bool) {
	worker, ok := server.requireWorker(w, r)
	if !ok {
		return
	}
	taskID, ok := server.pathUUID(w, r, "task_id")
	if !ok {
		return
	}

	extraData, err := io.ReadAll(r.Body)
	if err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if len(extraData) > 0 && !json.Valid(extraData) {
		server.serveDetail(w, http.StatusUnprocessableEntity, "extra_data must be JSON")
		return
	}

	if successful {
		err = server.services.Tasks.MarkCompleted(r.Context(), taskID, worker.ID, extraData)
	} else {
		err = server.services.Tasks.MarkFailed(r.Context(), taskID, worker.ID, extraData)
	}
	if err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
