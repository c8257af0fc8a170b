package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/auth"
	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/tasks"
)

// maxMultipartMemory bounds how much of an upload is buffered in memory;
// larger bodies spill to disk.
const maxMultipartMemory = 32 << 20

// mediaFileView is the public view of a stored media file.
type mediaFileView struct {
	URL         string   `json:"url"`
	ContentType string   `json:"content_type"`
	Tags        []string `json:"tags"`
}

// documentView is the public view of a document.
type documentView struct {
	console.Document
	MediaFiles []mediaFileView `json:"media_files"`
}

// documentWithTasks adds the document's task list.
type documentWithTasks struct {
	documentView
	Tasks []tasks.Task `json:"tasks"`
}

// documentWithAccess adds the caller's effective permissions.
type documentWithAccess struct {
	documentView
	CanWrite      bool `json:"can_write"`
	HasFullAccess bool `json:"has_full_access"`
}

// documentView assembles the public view with signed media URLs.
func (server *Server) documentView(ctx context.Context, doc *console.Document) (documentView, error) {
	files, err := server.services.Console.MediaFiles(ctx, doc.ID)
	if err != nil {
		return documentView{}, err
	}
	view := documentView{Document: *doc, MediaFiles: []mediaFileView{}}
	for _, file := range files {
		view.MediaFiles = append(view.MediaFiles, mediaFileView{
			URL:         server.services.Signer.SignURL(file.File),
			ContentType: file.ContentType,
			Tags:        file.Tags,
		})
	}
	return view, nil
}

// resolveDocument authorizes the request against the document in the path and
// requires at least minLevel.
func (server *Server) resolveDocument(w http.ResponseWriter, r *http.Request, minLevel console.AuthLevel, allowWorker bool) (*console.AuthInfo, bool) {
	documentID, ok := server.pathUUID(w, r, "document_id")
	if !ok {
		return nil, false
	}
	info, err := server.services.Console.ResolveDocument(r.Context(), documentID, credentials(r, allowWorker))
	if err != nil {
		server.serveError(w, err)
		return nil, false
	}
	if info.Level < minLevel {
		server.serveError(w, auth.ErrForbidden.New("%s access required", minLevel))
		return nil, false
	}
	return info, true
}

// sniffUpload detects the content type from the upload's first bytes and
// returns a reader replaying the whole stream.
func sniffUpload(file multipart.File) (string, io.Reader, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, Error.Wrap(err)
	}
	head = head[:n]
	return http.DetectContentType(head), io.MultiReader(bytes.NewReader(head), file), nil
}

// storeUpload sniffs and stores the named multipart file.
func (server *Server) storeUpload(r *http.Request, field string) (blobID, contentType string, err error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return "", "", console.ErrValidation.New("missing file")
	}
	defer func() { _ = file.Close() }()

	contentType, data, err := sniffUpload(file)
	if err != nil {
		return "", "", err
	}
	blobID, err = server.services.Blobs.Put(r.Context(), data)
	if err != nil {
		return "", "", err
	}
	return blobID, contentType, nil
}

func (server *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	user, _, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid multipart body")
		return
	}

	name := r.FormValue("name")
	model := r.FormValue("model")
	language := r.FormValue("language")
	if !knownModel(model) {
		server.serveError(w, console.ErrValidation.New("unknown model: '%s'", model))
		return
	}
	if !knownLanguage(language) {
		server.serveError(w, console.ErrValidation.New("unknown language: '%s'", language))
		return
	}
	var numberOfSpeakers *int
	if raw := r.FormValue("number_of_speakers"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			server.serveError(w, console.ErrValidation.New("invalid number_of_speakers"))
			return
		}
		numberOfSpeakers = &parsed
	}

	blobID, contentType, err := server.storeUpload(r, "file")
	if err != nil {
		server.serveError(w, err)
		return
	}

	media := &console.MediaFile{File: blobID, ContentType: contentType, Tags: []string{"original"}}
	doc, err := server.services.Console.CreateDocument(r.Context(), user.ID, name, media,
		func(documentID uuid.UUID) ([]tasks.Task, error) {
			return server.services.Tasks.DefaultChain(documentID, model, language, numberOfSpeakers)
		})
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveDocument(w, r, doc, http.StatusOK)
}

func (server *Server) importDocument(w http.ResponseWriter, r *http.Request) {
	user, _, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid multipart body")
		return
	}

	blobID, contentType, err := server.storeUpload(r, "media_file")
	if err != nil {
		server.serveError(w, err)
		return
	}

	media := &console.MediaFile{File: blobID, ContentType: contentType, Tags: []string{"original"}}
	doc, err := server.services.Console.CreateDocument(r.Context(), user.ID, r.FormValue("name"), media,
		func(documentID uuid.UUID) ([]tasks.Task, error) {
			// imported documents already carry a transcript, only
			// re-encoding is needed
			task, err := server.services.Tasks.NewTask(documentID, tasks.TypeReencode, nil, nil)
			if err != nil {
				return nil, err
			}
			return []tasks.Task{task}, nil
		})
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveDocument(w, r, doc, http.StatusOK)
}

// serveDocument responds with the document's task-inclusive view.
func (server *Server) serveDocument(w http.ResponseWriter, r *http.Request, doc *console.Document, status int) {
	ctx := r.Context()
	view, err := server.documentView(ctx, doc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	taskList, err := server.services.Tasks.ListByDocument(ctx, doc.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, status, documentWithTasks{documentView: view, Tasks: taskList})
}

func (server *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	user, _, ok := server.requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	docs, err := server.services.Console.ListDocuments(ctx, user.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}

	views := []documentWithTasks{}
	for i := range docs {
		view, err := server.documentView(ctx, &docs[i])
		if err != nil {
			server.serveError(w, err)
			return
		}
		taskList, err := server.services.Tasks.ListByDocument(ctx, docs[i].ID)
		if err != nil {
			server.serveError(w, err)
			return
		}
		views = append(views, documentWithTasks{documentView: view, Tasks: taskList})
	}
	server.serveJSON(w, http.StatusOK, views)
}

func (server *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelReadOnly, true)
	if !ok {
		return
	}
	view, err := server.documentView(r.Context(), info.Document)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, documentWithAccess{
		documentView:  view,
		CanWrite:      info.CanWrite(),
		HasFullAccess: info.HasFullAccess(),
	})
}

func (server *Server) patchDocument(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelFull, false)
	if !ok {
		return
	}
	var req struct {
		Name *string `json:"name"`
	}
	if !server.decodeJSON(w, r, &req) {
		return
	}

	doc := info.Document
	if req.Name != nil {
		renamed, err := server.services.Console.RenameDocument(r.Context(), doc.ID, *req.Name)
		if err != nil {
			server.serveError(w, err)
			return
		}
		doc = renamed
	}
	view, err := server.documentView(r.Context(), doc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, view)
}

func (server *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelFull, false)
	if !ok {
		return
	}
	if err := server.services.Console.DeleteDocument(r.Context(), info.Document.ID); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) documentTasks(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelReadOnly, true)
	if !ok {
		return
	}
	taskList, err := server.services.Tasks.ListByDocument(r.Context(), info.Document.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, taskList)
}

func (server *Server) documentMediaFiles(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelReadOnly, true)
	if !ok {
		return
	}
	view, err := server.documentView(r.Context(), info.Document)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, view.MediaFiles)
}

func (server *Server) createShareToken(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelFull, false)
	if !ok {
		return
	}
	var req struct {
		Name       string     `json:"name"`
		ValidUntil *time.Time `json:"valid_until"`
		CanWrite   bool       `json:"can_write"`
	}
	if !server.decodeJSON(w, r, &req) {
		return
	}
	token, err := server.services.Console.CreateShareToken(r.Context(), info.Document.ID, req.Name, req.ValidUntil, req.CanWrite)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, token)
}

func (server *Server) listShareTokens(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelFull, false)
	if !ok {
		return
	}
	tokens, err := server.services.Console.ShareTokens(r.Context(), info.Document.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, tokens)
}

func (server *Server) deleteShareToken(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelFull, false)
	if !ok {
		return
	}
	tokenID, ok := server.pathUUID(w, r, "token_id")
	if !ok {
		return
	}
	if err := server.services.Console.DeleteShareToken(r.Context(), info.Document.ID, tokenID); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireReencodeHolder authenticates the worker and verifies it holds the
// document's current REENCODE attempt.
func (server *Server) requireReencodeHolder(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	documentID, ok := server.pathUUID(w, r, "document_id")
	if !ok {
		return uuid.UUID{}, false
	}
	worker, err := server.services.Console.AuthenticateWorker(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		server.serveError(w, err)
		return uuid.UUID{}, false
	}
	if _, err := server.services.Tasks.HeldTask(r.Context(), documentID, worker.ID, tasks.TypeReencode); err != nil {
		server.serveError(w, err)
		return uuid.UUID{}, false
	}
	return documentID, true
}

func (server *Server) addMediaFile(w http.ResponseWriter, r *http.Request) {
	documentID, ok := server.requireReencodeHolder(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid multipart body")
		return
	}

	blobID, contentType, err := server.storeUpload(r, "file")
	if err != nil {
		server.serveError(w, err)
		return
	}
	tags := r.MultipartForm.Value["tags"]
	if _, err := server.services.Console.AddMediaFile(r.Context(), documentID, blobID, contentType, tags); err != nil {
		server.serveError(w, err)
		return
	}

	doc, err := server.services.Console.GetDocument(r.Context(), documentID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	view, err := server.documentView(r.Context(), doc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, view)
}

func (server *Server) setDuration(w http.ResponseWriter, r *http.Request) {
	documentID, ok := server.requireReencodeHolder(w, r)
	if !ok {
		return
	}
	var req struct {
		Duration float64 `json:"duration"`
	}
	if !server.decodeJSON(w, r, &req) {
		return
	}
	doc, err := server.services.Console.SetDocumentDuration(r.Context(), documentID, req.Duration)
	if err != nil {
		server.serveError(w, err)
		return
	}
	view, err := server.documentView(r.Context(), doc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, view)
}

// exportResult is what export workers post back.
type exportResult struct {
	Result *string `json:"result"`
	Error  *string `json:"error"`
}

func (server *Server) exportDocument(w http.ResponseWriter, r *http.Request) {
	info, ok := server.resolveDocument(w, r, console.LevelReadOnly, false)
	if !ok {
		return
	}

	parameters := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			parameters[key] = values[0]
		}
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}

	task, err := server.services.Tasks.Create(r.Context(), info.Document.ID, tasks.TypeExport, encoded, nil)
	if err != nil {
		server.serveError(w, err)
		return
	}

	raw, err := server.services.Exports.Wait(r.Context(), task.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	var result exportResult
	if err := json.Unmarshal(raw, &result); err != nil || (result.Result == nil && result.Error == nil) {
		server.serveDetail(w, http.StatusInternalServerError, "malformed export result")
		return
	}
	if result.Error != nil {
		server.serveDetail(w, http.StatusInternalServerError, *result.Error)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, *result.Result); err != nil {
		server.log.Debug("writing export result failed")
	}
}

func (server *Server) addExportResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := server.resolveDocument(w, r, console.LevelWorker, true); !ok {
		return
	}

	taskID, err := uuid.FromString(r.URL.Query().Get("task_id"))
	if err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid task_id")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	var result exportResult
	if err := json.Unmarshal(body, &result); err != nil || (result.Result == nil && result.Error == nil) {
		server.serveDetail(w, http.StatusUnprocessableEntity, "invalid export result")
		return
	}
	server.services.Exports.Put(taskID, body)
	w.WriteHeader(http.StatusNoContent)
}
