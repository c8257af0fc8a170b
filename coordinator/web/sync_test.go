package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/console"
)

type syncStubDocuments struct {
	console.Documents
	doc console.Document
}

func (s syncStubDocuments) Get(ctx context.Context, id uuid.UUID) (*console.Document, error) {
	if id == s.doc.ID {
		doc := s.doc
		return &doc, nil
	}
	return nil, console.ErrDocumentNotFound.New("%s", id)
}

func (s syncStubDocuments) ShareTokens(ctx context.Context, documentID uuid.UUID) ([]console.ShareToken, error) {
	return nil, nil
}

type syncStubStore struct {
	console.DB
	docs syncStubDocuments
}

func (s syncStubStore) Documents() console.Documents { return s.docs }

// A dial that cannot be authorized is rejected with a plain HTTP status
// before any websocket upgrade happens.
func TestSyncDocumentRejectsBeforeUpgrade(t *testing.T) {
	doc := console.Document{ID: testrand.UUID(), UserID: testrand.UUID(), Name: "d1"}
	store := syncStubStore{docs: syncStubDocuments{doc: doc}}
	consoleService := console.NewService(zaptest.NewLogger(t), store, nil, nil, nil, console.Config{})

	server := NewServer(zaptest.NewLogger(t), nil, Services{Console: consoleService})

	get := func(target string) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		server.server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
		return recorder
	}

	// no credentials at all
	recorder := get("/api/v1/documents/sync/" + doc.ID.String() + "/")
	require.Equal(t, http.StatusForbidden, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	require.Empty(t, recorder.Header().Get("Upgrade"))

	// unknown document
	recorder = get("/api/v1/documents/sync/" + testrand.UUID().String() + "/")
	require.Equal(t, http.StatusNotFound, recorder.Code)

	// share token that grants nothing
	recorder = get("/api/v1/documents/sync/" + doc.ID.String() + "/?share_token=bogus")
	require.Equal(t, http.StatusForbidden, recorder.Code)
}
