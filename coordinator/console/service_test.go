package console_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/auth"
	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/tasks"
)

// fakeDB is an in-memory console.DB for service tests.
type fakeDB struct {
	users    *fakeUsers
	docs     *fakeDocuments
	taskRows []tasks.Task
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users: &fakeUsers{users: map[uuid.UUID]console.User{}},
		docs: &fakeDocuments{
			docs:   map[uuid.UUID]console.Document{},
			media:  map[uuid.UUID][]console.MediaFile{},
			shares: map[uuid.UUID][]console.ShareToken{},
		},
	}
}

func (db *fakeDB) Users() console.Users         { return db.users }
func (db *fakeDB) Documents() console.Documents { return db.docs }

func (db *fakeDB) CreateDocumentTree(ctx context.Context, doc *console.Document, media *console.MediaFile, taskList []tasks.Task) error {
	db.docs.docs[doc.ID] = *doc
	if media != nil {
		db.docs.media[media.DocumentID] = append(db.docs.media[media.DocumentID], *media)
	}
	db.taskRows = append(db.taskRows, taskList...)
	return nil
}

type fakeUsers struct {
	users  map[uuid.UUID]console.User
	tokens []console.UserToken
}

func (f *fakeUsers) Get(ctx context.Context, id uuid.UUID) (*console.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, console.Error.New("user not found")
	}
	return &user, nil
}

func (f *fakeUsers) GetByUsername(ctx context.Context, username string) (*console.User, error) {
	for _, user := range f.users {
		if user.Username == username {
			user := user
			return &user, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) Insert(ctx context.Context, user *console.User) (*console.User, error) {
	if existing, _ := f.GetByUsername(ctx, user.Username); existing != nil {
		return nil, console.ErrUsernameTaken.New("%s", user.Username)
	}
	inserted := *user
	inserted.ID = testrand.UUID()
	f.users[inserted.ID] = inserted
	return &inserted, nil
}

func (f *fakeUsers) UpdatePassword(ctx context.Context, id uuid.UUID, salt, hash []byte) error {
	user := f.users[id]
	user.PasswordSalt, user.PasswordHash = salt, hash
	f.users[id] = user
	return nil
}

func (f *fakeUsers) InsertToken(ctx context.Context, token *console.UserToken) (*console.UserToken, error) {
	inserted := *token
	inserted.ID = testrand.UUID()
	f.tokens = append(f.tokens, inserted)
	return &inserted, nil
}

func (f *fakeUsers) TokensByUser(ctx context.Context, userID uuid.UUID) ([]console.UserToken, error) {
	var tokens []console.UserToken
	for _, token := range f.tokens {
		if token.UserID == userID {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (f *fakeUsers) DeleteToken(ctx context.Context, id uuid.UUID) error {
	kept := f.tokens[:0]
	for _, token := range f.tokens {
		if token.ID != id {
			kept = append(kept, token)
		}
	}
	f.tokens = kept
	return nil
}

func (f *fakeUsers) DeleteTokensByUser(ctx context.Context, userID uuid.UUID) error {
	kept := f.tokens[:0]
	for _, token := range f.tokens {
		if token.UserID != userID {
			kept = append(kept, token)
		}
	}
	f.tokens = kept
	return nil
}

func (f *fakeUsers) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	kept := f.tokens[:0]
	for _, token := range f.tokens {
		if token.ValidUntil.Before(now) {
			count++
			continue
		}
		kept = append(kept, token)
	}
	f.tokens = kept
	return count, nil
}

type fakeDocuments struct {
	docs   map[uuid.UUID]console.Document
	media  map[uuid.UUID][]console.MediaFile
	shares map[uuid.UUID][]console.ShareToken
}

func (f *fakeDocuments) Insert(ctx context.Context, doc *console.Document) (*console.Document, error) {
	inserted := *doc
	inserted.ID = testrand.UUID()
	f.docs[inserted.ID] = inserted
	return &inserted, nil
}

func (f *fakeDocuments) Get(ctx context.Context, id uuid.UUID) (*console.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, console.ErrDocumentNotFound.New("%s", id)
	}
	return &doc, nil
}

func (f *fakeDocuments) ListByUser(ctx context.Context, userID uuid.UUID) ([]console.Document, error) {
	var list []console.Document
	for _, doc := range f.docs {
		if doc.UserID == userID {
			list = append(list, doc)
		}
	}
	return list, nil
}

func (f *fakeDocuments) UpdateName(ctx context.Context, id uuid.UUID, name string, changedAt time.Time) error {
	doc, ok := f.docs[id]
	if !ok {
		return console.ErrDocumentNotFound.New("%s", id)
	}
	doc.Name, doc.ChangedAt = name, changedAt
	f.docs[id] = doc
	return nil
}

func (f *fakeDocuments) SetDuration(ctx context.Context, id uuid.UUID, duration float64) error {
	doc, ok := f.docs[id]
	if !ok {
		return console.ErrDocumentNotFound.New("%s", id)
	}
	doc.Duration = &duration
	f.docs[id] = doc
	return nil
}

func (f *fakeDocuments) Touch(ctx context.Context, id uuid.UUID, changedAt time.Time) error {
	doc, ok := f.docs[id]
	if !ok {
		return console.ErrDocumentNotFound.New("%s", id)
	}
	doc.ChangedAt = changedAt
	f.docs[id] = doc
	return nil
}

func (f *fakeDocuments) Delete(ctx context.Context, id uuid.UUID) error {
	delete(f.docs, id)
	delete(f.media, id)
	delete(f.shares, id)
	return nil
}

func (f *fakeDocuments) InsertMediaFile(ctx context.Context, file *console.MediaFile) (*console.MediaFile, error) {
	inserted := *file
	inserted.ID = testrand.UUID()
	f.media[inserted.DocumentID] = append(f.media[inserted.DocumentID], inserted)
	return &inserted, nil
}

func (f *fakeDocuments) MediaFiles(ctx context.Context, documentID uuid.UUID) ([]console.MediaFile, error) {
	return f.media[documentID], nil
}

func (f *fakeDocuments) InsertShareToken(ctx context.Context, token *console.ShareToken) (*console.ShareToken, error) {
	inserted := *token
	inserted.ID = testrand.UUID()
	f.shares[inserted.DocumentID] = append(f.shares[inserted.DocumentID], inserted)
	return &inserted, nil
}

func (f *fakeDocuments) ShareTokens(ctx context.Context, documentID uuid.UUID) ([]console.ShareToken, error) {
	return f.shares[documentID], nil
}

func (f *fakeDocuments) DeleteShareToken(ctx context.Context, documentID, tokenID uuid.UUID) error {
	kept := f.shares[documentID][:0]
	deleted := false
	for _, token := range f.shares[documentID] {
		if token.ID == tokenID {
			deleted = true
			continue
		}
		kept = append(kept, token)
	}
	f.shares[documentID] = kept
	if !deleted {
		return console.ErrShareTokenNotFound.New("%s", tokenID)
	}
	return nil
}

type fakeBlobs struct {
	deleted []string
}

func (f *fakeBlobs) Delete(ctx context.Context, file string) error {
	f.deleted = append(f.deleted, file)
	return nil
}

func newService(t *testing.T) (*console.Service, *fakeDB, *fakeBlobs) {
	db := newFakeDB()
	blobs := &fakeBlobs{}
	service := console.NewService(zaptest.NewLogger(t), db, nil, nil, blobs, console.Config{})
	return service, db, blobs
}

func TestCreateUserValidation(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	_, err := service.CreateUser(ctx, console.CreateUser{Username: "", Password: "hunter22"})
	require.True(t, console.ErrValidation.Has(err))

	_, err = service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "short"})
	require.True(t, console.ErrValidation.Has(err))

	user, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)

	_, err = service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.True(t, console.ErrUsernameTaken.Has(err))
}

func TestLoginAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	created, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)

	_, err = service.Login(ctx, "alice", "wrong-password")
	require.True(t, console.ErrLoginCredentials.Has(err))
	_, err = service.Login(ctx, "nobody", "hunter22")
	require.True(t, console.ErrLoginCredentials.Has(err))

	wire, err := service.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	user, token, err := service.AuthenticateUser(ctx, auth.SchemeToken+" "+wire)
	require.NoError(t, err)
	require.Equal(t, created.ID, user.ID)
	require.Equal(t, created.ID, token.UserID)

	// wrong scheme
	_, _, err = service.AuthenticateUser(ctx, auth.SchemeWorker+" "+wire)
	require.True(t, auth.ErrUnauthorized.Has(err))

	// malformed token
	_, _, err = service.AuthenticateUser(ctx, auth.SchemeToken+" not-base64!")
	require.True(t, auth.ErrBadToken.Has(err))
}

func TestAuthenticateExpiredToken(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	_, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	wire, err := service.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	service.TestSetNow(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	_, _, err = service.AuthenticateUser(ctx, auth.SchemeToken+" "+wire)
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestChangePasswordInvalidatesTokens(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	_, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	wire, err := service.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	user, _, err := service.AuthenticateUser(ctx, auth.SchemeToken+" "+wire)
	require.NoError(t, err)

	err = service.ChangePassword(ctx, user, console.ChangePassword{
		OldPassword: "wrong", NewPassword: "correct-horse",
	})
	require.True(t, console.ErrLoginCredentials.Has(err))

	err = service.ChangePassword(ctx, user, console.ChangePassword{
		OldPassword: "hunter22", NewPassword: "short",
	})
	require.True(t, console.ErrValidation.Has(err))

	err = service.ChangePassword(ctx, user, console.ChangePassword{
		OldPassword: "hunter22", NewPassword: "correct-horse",
	})
	require.NoError(t, err)

	// the old session is gone
	_, _, err = service.AuthenticateUser(ctx, auth.SchemeToken+" "+wire)
	require.True(t, auth.ErrUnauthorized.Has(err))

	// the new password logs in
	_, err = service.Login(ctx, "alice", "correct-horse")
	require.NoError(t, err)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	_, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	wire, err := service.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	_, token, err := service.AuthenticateUser(ctx, auth.SchemeToken+" "+wire)
	require.NoError(t, err)
	require.NoError(t, service.Logout(ctx, token))

	_, _, err = service.AuthenticateUser(ctx, auth.SchemeToken+" "+wire)
	require.True(t, auth.ErrUnauthorized.Has(err))
}

func TestDeleteDocumentRemovesBlobs(t *testing.T) {
	ctx := context.Background()
	service, _, blobs := newService(t)

	user, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	doc, err := service.CreateDocument(ctx, user.ID, "d1", nil, nil)
	require.NoError(t, err)
	_, err = service.AddMediaFile(ctx, doc.ID, "blob-1", "audio/mpeg", []string{"original"})
	require.NoError(t, err)

	require.NoError(t, service.DeleteDocument(ctx, doc.ID))
	require.Equal(t, []string{"blob-1"}, blobs.deleted)

	_, err = service.GetDocument(ctx, doc.ID)
	require.True(t, console.ErrDocumentNotFound.Has(err))
}

func TestCreateDocumentSingleInsert(t *testing.T) {
	ctx := context.Background()
	service, db, _ := newService(t)

	user, err := service.CreateUser(ctx, console.CreateUser{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)

	media := &console.MediaFile{File: "blob-1", ContentType: "audio/mpeg", Tags: []string{"original"}}
	doc, err := service.CreateDocument(ctx, user.ID, "d1", media, func(documentID uuid.UUID) ([]tasks.Task, error) {
		return []tasks.Task{{
			ID:         testrand.UUID(),
			DocumentID: documentID,
			Type:       tasks.TypeReencode,
			State:      tasks.StateNew,
		}}, nil
	})
	require.NoError(t, err)

	files, err := service.MediaFiles(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, doc.ID, files[0].DocumentID)
	require.Equal(t, []string{"original"}, files[0].Tags)

	require.Len(t, db.taskRows, 1)
	require.Equal(t, doc.ID, db.taskRows[0].DocumentID)

	// a failing task build must not publish a partial document
	_, err = service.CreateDocument(ctx, user.ID, "d2", nil, func(documentID uuid.UUID) ([]tasks.Task, error) {
		return nil, tasks.Error.New("marshal failed")
	})
	require.Error(t, err)

	docs, err := service.ListDocuments(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, doc.ID, docs[0].ID)
}
