// Package mediastore stores media blobs under opaque ids in a local
// directory and serves them through expiring HMAC-signed URLs.
package mediastore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	mon = monkit.Package()

	// Error is the default mediastore errs class.
	Error = errs.Class("mediastore")
	// ErrNotFound is returned for unknown blob ids.
	ErrNotFound = errs.Class("blob not found")
)

// Store is a directory-backed blob store.
type Store struct {
	dir string
}

// NewStore opens a blob store rooted at dir, creating it when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: dir}, nil
}

// Put streams a new blob into the store and returns its opaque id.
func (store *Store) Put(ctx context.Context, data io.Reader) (id string, err error) {
	defer mon.Task()(&ctx)(&err)

	blobID, err := uuid.New()
	if err != nil {
		return "", Error.Wrap(err)
	}
	id = blobID.String()

	file, err := os.Create(filepath.Join(store.dir, id))
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(file.Name())
		}
	}()

	if _, err := io.Copy(file, data); err != nil {
		_ = file.Close()
		return "", Error.Wrap(err)
	}
	return id, Error.Wrap(file.Close())
}

// Open returns a reader over the blob and its size.
func (store *Store) Open(ctx context.Context, id string) (_ *os.File, size int64, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.safePath(id)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound.New("%s", id)
		}
		return nil, 0, Error.Wrap(err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, Error.Wrap(err)
	}
	return file, info.Size(), nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (store *Store) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.safePath(id)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// safePath rejects ids that would escape the storage directory.
func (store *Store) safePath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", Error.New("unsafe blob id %q", id)
	}
	path := filepath.Join(store.dir, id)
	if filepath.Dir(path) != filepath.Clean(store.dir) {
		return "", Error.New("unsafe blob id %q", id)
	}
	return path, nil
}
