// Package docsync implements the realtime document sync fan-out: an
// append-only log of opaque change records streamed to every subscriber of a
// document, with new changes broadcast under an auth-gated write policy.
package docsync

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	mon = monkit.Package()

	// Error is the default docsync errs class.
	Error = errs.Class("docsync")
)

// Updates exposes methods to manage the append-only document change log.
//
// architecture: Database
type Updates interface {
	// Insert appends a change record. The assigned id establishes the
	// document's total order.
	Insert(ctx context.Context, documentID uuid.UUID, change []byte) (*Update, error)
	// ListByDocument returns all change records of a document in insertion
	// order.
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Update, error)
}

// Update is one opaque change record of a document.
type Update struct {
	// ID is assigned by the database and totally orders the updates of a
	// document.
	ID         int64
	DocumentID uuid.UUID
	Change     []byte
}
