package console

import (
	"context"
	"strings"

	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/auth"
)

// AuthLevel is the highest privilege a caller proved toward a document.
type AuthLevel int

// Auth levels, lowest to highest.
const (
	LevelNone      AuthLevel = 0
	LevelReadOnly  AuthLevel = 1
	LevelReadWrite AuthLevel = 2
	LevelWorker    AuthLevel = 3
	LevelFull      AuthLevel = 4
)

// String returns the level name.
func (level AuthLevel) String() string {
	switch level {
	case LevelReadOnly:
		return "READ_ONLY"
	case LevelReadWrite:
		return "READ_WRITE"
	case LevelWorker:
		return "WORKER"
	case LevelFull:
		return "FULL"
	default:
		return "NONE"
	}
}

// Credentials carries everything a request presented toward a document.
type Credentials struct {
	// Authorization is the raw Authorization header or query value.
	Authorization string
	// ShareToken is the raw Share-Token header or query value.
	ShareToken string
	// AllowWorker enables the WORKER level for endpoints that accept it.
	AllowWorker bool
}

// AuthInfo is the outcome of resolving credentials against a document.
type AuthInfo struct {
	Document *Document
	Level    AuthLevel
}

// CanWrite reports whether the caller may mutate document content.
func (info *AuthInfo) CanWrite() bool { return info.Level >= LevelReadWrite }

// HasFullAccess reports whether the caller owns the document.
func (info *AuthInfo) HasFullAccess() bool { return info.Level >= LevelFull }

// ResolveDocument loads the document and computes the effective auth level as
// the maximum of whatever each presented credential proves. It fails with
// ErrDocumentNotFound for unknown documents and auth.ErrForbidden when no
// credential grants access.
func (s *Service) ResolveDocument(ctx context.Context, documentID uuid.UUID, creds Credentials) (_ *AuthInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	doc, err := s.store.Documents().Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	level := LevelNone

	if creds.Authorization != "" {
		if l, err := s.userLevel(ctx, doc, creds.Authorization); err == nil && l > level {
			level = l
		} else if auth.ErrBadToken.Has(err) {
			// malformed tokens are a client bug, not a privilege miss
			return nil, err
		}

		if creds.AllowWorker {
			if l, err := s.workerLevel(ctx, doc, creds.Authorization); err == nil && l > level {
				level = l
			}
		}
	}

	if creds.ShareToken != "" {
		if l, err := s.shareLevel(ctx, doc, creds.ShareToken); err == nil && l > level {
			level = l
		}
	}

	if level == LevelNone {
		return nil, auth.ErrForbidden.New("no credential grants access")
	}
	return &AuthInfo{Document: doc, Level: level}, nil
}

func (s *Service) userLevel(ctx context.Context, doc *Document, header string) (AuthLevel, error) {
	if !strings.HasPrefix(header, auth.SchemeToken+" ") {
		return LevelNone, auth.ErrUnauthorized.New("not a user token")
	}
	user, _, err := s.AuthenticateUser(ctx, header)
	if err != nil {
		return LevelNone, err
	}
	if user.ID != doc.UserID {
		return LevelNone, auth.ErrForbidden.New("not the owner")
	}
	return LevelFull, nil
}

func (s *Service) workerLevel(ctx context.Context, doc *Document, header string) (AuthLevel, error) {
	if !strings.HasPrefix(header, auth.SchemeWorker+" ") {
		return LevelNone, auth.ErrUnauthorized.New("not a worker token")
	}
	worker, err := s.AuthenticateWorker(ctx, header)
	if err != nil {
		return LevelNone, err
	}
	holds, err := s.tasks.HoldsAttemptOn(ctx, worker.ID, doc.ID)
	if err != nil {
		return LevelNone, Error.Wrap(err)
	}
	if !holds {
		return LevelNone, auth.ErrForbidden.New("worker holds no attempt on this document")
	}
	return LevelWorker, nil
}

func (s *Service) shareLevel(ctx context.Context, doc *Document, secret string) (AuthLevel, error) {
	tokens, err := s.store.Documents().ShareTokens(ctx, doc.ID)
	if err != nil {
		return LevelNone, Error.Wrap(err)
	}
	now := s.nowFn()
	for i := range tokens {
		token := &tokens[i]
		if !token.Valid(now) {
			continue
		}
		if auth.ConstantTimeEquals(token.Token, secret) {
			if token.CanWrite {
				return LevelReadWrite, nil
			}
			return LevelReadOnly, nil
		}
	}
	return LevelNone, auth.ErrUnauthorized.New("unknown share token")
}
