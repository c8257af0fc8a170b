package docsync

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/uuid"
)

// ErrPolicyViolation is returned when a read-only peer tries to write.
var ErrPolicyViolation = Error.New("write on read-only connection")

const writeTimeout = 10 * time.Second

// DocumentTimestamps is the subset of the document table a session needs to
// record that new content arrived.
type DocumentTimestamps interface {
	Touch(ctx context.Context, id uuid.UUID, changedAt time.Time) error
}

// Session serves one sync websocket: it replays the backlog, then relays
// between the socket and the hub until either side fails.
type Session struct {
	log     *zap.Logger
	conn    *websocket.Conn
	hub     *Hub
	updates Updates
	docs    DocumentTimestamps

	documentID uuid.UUID
	canWrite   bool

	nowFn func() time.Time
}

// NewSession creates a session for an accepted websocket connection.
func NewSession(log *zap.Logger, conn *websocket.Conn, hub *Hub, updates Updates, docs DocumentTimestamps, documentID uuid.UUID, canWrite bool) *Session {
	return &Session{
		log:        log,
		conn:       conn,
		hub:        hub,
		updates:    updates,
		docs:       docs,
		documentID: documentID,
		canWrite:   canWrite,
		nowFn:      time.Now,
	}
}

// Run drives the connection. It subscribes before replaying the backlog so
// no change can fall between the two phases; live changes already covered by
// the backlog are discarded by their update id.
func (session *Session) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	sub := session.hub.Subscribe(session.documentID)
	defer sub.Close()

	lastReplayed, err := session.sendBacklog(ctx)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// unblock the pending read when the sibling peer fails
		<-ctx.Done()
		return session.conn.Close()
	})
	group.Go(func() error {
		return session.readLoop(ctx, sub)
	})
	group.Go(func() error {
		return session.writeLoop(ctx, sub, lastReplayed)
	})

	err = group.Wait()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sendBacklog replays the persisted change log followed by one
// BACKLOG_COMPLETE frame and returns the id of the last replayed update.
func (session *Session) sendBacklog(ctx context.Context) (lastID int64, err error) {
	defer mon.Task()(&ctx)(&err)

	backlog, err := session.updates.ListByDocument(ctx, session.documentID)
	if err != nil {
		return 0, err
	}
	for _, update := range backlog {
		if err := session.write(ChangeFrame(update.Change)); err != nil {
			return 0, err
		}
		lastID = update.ID
	}
	return lastID, session.write(BacklogCompleteFrame())
}

func (session *Session) readLoop(ctx context.Context, sub *Subscriber) error {
	for {
		messageType, message, err := session.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if !session.canWrite {
			session.closeWithPolicyViolation()
			return ErrPolicyViolation
		}

		// persist before broadcasting so live order matches the log
		update, err := session.updates.Insert(ctx, session.documentID, message)
		if err != nil {
			return err
		}
		if err := session.docs.Touch(ctx, session.documentID, session.nowFn()); err != nil {
			return err
		}
		session.hub.Publish(session.documentID, Broadcast{
			UpdateID:   update.ID,
			Originator: sub.ID(),
			Change:     message,
		})
	}
}

func (session *Session) writeLoop(ctx context.Context, sub *Subscriber, lastReplayed int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Dropped():
			return Error.New("subscriber queue overflowed")
		case broadcast := <-sub.Queue():
			if broadcast.UpdateID <= lastReplayed {
				// already covered by the backlog
				continue
			}
			if err := session.write(ChangeFrame(broadcast.Change)); err != nil {
				return err
			}
		}
	}
}

func (session *Session) write(frame []byte) error {
	_ = session.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return session.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (session *Session) closeWithPolicyViolation() {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection is read-only")
	_ = session.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeTimeout))
}
