package docsync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/docsync"
)

type memUpdates struct {
	mu     sync.Mutex
	nextID int64
	rows   []docsync.Update
}

func (m *memUpdates) Insert(ctx context.Context, documentID uuid.UUID, change []byte) (*docsync.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	update := docsync.Update{
		ID:         m.nextID,
		DocumentID: documentID,
		Change:     append([]byte(nil), change...),
	}
	m.rows = append(m.rows, update)
	return &update, nil
}

func (m *memUpdates) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]docsync.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []docsync.Update
	for _, update := range m.rows {
		if update.DocumentID == documentID {
			list = append(list, update)
		}
	}
	return list, nil
}

func (m *memUpdates) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memTimestamps struct {
	mu      sync.Mutex
	touched []uuid.UUID
}

func (m *memTimestamps) Touch(ctx context.Context, id uuid.UUID, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}

func (m *memTimestamps) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.touched)
}

// dialSession runs one sync session behind an httptest server and returns a
// connected client side.
func dialSession(t *testing.T, hub *docsync.Hub, updates docsync.Updates, docs docsync.DocumentTimestamps, documentID uuid.UUID, canWrite bool) *websocket.Conn {
	log := zaptest.NewLogger(t)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		session := docsync.NewSession(log, conn, hub, updates, docs, documentID, canWrite)
		_ = session.Run(r.Context())
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) docsync.Frame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	frames, err := docsync.DecodeFrames(message)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	return frames[0]
}

func TestSessionBacklogThenLive(t *testing.T) {
	ctx := context.Background()
	documentID := testrand.UUID()
	updates := &memUpdates{}
	_, err := updates.Insert(ctx, documentID, []byte("alpha"))
	require.NoError(t, err)
	second, err := updates.Insert(ctx, documentID, []byte("beta"))
	require.NoError(t, err)

	hub := docsync.NewHub(zaptest.NewLogger(t))
	conn := dialSession(t, hub, updates, &memTimestamps{}, documentID, true)

	// the full change log replays in insertion order
	frame := readFrame(t, conn)
	require.Equal(t, docsync.TagChange, frame.Tag)
	require.Equal(t, []byte("alpha"), frame.Change)
	frame = readFrame(t, conn)
	require.Equal(t, docsync.TagChange, frame.Tag)
	require.Equal(t, []byte("beta"), frame.Change)
	frame = readFrame(t, conn)
	require.Equal(t, docsync.TagBacklogComplete, frame.Tag)

	// a broadcast already covered by the backlog is discarded, later ones
	// are delivered
	hub.Publish(documentID, docsync.Broadcast{
		UpdateID: second.ID,
		Change:   []byte("beta"),
	})
	hub.Publish(documentID, docsync.Broadcast{
		UpdateID: second.ID + 1,
		Change:   []byte("gamma"),
	})
	frame = readFrame(t, conn)
	require.Equal(t, docsync.TagChange, frame.Tag)
	require.Equal(t, []byte("gamma"), frame.Change)
}

func TestSessionWritePersistsThenBroadcasts(t *testing.T) {
	documentID := testrand.UUID()
	updates := &memUpdates{}
	docs := &memTimestamps{}
	hub := docsync.NewHub(zaptest.NewLogger(t))

	observer := hub.Subscribe(documentID)
	defer observer.Close()

	conn := dialSession(t, hub, updates, docs, documentID, true)
	frame := readFrame(t, conn)
	require.Equal(t, docsync.TagBacklogComplete, frame.Tag)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("delta")))

	select {
	case broadcast := <-observer.Queue():
		require.Equal(t, int64(1), broadcast.UpdateID)
		require.Equal(t, []byte("delta"), broadcast.Change)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never arrived")
	}

	require.Equal(t, 1, updates.count())
	require.Equal(t, 1, docs.count())
}

func TestSessionReadOnlyWriteRejected(t *testing.T) {
	documentID := testrand.UUID()
	updates := &memUpdates{}
	hub := docsync.NewHub(zaptest.NewLogger(t))

	conn := dialSession(t, hub, updates, &memTimestamps{}, documentID, false)
	frame := readFrame(t, conn)
	require.Equal(t, docsync.TagBacklogComplete, frame.Tag)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("delta")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	require.Equal(t, 0, updates.count())
}
