package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testrand"

	"transcribee.dev/coordinator/coordinator/tasks"
)

func TestNextState(t *testing.T) {
	require.Equal(t, tasks.StateCompleted, tasks.NextState(true, 0))
	require.Equal(t, tasks.StateCompleted, tasks.NextState(true, 3))
	require.Equal(t, tasks.StateNew, tasks.NextState(false, 1))
	require.Equal(t, tasks.StateFailed, tasks.NextState(false, 0))
}

func TestStateTerminal(t *testing.T) {
	require.False(t, tasks.StateNew.Terminal())
	require.False(t, tasks.StateAssigned.Terminal())
	require.True(t, tasks.StateCompleted.Terminal())
	require.True(t, tasks.StateFailed.Terminal())
}

func TestExportHubDelivery(t *testing.T) {
	hub := tasks.NewExportHub(time.Minute)
	taskID := testrand.UUID()

	hub.Put(taskID, []byte(`{"result":"text"}`))

	result, err := hub.Wait(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, `{"result":"text"}`, string(result))
}

func TestExportHubFirstResultWins(t *testing.T) {
	hub := tasks.NewExportHub(time.Minute)
	taskID := testrand.UUID()

	hub.Put(taskID, []byte("first"))
	hub.Put(taskID, []byte("second"))

	result, err := hub.Wait(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, "first", string(result))
}

func TestExportHubTimeout(t *testing.T) {
	hub := tasks.NewExportHub(10 * time.Millisecond)

	_, err := hub.Wait(context.Background(), testrand.UUID())
	require.ErrorIs(t, err, tasks.ErrExportTimeout)
}

func TestExportHubContextCancel(t *testing.T) {
	hub := tasks.NewExportHub(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := hub.Wait(ctx, testrand.UUID())
	require.Error(t, err)
	require.NotErrorIs(t, err, tasks.ErrExportTimeout)
}

func TestTimeoutChoreInterval(t *testing.T) {
	// the sweep interval must never exceed the worker timeout
	chore := tasks.NewTimeoutChore(nil, nil, tasks.Config{WorkerTimeout: time.Second})
	require.NotNil(t, chore.Loop)
}
