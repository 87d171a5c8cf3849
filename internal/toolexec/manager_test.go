package toolexec

import (
	"sync"
	"testing"
	"time"

	"github.com/agentworkstation/timelined/internal/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateExecution_StartsPending(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", map[string]any{"cmd": "ls"})

	assert.Equal(t, StatusPending, exec.Status)
	assert.NotEmpty(t, exec.ID)
	assert.Nil(t, exec.EndTime)
}

func TestLifecycle_PendingToRunningToCompleted(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)

	started, err := m.StartExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)

	completed, err := m.CompleteExecution(exec.ID, "a\nb\n", 42)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.EndTime)
	require.NotNil(t, completed.ExecTimeMs)
	assert.Equal(t, int64(42), *completed.ExecTimeMs)
}

func TestLifecycle_PendingToRunningToError(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)

	_, err := m.StartExecution(exec.ID)
	require.NoError(t, err)

	failed, err := m.FailExecution(exec.ID, &ExecutionError{Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, failed.Status)
	require.NotNil(t, failed.EndTime)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "boom", failed.Error.Message)
	require.NotNil(t, failed.ExecTimeMs)
}

func TestFailExecution_AlreadyTerminalIsIllegalTransition(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.CompleteExecution(exec.ID, "ok", 1)
	require.NoError(t, err)

	_, err = m.FailExecution(exec.ID, &ExecutionError{Message: "too late"})
	assert.ErrorIs(t, err, apierror.ErrIllegalTransition)
}

func TestLifecycle_PendingToAborted(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)

	aborted, err := m.AbortExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, aborted.Status)
	require.NotNil(t, aborted.EndTime)
	require.NotNil(t, aborted.ExecTimeMs)
}

func TestLifecycle_RunningToAborted(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.StartExecution(exec.ID)
	require.NoError(t, err)

	aborted, err := m.AbortExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, aborted.Status)
}

func TestAbortExecution_AlreadyTerminalIsIllegalTransition(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.AbortExecution(exec.ID)
	require.NoError(t, err)

	_, err = m.AbortExecution(exec.ID)
	assert.ErrorIs(t, err, apierror.ErrIllegalTransition)
}

func TestCompleteExecution_TerminalIsImmutableToTransition(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.CompleteExecution(exec.ID, "ok", 1)
	require.NoError(t, err)

	_, err = m.StartExecution(exec.ID)
	assert.ErrorIs(t, err, apierror.ErrIllegalTransition)

	_, err = m.CompleteExecution(exec.ID, "ok again", 1)
	assert.ErrorIs(t, err, apierror.ErrIllegalTransition)
}

func TestAssociatePreview_AllowedAfterTerminal(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.CompleteExecution(exec.ID, "ok", 1)
	require.NoError(t, err)

	updated, err := m.AssociatePreview(exec.ID, "prev1")
	require.NoError(t, err)
	assert.Equal(t, "prev1", updated.PreviewID)
	assert.Equal(t, StatusCompleted, updated.Status)
}

func TestUnknownExecution_ReturnsNotFound(t *testing.T) {
	m := NewManager()
	_, err := m.StartExecution("does-not-exist")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestRequestPermission_RunningExecutionIsIllegalTransition(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.StartExecution(exec.ID)
	require.NoError(t, err)

	_, err = m.RequestPermission(exec.ID, nil)
	assert.ErrorIs(t, err, apierror.ErrIllegalTransition)
}

func TestPermissionFlow_Granted(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)

	req, err := m.RequestPermission(exec.ID, map[string]any{"cmd": "rm -rf /"})
	require.NoError(t, err)
	assert.Nil(t, req.ResolvedTime)

	got, err := m.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPermission, got.Status)
	assert.Equal(t, req.ID, got.PermissionID)

	resolved, err := m.ResolvePermission(req.ID, true)
	require.NoError(t, err)
	require.NotNil(t, resolved.Granted)
	assert.True(t, *resolved.Granted)
	require.NotNil(t, resolved.ResolvedTime)

	got, err = m.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestPermissionFlow_Denied(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)

	req, err := m.RequestPermission(exec.ID, nil)
	require.NoError(t, err)

	_, err = m.ResolvePermission(req.ID, false)
	require.NoError(t, err)

	got, err := m.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Permission denied", got.Error.Message)
}

func TestResolvePermission_CannotResolveTwice(t *testing.T) {
	m := NewManager()
	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	req, err := m.RequestPermission(exec.ID, nil)
	require.NoError(t, err)

	_, err = m.ResolvePermission(req.ID, true)
	require.NoError(t, err)

	_, err = m.ResolvePermission(req.ID, false)
	assert.ErrorIs(t, err, apierror.ErrIllegalTransition)
}

func TestGetExecutionsForSession_PreservesCreationOrder(t *testing.T) {
	m := NewManager()
	e1 := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	e2 := m.CreateExecution("sess1", "read", "read", "tu2", nil)
	m.CreateExecution("other-session", "bash", "bash", "tu3", nil)

	got := m.GetExecutionsForSession("sess1")
	require.Len(t, got, 2)
	assert.Equal(t, e1.ID, got[0].ID)
	assert.Equal(t, e2.ID, got[1].ID)
}

func TestSubscribe_DeliversPostMutationRecordWithoutReentrance(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	wg.Add(1)
	var seen Status
	unsub := m.Subscribe(EventCompleted, func(ev Event) {
		defer wg.Done()
		seen = ev.Execution.Status
		// A handler attempting to call back into the Manager synchronously
		// must not deadlock; it runs on its own goroutine.
		_, _ = m.GetExecution(ev.Execution.ID)
	})
	defer unsub()

	exec := m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	_, err := m.CompleteExecution(exec.ID, "ok", 5)
	require.NoError(t, err)

	waitOrTimeout(t, &wg)
	assert.Equal(t, StatusCompleted, seen)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	m := NewManager()
	count := 0
	var mu sync.Mutex
	unsub := m.Subscribe(EventCreated, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	m.CreateExecution("sess1", "bash", "bash", "tu1", nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}
