package preview

import (
	"testing"

	"github.com/agentworkstation/timelined/internal/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	r := NewRegistry()
	p := &Preview{ID: "prev1", SessionID: "s1", ExecutionID: "exec1", ContentType: ContentText, BriefContent: "a\nb\n"}
	r.Put(p)

	got, err := r.Get("prev1")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", got.BriefContent)

	byExec, err := r.GetForExecution("exec1")
	require.NoError(t, err)
	assert.Equal(t, "prev1", byExec.ID)
}

func TestGet_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, apierror.ErrNotFound)

	_, err = r.GetForExecution("missing")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestPut_SetsHasActualContentRegardlessOfInput(t *testing.T) {
	r := NewRegistry()
	p := &Preview{ID: "prev1", ExecutionID: "exec1", BriefContent: "a"}
	r.Put(p)

	got, err := r.Get("prev1")
	require.NoError(t, err)
	assert.True(t, got.HasActualContent)

	byExec, err := r.GetForExecution("exec1")
	require.NoError(t, err)
	assert.True(t, byExec.HasActualContent)
}

func TestPut_MutatingReturnedCopyDoesNotAffectRegistry(t *testing.T) {
	r := NewRegistry()
	p := &Preview{ID: "prev1", ExecutionID: "exec1", BriefContent: "orig"}
	r.Put(p)

	got, err := r.Get("prev1")
	require.NoError(t, err)
	got.BriefContent = "mutated"

	again, err := r.Get("prev1")
	require.NoError(t, err)
	assert.Equal(t, "orig", again.BriefContent)
}
