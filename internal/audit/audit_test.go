package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "audit.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := Open(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return l
}

func TestAppendChainsPrevHash(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, "wf-1", WorkflowCreated, "", "")
	require.NoError(t, err)
	assert.Equal(t, "", e1.PrevHash)

	e2, err := l.Append(ctx, "wf-1", WorkflowStarted, "", "")
	require.NoError(t, err)
	assert.Equal(t, e1.Signature, e2.PrevHash)
}

func TestVerifyPassesOnIntactChain(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	_, _ = l.Append(ctx, "wf-1", WorkflowCreated, "", "")
	_, _ = l.Append(ctx, "wf-1", TaskTransition, "a", "READY->RUNNING")
	_, _ = l.Append(ctx, "wf-1", WorkflowTerminal, "", "SUCCESS")

	require.NoError(t, l.Verify(ctx))
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	_, _ = l.Append(ctx, "wf-1", WorkflowCreated, "", "")
	_, _ = l.Append(ctx, "wf-1", TaskTransition, "a", "READY->RUNNING")

	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		return b.Put(indexKey(1), []byte(`{"index":1,"workflow_id":"wf-1","kind":"TASK_TRANSITION","detail":"TAMPERED","prev_hash":"bogus","signature":"bogus"}`))
	})
	require.NoError(t, err)

	err = l.Verify(ctx)
	require.Error(t, err)
}

func TestForWorkflowFiltersByID(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	_, _ = l.Append(ctx, "wf-1", WorkflowCreated, "", "")
	_, _ = l.Append(ctx, "wf-2", WorkflowCreated, "", "")
	_, _ = l.Append(ctx, "wf-1", WorkflowTerminal, "", "SUCCESS")

	entries, err := l.ForWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
