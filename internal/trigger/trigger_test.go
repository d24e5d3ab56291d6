package trigger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/swarmguard/swarmlite/internal/audit"
	"github.com/swarmguard/swarmlite/internal/handler"
	"github.com/swarmguard/swarmlite/internal/scheduler"
	"github.com/swarmguard/swarmlite/internal/store"
)

func testKey() []byte { return []byte("0123456789abcdef0123456789abcdef") }

func newTestTrigger(t *testing.T) *Trigger {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "s.db"), testKey(), testKey())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "a.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	al, err := audit.Open(db, testKey())
	require.NoError(t, err)

	sch, err := scheduler.New(scheduler.Config{Store: st, Audit: al, Registry: handler.NewRegistry()})
	require.NoError(t, err)
	return New(sch)
}

func TestAddRejectsDuplicateName(t *testing.T) {
	tr := newTestTrigger(t)
	require.NoError(t, tr.Add(Entry{Name: "nightly", CronExpr: "0 0 3 * * *", Definition: []byte("workflow_id: wf\ntasks:\n  - id: a\n    type: noop\n")}))
	err := tr.Add(Entry{Name: "nightly", CronExpr: "0 0 4 * * *", Definition: []byte("workflow_id: wf\ntasks:\n  - id: a\n    type: noop\n")})
	require.Error(t, err)
}

func TestAddRejectsInvalidCronExpr(t *testing.T) {
	tr := newTestTrigger(t)
	err := tr.Add(Entry{Name: "bad", CronExpr: "not-a-cron-expr", Definition: []byte("workflow_id: wf\ntasks:\n  - id: a\n    type: noop\n")})
	require.Error(t, err)
}

func TestRemoveDropsEntry(t *testing.T) {
	tr := newTestTrigger(t)
	require.NoError(t, tr.Add(Entry{Name: "nightly", CronExpr: "0 0 3 * * *", Definition: []byte("workflow_id: wf\ntasks:\n  - id: a\n    type: noop\n")}))
	tr.Remove("nightly")
	assert.Empty(t, tr.List())
}
