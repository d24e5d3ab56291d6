package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/swarmguard/swarmlite/internal/workflow"
)

// DefinitionHash computes a stable digest of a workflow's structural
// definition (tasks, dependencies, retry policy) so cmd/swarmlited can
// detect an idempotency key being reused against a different definition
// and answer 409 Conflict rather than silently reusing the old definition.
func DefinitionHash(wf *workflow.Workflow) string {
	ids := make([]string, 0, len(wf.Tasks))
	for id := range wf.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type taskShape struct {
		ID        string   `json:"id"`
		Type      string   `json:"type"`
		DependsOn []string `json:"depends_on"`
	}
	shapes := make([]taskShape, 0, len(ids))
	for _, id := range ids {
		t := wf.Tasks[id]
		dep := append([]string{}, t.DependsOn...)
		sort.Strings(dep)
		shapes = append(shapes, taskShape{ID: id, Type: t.Type, DependsOn: dep})
	}

	payload, _ := json.Marshal(struct {
		Tasks       []taskShape          `json:"tasks"`
		RetryPolicy workflow.RetryPolicy `json:"retry_policy"`
	}{Tasks: shapes, RetryPolicy: wf.RetryPolicy})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
