// Package governance is the gate the scheduler consults for a pii/phi
// classified task after claiming it RUNNING and before invoking its
// handler; a denied task goes RUNNING -> FAILED without its handler being
// called (spec §4.4). Two implementations, grounded
// on services/policy-service: StaticGate mirrors its POLICY_MODE=simple
// rule table, OPAGate mirrors opa_engine.go's rego-compiled evaluation.
package governance

import (
	"context"

	"github.com/swarmguard/swarmlite/internal/workflow"
)

// Decision is the gate's allow/deny verdict plus a human-readable reason
// for denial (always populated when Allow is false).
type Decision struct {
	Allow  bool
	Reason string
}

// Gate is consulted by the scheduler for every task whose classification
// is sensitive, never for public tasks (spec invariant 6).
type Gate interface {
	Check(ctx context.Context, wf *workflow.Workflow, t *workflow.Task) (Decision, error)
}

// StaticGate evaluates a small fixed rule table: deny if the task's type
// is in a denylist, or if its classification is phi and its metadata does
// not set "hipaa_reviewed" to "true". Mirrors policy-service's POLICY_MODE=simple path
// before OPA was layered on.
type StaticGate struct {
	DeniedTypes map[string]bool
}

// NewStaticGate builds a gate that denies the given task types outright.
func NewStaticGate(deniedTypes ...string) *StaticGate {
	deny := make(map[string]bool, len(deniedTypes))
	for _, t := range deniedTypes {
		deny[t] = true
	}
	return &StaticGate{DeniedTypes: deny}
}

func (g *StaticGate) Check(ctx context.Context, wf *workflow.Workflow, t *workflow.Task) (Decision, error) {
	if g.DeniedTypes[t.Type] {
		return Decision{Allow: false, Reason: "task type " + t.Type + " is denied by policy"}, nil
	}
	if t.DataClassification == workflow.ClassPHI && t.Metadata["hipaa_reviewed"] != "true" {
		return Decision{Allow: false, Reason: "phi task requires hipaa_reviewed metadata"}, nil
	}
	return Decision{Allow: true}, nil
}

// AllowAllGate is the zero-configuration default for workflows with no
// sensitive tasks; the scheduler never calls it for public tasks, but it
// is handy for tests and for deployments that opt out of governance.
type AllowAllGate struct{}

func (AllowAllGate) Check(ctx context.Context, wf *workflow.Workflow, t *workflow.Task) (Decision, error) {
	return Decision{Allow: true}, nil
}
