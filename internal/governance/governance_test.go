package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/swarmlite/internal/workflow"
)

func TestStaticGateDeniesListedType(t *testing.T) {
	g := NewStaticGate("shell")
	wf := &workflow.Workflow{WorkflowID: "wf-1"}
	task := &workflow.Task{ID: "a", Type: "shell"}

	d, err := g.Check(context.Background(), wf, task)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.NotEmpty(t, d.Reason)
}

func TestStaticGateRequiresHipaaReviewedForPHI(t *testing.T) {
	g := NewStaticGate()
	wf := &workflow.Workflow{WorkflowID: "wf-1"}
	task := &workflow.Task{ID: "a", Type: "db", DataClassification: workflow.ClassPHI}

	d, err := g.Check(context.Background(), wf, task)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	task.Metadata = map[string]string{"hipaa_reviewed": "true"}
	d, err = g.Check(context.Background(), wf, task)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestAllowAllGateAlwaysAllows(t *testing.T) {
	g := AllowAllGate{}
	d, err := g.Check(context.Background(), &workflow.Workflow{}, &workflow.Task{DataClassification: workflow.ClassPHI})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
