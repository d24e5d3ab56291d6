package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
)

func TestParseYAMLSimpleChain(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
  - id: b
    type: http
    depends_on: [a]
`)
	wf, err := ParseYAML(def)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.WorkflowID)
	assert.Len(t, wf.Tasks, 2)
	assert.Equal(t, []string{"a"}, wf.Tasks["b"].DependsOn)
	assert.NotEmpty(t, wf.DefinitionHash)
}

func TestParseRejectsDuplicateTaskID(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
  - id: a
    type: http
`)
	_, err := ParseYAML(def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrValidation))
}

func TestParseRejectsUnknownDependency(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
    depends_on: [ghost]
`)
	_, err := ParseYAML(def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrValidation))
}

func TestParseDetectsCycle(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
    depends_on: [c]
  - id: b
    type: http
    depends_on: [a]
  - id: c
    type: http
    depends_on: [b]
`)
	_, err := ParseYAML(def)
	require.Error(t, err)

	var cycleErr *kernelerr.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.GreaterOrEqual(t, len(cycleErr.Path), 3)
}

func TestParseRejectsMissingWorkflowID(t *testing.T) {
	def := []byte(`
tasks:
  - id: a
    type: http
`)
	_, err := ParseYAML(def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrValidation))
}

func TestParseRejectsInvalidRetryPolicy(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
retry_policy:
  max_attempts: 0
  delay_seconds: 1
`)
	_, err := ParseYAML(def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrValidation))
}

func TestParseRejectsUnknownClassification(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
    data_classification: top_secret
`)
	_, err := ParseYAML(def)
	require.Error(t, err)
}

func TestRootsReturnsZeroIndegreeTasks(t *testing.T) {
	def := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
  - id: b
    type: http
  - id: c
    type: http
    depends_on: [a, b]
`)
	wf, err := ParseYAML(def)
	require.NoError(t, err)
	roots := Roots(wf)
	assert.ElementsMatch(t, []string{"a", "b"}, roots)
}

func TestDefinitionHashStableAcrossTaskOrder(t *testing.T) {
	defA := []byte(`
workflow_id: wf-1
tasks:
  - id: a
    type: http
  - id: b
    type: http
    depends_on: [a]
`)
	defB := []byte(`
workflow_id: wf-1
tasks:
  - id: b
    type: http
    depends_on: [a]
  - id: a
    type: http
`)
	wfA, err := ParseYAML(defA)
	require.NoError(t, err)
	wfB, err := ParseYAML(defB)
	require.NoError(t, err)
	assert.Equal(t, wfA.DefinitionHash, wfB.DefinitionHash)
}
