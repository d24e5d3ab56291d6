package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// PythonHandler runs a script under the configured interpreter, injecting
// the task's params as a JSON context file, grounded on plugins.go's
// PythonPlugin (temp-file script + os/exec + context-cancellation kill).
type PythonHandler struct {
	Interpreter string // defaults to "python3"
}

// NewPythonHandler builds a handler using python3 unless overridden.
func NewPythonHandler(interpreter string) *PythonHandler {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &PythonHandler{Interpreter: interpreter}
}

func (p *PythonHandler) Execute(ctx context.Context, t *workflow.Task) (Result, error) {
	params := t.Params()
	script, _ := params["script"].(string)
	if script == "" {
		return Result{}, fmt.Errorf("%w: python task %s missing config.params.script", kernelerr.ErrPermanent, t.ID)
	}

	dir, err := os.MkdirTemp("", "swarmlite-py-")
	if err != nil {
		return Result{}, fmt.Errorf("%w: create temp dir: %v", kernelerr.ErrTransient, err)
	}
	defer os.RemoveAll(dir)

	ctxPath := filepath.Join(dir, "context.json")
	ctxBytes, err := json.Marshal(params)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode context: %v", kernelerr.ErrPermanent, err)
	}
	if err := os.WriteFile(ctxPath, ctxBytes, 0o600); err != nil {
		return Result{}, fmt.Errorf("%w: write context: %v", kernelerr.ErrTransient, err)
	}

	scriptPath := filepath.Join(dir, "task.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		return Result{}, fmt.Errorf("%w: write script: %v", kernelerr.ErrTransient, err)
	}

	cmd := exec.CommandContext(ctx, p.Interpreter, scriptPath, ctxPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: script cancelled: %v", kernelerr.ErrTransient, ctx.Err())
		}
		return Result{}, fmt.Errorf("%w: script exited: %v: %s", kernelerr.ErrPermanent, err, stderr.String())
	}

	var output map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		output = map[string]any{"stdout": stdout.String()}
	}
	return Result{Output: output}, nil
}
