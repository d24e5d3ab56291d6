package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/swarmguard/swarmlite/internal/workflow"
)

// defaultPackage is the rego package every policy bundle is expected to
// expose an `allow` rule under, mirroring opa_engine.go's
// defaultPackage of "swarm.allow".
const defaultPackage = "swarmlite.allow"

// OPAGate compiles a directory of .rego policies and evaluates
// data.swarmlite.allow against each task admission request. Hot-reloads on
// file changes via fsnotify the same way opa_engine.go's Watch does.
type OPAGate struct {
	dir string

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	watcher *fsnotify.Watcher
}

// NewOPAGate loads every .rego file under dir and compiles the prepared
// query. Call Close when the gate is no longer needed to stop the
// fsnotify watcher.
func NewOPAGate(ctx context.Context, dir string) (*OPAGate, error) {
	g := &OPAGate{dir: dir}
	if err := g.load(ctx); err != nil {
		return nil, err
	}
	if err := g.watch(ctx); err != nil {
		// Hot-reload is best-effort: a gate that compiled once still
		// serves deny/allow decisions even if the watcher can't start.
		return g, nil
	}
	return g, nil
}

func (g *OPAGate) load(ctx context.Context) error {
	modules := map[string]string{}
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return fmt.Errorf("governance: read policy dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		path := filepath.Join(g.dir, entry.Name())
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("governance: read %s: %w", path, err)
		}
		modules[path] = string(contents)
	}
	if len(modules) == 0 {
		return fmt.Errorf("governance: no .rego policies found in %s", g.dir)
	}

	compiler := ast.NewCompiler()
	parsed := make(map[string]*ast.Module, len(modules))
	for path, src := range modules {
		mod, err := ast.ParseModule(path, src)
		if err != nil {
			return fmt.Errorf("governance: parse %s: %w", path, err)
		}
		parsed[path] = mod
	}
	compiler.Compile(parsed)
	if compiler.Failed() {
		return fmt.Errorf("governance: compile policies: %w", compiler.Errors)
	}

	r := rego.New(
		rego.Query("data."+defaultPackage),
		rego.Compiler(compiler),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("governance: prepare query: %w", err)
	}

	g.mu.Lock()
	g.query = query
	g.mu.Unlock()
	return nil
}

func (g *OPAGate) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(g.dir); err != nil {
		w.Close()
		return err
	}
	g.watcher = w
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					_ = g.load(ctx)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher.
func (g *OPAGate) Close() error {
	if g.watcher != nil {
		return g.watcher.Close()
	}
	return nil
}

// Check evaluates the compiled policy against the task admission request.
func (g *OPAGate) Check(ctx context.Context, wf *workflow.Workflow, t *workflow.Task) (Decision, error) {
	g.mu.RLock()
	query := g.query
	g.mu.RUnlock()

	input := map[string]any{
		"workflow_id":     wf.WorkflowID,
		"task_id":         t.ID,
		"task_type":       t.Type,
		"classification":  string(t.DataClassification),
		"metadata":        t.Metadata,
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("governance: eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "policy produced no result"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{Allow: false, Reason: "policy result malformed"}, nil
	}
	allow, _ := obj["allow"].(bool)
	if allow {
		return Decision{Allow: true}, nil
	}
	reason, _ := obj["reason"].(string)
	if reason == "" {
		reason = "denied by policy"
	}
	return Decision{Allow: false, Reason: reason}, nil
}
