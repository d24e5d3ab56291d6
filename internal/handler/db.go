package handler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// DBHandler executes a parameterized statement against an injected
// *sql.DB, grounded on plugins.go's SQLPlugin (there left as a stub --
// "TODO: implement SQL execution with proper sanitization"). database/sql
// is the right layer here regardless of the concrete driver: no specific
// SQL driver appears anywhere in the example pack, so the driver is the
// deployer's choice (postgres, mysql, sqlite) and not a dependency of this
// package. cmd/swarmlited imports no SQL driver and registers no db
// handler.
type DBHandler struct {
	DB *sql.DB
}

// NewDBHandler wraps an already-opened database handle.
func NewDBHandler(db *sql.DB) *DBHandler {
	return &DBHandler{DB: db}
}

func (d *DBHandler) Execute(ctx context.Context, t *workflow.Task) (Result, error) {
	params := t.Params()
	query, _ := params["query"].(string)
	if query == "" {
		return Result{}, fmt.Errorf("%w: db task %s missing config.params.query", kernelerr.ErrPermanent, t.ID)
	}
	args, _ := params["args"].([]any)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: query failed: %v", kernelerr.ErrTransient, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("%w: read columns: %v", kernelerr.ErrPermanent, err)
	}

	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, fmt.Errorf("%w: scan row: %v", kernelerr.ErrPermanent, err)
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: row iteration: %v", kernelerr.ErrTransient, err)
	}

	return Result{Output: map[string]any{"rows": records, "row_count": len(records)}}, nil
}

// Compensate runs the task's config.params.compensate_query if present,
// e.g. an UPDATE/DELETE that undoes the forward statement's effect.
func (d *DBHandler) Compensate(ctx context.Context, t *workflow.Task, result Result) error {
	params := t.Params()
	query, _ := params["compensate_query"].(string)
	if query == "" {
		return nil
	}
	args, _ := params["compensate_args"].([]any)
	_, err := d.DB.ExecContext(ctx, query, args...)
	return err
}
