package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workflow_id, role, input, output, status, started_at, completed_at, error, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, nullStr(exec.WorkflowID), string(exec.Role), nullRaw(exec.Input), nullRaw(exec.Output),
		string(exec.Status), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), nullStr(exec.Error), nullRaw(exec.Metadata),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	return storeErr(err, "create execution")
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, storeErr(err, "get execution")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storeErr(err, "get execution")
		}
		return nil, storeNotFound("execution", id)
	}
	return scanExecution(rows)
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return storeErr(err, "update execution")
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := executionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC" + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, storeErr(rows.Err(), "list executions")
}

const executionSelect = `SELECT id, workflow_id, role, input, output, status, started_at, completed_at, error, metadata FROM tasks`

func scanExecution(rows *sql.Rows) (*Execution, error) {
	e := &Execution{}
	var (
		workflowID, input, output, errMsg, metadata sql.NullString
		startedAt, completedAt                      sql.NullTime
		role, status                                string
	)
	if err := rows.Scan(&e.ID, &workflowID, &role, &input, &output, &status, &startedAt, &completedAt, &errMsg, &metadata); err != nil {
		return nil, storeErr(err, "scan execution")
	}
	e.WorkflowID = workflowID.String
	e.Role = schema.Role(role)
	e.Input = rawOrNil(input)
	e.Output = rawOrNil(output)
	e.Status = ExecutionStatus(status)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	e.Error = errMsg.String
	e.Metadata = rawOrNil(metadata)
	return e, nil
}

func (s *LibSQLStore) RecordAgentResult(ctx context.Context, r *AgentResult) error {
	r.CreatedAt = timeOrNow(r.CreatedAt)
	var tokens, cost any
	if r.TokensUsed != nil {
		tokens = *r.TokensUsed
	}
	if r.Cost != nil {
		cost = *r.Cost
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_results (task_id, role, output, status, execution_time_ms, tokens_used, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, string(r.Role), nullRaw(r.Output), r.Status, r.ExecutionTimeMs, tokens, cost, r.CreatedAt,
	)
	if err != nil {
		return storeErr(err, "record agent result")
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListAgentResults(ctx context.Context, taskID string) ([]*AgentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, role, output, status, execution_time_ms, tokens_used, cost, created_at
		 FROM agent_results WHERE task_id = ? ORDER BY id ASC`, taskID,
	)
	if err != nil {
		return nil, storeErr(err, "list agent results")
	}
	defer rows.Close()

	var results []*AgentResult
	for rows.Next() {
		r := &AgentResult{}
		var role string
		var output sql.NullString
		var tokens sql.NullInt64
		var cost sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.TaskID, &role, &output, &r.Status, &r.ExecutionTimeMs, &tokens, &cost, &r.CreatedAt); err != nil {
			return nil, storeErr(err, "scan agent result")
		}
		r.Role = schema.Role(role)
		r.Output = rawOrNil(output)
		if tokens.Valid {
			v := tokens.Int64
			r.TokensUsed = &v
		}
		if cost.Valid {
			v := cost.Float64
			r.Cost = &v
		}
		results = append(results, r)
	}
	return results, storeErr(rows.Err(), "list agent results")
}
