package store

import (
	"database/sql"
	"fmt"
)

// CreateRun inserts a new running run for task_id and returns it with a
// freshly generated id. Runs are exclusively owned by the RunLedger, which
// is the only caller of these methods; Store provides the durable backing.
func (s *Store) CreateRun(r *Run) (*Run, error) {
	if r.Status == "" {
		r.Status = RunRunning
	}
	id, err := s.ids.generate(KindRun)
	if err != nil {
		return nil, err
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = now()
	}
	_, err = s.db.Exec(`INSERT INTO runs
		(id, task_id, agent, model, session_id, pid, runner_instance_id, started_at, ended_at, exit_code, cost_usd, cost_usd_set, output, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, r.TaskID, r.Agent, r.Model, r.SessionID, nullableInt(r.PID), r.RunnerInstanceID,
		timeStr(r.StartedAt), nullableTimeStr(r.EndedAt), nullableInt(r.ExitCode),
		nullableFloat(r.CostUSD), boolToInt(r.CostUSD != nil), r.Output, string(r.Status))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	r.ID = id
	return r, nil
}

// UpdateRun persists the full state of r, keyed by r.ID.
func (s *Store) UpdateRun(r *Run) error {
	res, err := s.db.Exec(`UPDATE runs SET agent=?, model=?, session_id=?, pid=?, runner_instance_id=?,
		ended_at=?, exit_code=?, cost_usd=?, cost_usd_set=?, output=?, status=? WHERE id=?`,
		r.Agent, r.Model, r.SessionID, nullableInt(r.PID), r.RunnerInstanceID,
		nullableTimeStr(r.EndedAt), nullableInt(r.ExitCode), nullableFloat(r.CostUSD),
		boolToInt(r.CostUSD != nil), r.Output, string(r.Status), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{Kind: "run", ID: r.ID}
	}
	return nil
}

// GetRun resolves a full run id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, task_id, agent, model, session_id, pid, runner_instance_id, started_at, ended_at, exit_code, cost_usd, cost_usd_set, output, status FROM runs WHERE id=?`, id)
	return scanRun(row)
}

// LatestRun returns the most recently started run for a task, or a
// NotFoundError if the task has never been run.
func (s *Store) LatestRun(taskID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, task_id, agent, model, session_id, pid, runner_instance_id, started_at, ended_at, exit_code, cost_usd, cost_usd_set, output, status
		FROM runs WHERE task_id=? ORDER BY started_at DESC LIMIT 1`, taskID)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "run", ID: "for task " + taskID}
		}
		return nil, err
	}
	return r, nil
}

// Runs returns every run for a task, most recent first.
func (s *Store) Runs(taskID string) ([]*Run, error) {
	rows, err := s.db.Query(`SELECT id, task_id, agent, model, session_id, pid, runner_instance_id, started_at, ended_at, exit_code, cost_usd, cost_usd_set, output, status
		FROM runs WHERE task_id=? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// RunningRuns returns every run whose status is "running", for orphan
// cleanup.
func (s *Store) RunningRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT id, task_id, agent, model, session_id, pid, runner_instance_id, started_at, ended_at, exit_code, cost_usd, cost_usd_set, output, status
		FROM runs WHERE status=?`, string(RunRunning))
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, fmt.Errorf("list running runs: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row *sql.Row) (*Run, error) {
	return scanRunGeneric(row)
}

func scanRunRows(rows *sql.Rows) (*Run, error) {
	return scanRunGeneric(rows)
}

func scanRunGeneric(row rowScanner) (*Run, error) {
	r := &Run{}
	var model, sessionID, runnerInstanceID, output, status, startedAt string
	var pid, exitCode sql.NullInt64
	var endedAt sql.NullString
	var costUSD sql.NullFloat64
	var costUSDSet int
	if err := row.Scan(&r.ID, &r.TaskID, &r.Agent, &model, &sessionID, &pid, &runnerInstanceID,
		&startedAt, &endedAt, &exitCode, &costUSD, &costUSDSet, &output, &status); err != nil {
		return nil, err
	}
	r.Model, r.SessionID, r.RunnerInstanceID, r.Output = model, sessionID, runnerInstanceID, output
	r.Status = RunStatus(status)
	r.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		r.EndedAt = &t
	}
	if pid.Valid {
		v := int(pid.Int64)
		r.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if costUSDSet != 0 {
		v := costUSD.Float64
		r.CostUSD = &v
	}
	return r, nil
}

func nullableInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
