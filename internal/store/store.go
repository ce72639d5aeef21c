// Package store provides durable persistence for tasks, epics, backlog
// items, and runs, plus the listing predicates the scheduler reads from.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cohesivestack/valgo"
	_ "modernc.org/sqlite"
)

// Store is the single durable owner of all persistent entities. It opens a
// *sql.DB with a capped pool of one open connection, which gives every
// mutator a serialized writer boundary without a separate in-process mutex —
// SQLite only supports one writer at a time, so we simply never let the
// driver hand out a second connection.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	ids *idGenerator
}

// Open opens (creating if necessary) the SQLite-backed store at path and
// brings its schema up to date.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	s := &Store{db: db, log: log}
	s.ids = newIDGenerator(s.idExists)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) idExists(id string) bool {
	var table string
	switch kindOf(id) {
	case KindTask:
		table = "tasks"
	case KindEpic:
		table = "epics"
	case KindBacklog:
		table = "backlog_items"
	case KindRun:
		table = "runs"
	default:
		return false
	}
	var n int
	_ = s.db.QueryRow(fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE id = ?", table), id).Scan(&n)
	return n > 0
}

func now() time.Time { return time.Now().UTC() }

// timeStr uses a fixed-width fraction so stored timestamps sort as strings
// in chronological order (ORDER BY started_at relies on this).
func timeStr(t time.Time) string { return t.Format("2006-01-02T15:04:05.000000000Z07:00") }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTimeStr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func joinLabels(labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	return strings.Join(dedupe(sorted), ",")
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	first := true
	for _, v := range sorted {
		if v == "" {
			continue
		}
		if !first && v == prev {
			continue
		}
		out = append(out, v)
		prev = v
		first = false
	}
	return out
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// ---- validation -----------------------------------------------------------

func validateTask(t *Task) error {
	v := valgo.Is(valgo.String(t.Title, "title").Not().Blank())
	v.Is(valgo.Int(t.Priority, "priority").InSlice([]int{0, 1, 2, 3, 4}))
	if !t.Status.valid() {
		v.AddErrorMessage("status", fmt.Sprintf("invalid status %q", t.Status))
	}
	if !t.Type.valid() {
		v.AddErrorMessage("type", fmt.Sprintf("invalid type %q", t.Type))
	}
	if !t.Complexity.valid() {
		v.AddErrorMessage("complexity", fmt.Sprintf("invalid complexity %q", t.Complexity))
	}
	if !t.Size.valid() {
		v.AddErrorMessage("size", fmt.Sprintf("invalid size %q", t.Size))
	}
	if !v.Valid() {
		return validationErrorFrom(v)
	}
	return nil
}

func validationErrorFrom(v *valgo.Validation) error {
	var violations []string
	for field, errs := range v.Errors() {
		for _, msg := range errs.Messages() {
			violations = append(violations, fmt.Sprintf("%s: %s", field, msg))
		}
	}
	sort.Strings(violations)
	return &ValidationError{Violations: violations}
}

// ---- Task CRUD --------------------------------------------------------

// CreateTask inserts a new task, defaulting Complexity to "simple" and
// Status to "open" when unset.
func (s *Store) CreateTask(t *Task) (*Task, error) {
	if t.Status == "" {
		t.Status = TaskOpen
	}
	if t.Complexity == "" {
		t.Complexity = ComplexitySimple
	}
	if t.Type == "" {
		t.Type = TaskOther
	}
	if err := validateTask(t); err != nil {
		return nil, err
	}

	id, err := s.ids.generate(KindTask)
	if err != nil {
		return nil, err
	}
	ts := now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO tasks
		(id, title, description, status, type, priority, labels, complexity, size, epic_id, reason, commit_hash, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, t.Title, t.Description, string(t.Status), string(t.Type), t.Priority,
		joinLabels(t.Labels), string(t.Complexity), string(t.Size), t.EpicID, t.Reason, t.CommitHash,
		timeStr(ts), timeStr(ts))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	for _, b := range dedupeIDs(t.BlockedBy) {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_blockers (task_id, blocker_id) VALUES (?,?)`, id, b); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	t.ID = id
	t.CreatedAt, t.UpdatedAt = ts, ts
	return t, nil
}

func dedupeIDs(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// GetTask resolves id (which must be a full id, not a partial) to a Task.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, title, description, status, type, priority, labels, complexity, size, epic_id, reason, commit_hash, created_at, updated_at FROM tasks WHERE id = ?`, id)
	t := &Task{}
	var status, typ, complexity, size, labels, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &typ, &t.Priority, &labels, &complexity, &size, &t.EpicID, &t.Reason, &t.CommitHash, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "task", ID: id}
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status, t.Type, t.Complexity, t.Size = TaskStatus(status), TaskType(typ), Complexity(complexity), Size(size)
	t.Labels = splitLabels(labels)
	t.CreatedAt, t.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)

	rows, err := s.db.Query(`SELECT blocker_id FROM task_blockers WHERE task_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get task blockers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("get task blockers: %w", err)
		}
		t.BlockedBy = append(t.BlockedBy, b)
	}
	return t, nil
}

// UpdateTask persists t as-is; t.UpdatedAt is advanced to now.
func (s *Store) UpdateTask(t *Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	t.UpdatedAt = now()
	res, err := s.db.Exec(`UPDATE tasks SET title=?, description=?, status=?, type=?, priority=?, labels=?, complexity=?, size=?, epic_id=?, reason=?, commit_hash=?, updated_at=? WHERE id=?`,
		t.Title, t.Description, string(t.Status), string(t.Type), t.Priority, joinLabels(t.Labels),
		string(t.Complexity), string(t.Size), t.EpicID, t.Reason, t.CommitHash, timeStr(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{Kind: "task", ID: t.ID}
	}
	return nil
}

// DeleteTask removes a task and its blocker edges.
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM task_blockers WHERE task_id=? OR blocker_id=?`, id, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{Kind: "task", ID: id}
	}
	return tx.Commit()
}

// CloseTask transitions a task to closed, idempotently: a second call on an
// already-closed task is a no-op.
func (s *Store) CloseTask(id, commitHash string) error {
	t, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if t.Status == TaskClosed {
		return nil
	}
	t.Status = TaskClosed
	if commitHash != "" {
		t.CommitHash = commitHash
	}
	return s.UpdateTask(t)
}

// Defer deletes the task and inserts a new BacklogItem copying title and
// description, atomically.
func (s *Store) Defer(id string) (*BacklogItem, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	bid, err := s.ids.generate(KindBacklog)
	if err != nil {
		return nil, err
	}
	ts := now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("defer task: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_blockers WHERE task_id=? OR blocker_id=?`, id, id); err != nil {
		return nil, fmt.Errorf("defer task: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id=?`, id); err != nil {
		return nil, fmt.Errorf("defer task: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO backlog_items (id, title, description, created_at) VALUES (?,?,?,?)`,
		bid, t.Title, t.Description, timeStr(ts)); err != nil {
		return nil, fmt.Errorf("defer task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("defer task: %w", err)
	}
	return &BacklogItem{ID: bid, Title: t.Title, Description: t.Description, CreatedAt: ts}, nil
}

// AddDependency records that task depends on blocker, rejecting self-loops
// and cycles in the task -> blockers graph.
func (s *Store) AddDependency(task, blocker string) error {
	if task == blocker {
		return &CycleError{Task: task, Blocker: blocker}
	}
	if _, err := s.GetTask(task); err != nil {
		return err
	}
	if _, err := s.GetTask(blocker); err != nil {
		return err
	}
	// Adding task -> blocker would create a cycle iff task is already
	// reachable from blocker via existing blocker edges.
	reachable, err := s.reachableFrom(blocker)
	if err != nil {
		return err
	}
	if reachable[task] {
		return &CycleError{Task: task, Blocker: blocker}
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO task_blockers (task_id, blocker_id) VALUES (?,?)`, task, blocker)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	_, err = s.db.Exec(`UPDATE tasks SET updated_at=? WHERE id=?`, timeStr(now()), task)
	return err
}

// RemoveDependency errors with EdgeNotFoundError if the edge is absent.
func (s *Store) RemoveDependency(task, blocker string) error {
	res, err := s.db.Exec(`DELETE FROM task_blockers WHERE task_id=? AND blocker_id=?`, task, blocker)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &EdgeNotFoundError{Task: task, Blocker: blocker}
	}
	_, err = s.db.Exec(`UPDATE tasks SET updated_at=? WHERE id=?`, timeStr(now()), task)
	return err
}

// reachableFrom returns every task id reachable from start by following
// blocker edges (start -> blocker -> blocker's blockers -> ...).
func (s *Store) reachableFrom(start string) (map[string]bool, error) {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		rows, err := s.db.Query(`SELECT blocker_id FROM task_blockers WHERE task_id = ?`, cur)
		if err != nil {
			return nil, fmt.Errorf("walk dependency graph: %w", err)
		}
		var next []string
		for rows.Next() {
			var b string
			if err := rows.Scan(&b); err != nil {
				rows.Close()
				return nil, fmt.Errorf("walk dependency graph: %w", err)
			}
			next = append(next, b)
		}
		rows.Close()
		for _, b := range next {
			if !visited[b] {
				visited[b] = true
				queue = append(queue, b)
			}
		}
	}
	return visited, nil
}

// ---- listing predicates -----------------------------------------------

// Ready returns open tasks with every blocker closed, ordered by ascending
// priority then ascending created_at.
func (s *Store) Ready() ([]*Task, error) {
	return s.filterTasks(func(t *Task) (bool, error) {
		if t.Status != TaskOpen {
			return false, nil
		}
		return s.allBlockersClosed(t)
	})
}

// InProgress returns tasks with status=in_progress.
func (s *Store) InProgress() ([]*Task, error) {
	return s.queryTasksByStatus(TaskInProgress)
}

// Review returns tasks with status=review.
func (s *Store) Review() ([]*Task, error) {
	return s.queryTasksByStatus(TaskReview)
}

// Blocked returns open tasks with at least one non-closed blocker.
func (s *Store) Blocked() ([]*Task, error) {
	return s.filterTasks(func(t *Task) (bool, error) {
		if t.Status != TaskOpen {
			return false, nil
		}
		allClosed, err := s.allBlockersClosed(t)
		if err != nil {
			return false, err
		}
		return !allClosed && len(t.BlockedBy) > 0, nil
	})
}

// NeedsHuman returns open tasks carrying the needs-human label.
func (s *Store) NeedsHuman() ([]*Task, error) {
	return s.filterTasks(func(t *Task) (bool, error) {
		return t.Status == TaskOpen && t.HasLabel(NeedsHumanLabel), nil
	})
}

// Done returns tasks with status=closed.
func (s *Store) Done() ([]*Task, error) {
	return s.queryTasksByStatus(TaskClosed)
}

func (s *Store) allBlockersClosed(t *Task) (bool, error) {
	for _, b := range t.BlockedBy {
		bt, err := s.GetTask(b)
		if err != nil {
			if _, ok := err.(*NotFoundError); ok {
				continue // a deleted blocker no longer gates readiness
			}
			return false, err
		}
		if bt.Status != TaskClosed {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) queryTasksByStatus(status TaskStatus) ([]*Task, error) {
	return s.filterTasks(func(t *Task) (bool, error) {
		return t.Status == status, nil
	})
}

func (s *Store) filterTasks(pred func(*Task) (bool, error)) ([]*Task, error) {
	all, err := s.allTasks()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		ok, err := pred(t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) allTasks() ([]*Task, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []*Task
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- Epic CRUD ----------------------------------------------------------

// CreateEpic inserts a new epic with derived status "planning".
func (s *Store) CreateEpic(e *Epic) (*Epic, error) {
	if strings.TrimSpace(e.Title) == "" {
		return nil, &ValidationError{Violations: []string{"title: must not be blank"}}
	}
	id, err := s.ids.generate(KindEpic)
	if err != nil {
		return nil, err
	}
	ts := now()
	_, err = s.db.Exec(`INSERT INTO epics (id, title, description, reviewed_at, created_at) VALUES (?,?,?,?,?)`,
		id, e.Title, e.Description, nullableTimeStr(e.ReviewedAt), timeStr(ts))
	if err != nil {
		return nil, fmt.Errorf("create epic: %w", err)
	}
	e.ID, e.CreatedAt = id, ts
	e.Status = EpicPlanning
	return e, nil
}

// GetEpic resolves a full epic id, computing its derived status from linked
// tasks.
func (s *Store) GetEpic(id string) (*Epic, error) {
	row := s.db.QueryRow(`SELECT id, title, description, reviewed_at, created_at FROM epics WHERE id = ?`, id)
	e := &Epic{}
	var reviewedAt sql.NullString
	var createdAt string
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &reviewedAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "epic", ID: id}
		}
		return nil, fmt.Errorf("get epic: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	if reviewedAt.Valid {
		t := parseTime(reviewedAt.String)
		e.ReviewedAt = &t
	}
	status, err := s.epicStatus(id, e.ReviewedAt)
	if err != nil {
		return nil, err
	}
	e.Status = status
	return e, nil
}

func (s *Store) epicStatus(epicID string, reviewedAt *time.Time) (EpicStatus, error) {
	rows, err := s.db.Query(`SELECT status FROM tasks WHERE epic_id = ?`, epicID)
	if err != nil {
		return "", fmt.Errorf("epic status: %w", err)
	}
	defer rows.Close()
	var total, closedCount int
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return "", fmt.Errorf("epic status: %w", err)
		}
		total++
		if TaskStatus(status) == TaskClosed {
			closedCount++
		}
	}
	switch {
	case total == 0:
		return EpicPlanning, nil
	case closedCount < total:
		return EpicInProgress, nil
	case reviewedAt == nil:
		return EpicReviewPending, nil
	default:
		return EpicDone, nil
	}
}

// ReviewEpic sets reviewed_at to now; this is the only way reviewed_at is
// ever set.
func (s *Store) ReviewEpic(id string) error {
	if _, err := s.GetEpic(id); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE epics SET reviewed_at=? WHERE id=?`, timeStr(now()), id)
	if err != nil {
		return fmt.Errorf("review epic: %w", err)
	}
	return nil
}

// ---- BacklogItem CRUD -----------------------------------------------------

// CreateBacklogItem inserts a new backlog item.
func (s *Store) CreateBacklogItem(b *BacklogItem) (*BacklogItem, error) {
	if strings.TrimSpace(b.Title) == "" {
		return nil, &ValidationError{Violations: []string{"title: must not be blank"}}
	}
	id, err := s.ids.generate(KindBacklog)
	if err != nil {
		return nil, err
	}
	ts := now()
	_, err = s.db.Exec(`INSERT INTO backlog_items (id, title, description, created_at) VALUES (?,?,?,?)`,
		id, b.Title, b.Description, timeStr(ts))
	if err != nil {
		return nil, fmt.Errorf("create backlog item: %w", err)
	}
	b.ID, b.CreatedAt = id, ts
	return b, nil
}

// GetBacklogItem resolves a full backlog item id.
func (s *Store) GetBacklogItem(id string) (*BacklogItem, error) {
	row := s.db.QueryRow(`SELECT id, title, description, created_at FROM backlog_items WHERE id = ?`, id)
	b := &BacklogItem{}
	var createdAt string
	if err := row.Scan(&b.ID, &b.Title, &b.Description, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "backlog item", ID: id}
		}
		return nil, fmt.Errorf("get backlog item: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

// DeleteBacklogItem removes a backlog item.
func (s *Store) DeleteBacklogItem(id string) error {
	res, err := s.db.Exec(`DELETE FROM backlog_items WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete backlog item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{Kind: "backlog item", ID: id}
	}
	return nil
}

// ---- short id resolution --------------------------------------------------

// ResolveShortID resolves a (possibly partial) tail against every live id of
// the given kind. An exact full id is returned unchanged if it exists. A
// partial must be a suffix of exactly one live id's tail.
func (s *Store) ResolveShortID(k Kind, partial string) (string, error) {
	table, kindLabel := tableFor(k)
	if kindOf(partial) == k {
		if s.idExists(partial) {
			return partial, nil
		}
	}
	rows, err := s.db.Query(fmt.Sprintf("SELECT id FROM %s", table))
	if err != nil {
		return "", fmt.Errorf("resolve short id: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("resolve short id: %w", err)
		}
		if strings.HasSuffix(tailOf(id), partial) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", &NotFoundError{Kind: kindLabel, ID: partial}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{Kind: kindLabel, Partial: partial, Matches: matches}
	}
}

func tableFor(k Kind) (table, label string) {
	switch k {
	case KindTask:
		return "tasks", "task"
	case KindEpic:
		return "epics", "epic"
	case KindBacklog:
		return "backlog_items", "backlog item"
	case KindRun:
		return "runs", "run"
	default:
		panic(fmt.Sprintf("store: unknown kind %q", k))
	}
}
