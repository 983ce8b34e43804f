package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/lib/pq"
)

// PGStore implements Store on top of a Postgres-compatible `database/sql`
// connection. The DSN scheme is whatever the `lib/pq` driver accepts (the
// cluster-context config simply forwards `cluster.storage` verbatim).
type PGStore struct {
	db *sql.DB
}

// Open establishes the connection, pings it and applies migrations.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "open storage engine")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, flameerr.Wrap(flameerr.Storage, err, "ping storage engine")
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, flameerr.Wrap(flameerr.Storage, err, "apply migrations")
	}

	return &PGStore{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests with go-sqlmock).
func NewWithDB(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// --- Applications -----------------------------------------------------

func (s *PGStore) RegisterApplication(name string, attrs ApplicationAttrs) (*apis.Application, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	args, err := json.Marshal(attrs.Arguments)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Internal, err, "marshal arguments")
	}
	envs, err := json.Marshal(attrs.Environments)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Internal, err, "marshal environments")
	}
	labels, err := json.Marshal(attrs.Labels)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Internal, err, "marshal labels")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications
			(name, shim, image, command, arguments, environments, working_directory,
			 input_schema, output_schema, common_schema, max_instances, delay_release_ns,
			 description, labels, state, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, name, string(attrs.Shim), attrs.Image, attrs.Command, args, envs, attrs.WorkingDirectory,
		attrs.InputSchema, attrs.OutputSchema, attrs.CommonSchema, attrs.MaxInstances, attrs.DelayRelease,
		attrs.Description, labels, string(apis.ApplicationEnabled), uint64(1), now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, flameerr.New(flameerr.Conflict, "application %q already exists", name)
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "insert application")
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}

	return &apis.Application{
		Name: name, Shim: attrs.Shim, Image: attrs.Image, Command: attrs.Command,
		Arguments: attrs.Arguments, Environments: attrs.Environments, WorkingDirectory: attrs.WorkingDirectory,
		InputSchema: attrs.InputSchema, OutputSchema: attrs.OutputSchema, CommonSchema: attrs.CommonSchema,
		MaxInstances: attrs.MaxInstances, DelayRelease: time.Duration(attrs.DelayRelease),
		Description: attrs.Description, Labels: attrs.Labels,
		State: apis.ApplicationEnabled, Version: 1, CreatedAt: now,
	}, nil
}

func (s *PGStore) UpdateApplication(name string, attrs ApplicationAttrs) (*apis.Application, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var openCount int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sessions WHERE application=$1 AND state=$2`,
		name, string(apis.SessionOpen)).Scan(&openCount); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "count open sessions")
	}
	if openCount > 0 {
		return nil, flameerr.New(flameerr.InvalidState, "application %q has %d open sessions", name, openCount)
	}

	var version uint64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM applications WHERE name=$1 FOR UPDATE`, name).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flameerr.New(flameerr.NotFound, "application %q not found", name)
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "lookup application")
	}

	args, _ := json.Marshal(attrs.Arguments)
	envs, _ := json.Marshal(attrs.Environments)
	labels, _ := json.Marshal(attrs.Labels)
	newVersion := version + 1

	_, err = tx.ExecContext(ctx, `
		UPDATE applications SET shim=$2, image=$3, command=$4, arguments=$5, environments=$6,
			working_directory=$7, input_schema=$8, output_schema=$9, common_schema=$10,
			max_instances=$11, delay_release_ns=$12, description=$13, labels=$14, version=$15
		WHERE name=$1
	`, name, string(attrs.Shim), attrs.Image, attrs.Command, args, envs, attrs.WorkingDirectory,
		attrs.InputSchema, attrs.OutputSchema, attrs.CommonSchema, attrs.MaxInstances, attrs.DelayRelease,
		attrs.Description, labels, newVersion)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "update application")
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}

	return s.FindApplication(name)
}

func (s *PGStore) UnregisterApplication(name string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var openCount int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sessions WHERE application=$1 AND state=$2`,
		name, string(apis.SessionOpen)).Scan(&openCount); err != nil {
		return flameerr.Wrap(flameerr.Storage, err, "count open sessions")
	}
	if openCount > 0 {
		return flameerr.New(flameerr.InvalidState, "application %q has %d open sessions", name, openCount)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE application=$1`, name)
	if err != nil {
		return flameerr.Wrap(flameerr.Storage, err, "list closed sessions")
	}
	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return flameerr.Wrap(flameerr.Storage, err, "scan session id")
		}
		sessionIDs = append(sessionIDs, id)
	}
	rows.Close()

	for _, id := range sessionIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id=$1`, id); err != nil {
			return flameerr.Wrap(flameerr.Storage, err, "cascade delete tasks")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
			return flameerr.Wrap(flameerr.Storage, err, "cascade delete session")
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE name=$1`, name)
	if err != nil {
		return flameerr.Wrap(flameerr.Storage, err, "delete application")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return flameerr.New(flameerr.NotFound, "application %q not found", name)
	}

	if err := tx.Commit(); err != nil {
		return flameerr.Wrap(flameerr.Storage, err, "commit")
	}
	return nil
}

func (s *PGStore) FindApplication(name string) (*apis.Application, error) {
	return s.scanApplication(s.db.QueryRowContext(context.Background(), `
		SELECT name, shim, image, command, arguments, environments, working_directory,
			input_schema, output_schema, common_schema, max_instances, delay_release_ns,
			description, labels, state, version, created_at
		FROM applications WHERE name=$1`, name))
}

func (s *PGStore) ListApplications() ([]*apis.Application, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT name, shim, image, command, arguments, environments, working_directory,
			input_schema, output_schema, common_schema, max_instances, delay_release_ns,
			description, labels, state, version, created_at
		FROM applications ORDER BY name`)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "list applications")
	}
	defer rows.Close()

	var out []*apis.Application
	for rows.Next() {
		app, err := s.scanApplicationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PGStore) scanApplication(row rowScanner) (*apis.Application, error) {
	app, err := s.scanApplicationRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flameerr.New(flameerr.NotFound, "application not found")
		}
		return nil, err
	}
	return app, nil
}

func (s *PGStore) scanApplicationRow(row rowScanner) (*apis.Application, error) {
	var (
		app                                      apis.Application
		shim, args, envs, labels                 string
		delayNS                                  int64
	)
	if err := row.Scan(&app.Name, &shim, &app.Image, &app.Command, &args, &envs, &app.WorkingDirectory,
		&app.InputSchema, &app.OutputSchema, &app.CommonSchema, &app.MaxInstances, &delayNS,
		&app.Description, &labels, &app.State, &app.Version, &app.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "scan application")
	}
	app.Shim = apis.ShimKind(shim)
	app.DelayRelease = time.Duration(delayNS)
	_ = json.Unmarshal([]byte(args), &app.Arguments)
	_ = json.Unmarshal([]byte(envs), &app.Environments)
	_ = json.Unmarshal([]byte(labels), &app.Labels)
	return &app, nil
}

// --- Sessions -----------------------------------------------------------

func (s *PGStore) CreateSession(id string, spec SessionSpec) (*apis.Session, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	ssn, err := s.createSessionTx(ctx, tx, id, spec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}
	return ssn, nil
}

func (s *PGStore) createSessionTx(ctx context.Context, tx *sql.Tx, id string, spec SessionSpec) (*apis.Session, error) {
	if spec.Slots < 1 {
		return nil, flameerr.New(flameerr.InvalidConfig, "slots must be >= 1")
	}

	var state string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM applications WHERE name=$1`, spec.Application).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flameerr.New(flameerr.NotFound, "application %q not found", spec.Application)
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "lookup application")
	}
	if apis.ApplicationState(state) != apis.ApplicationEnabled {
		return nil, flameerr.New(flameerr.NotFound, "application %q is disabled", spec.Application)
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, application, slots, common_data, version, created_at, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, spec.Application, spec.Slots, spec.CommonData, uint64(1), now, string(apis.SessionOpen))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, flameerr.New(flameerr.Conflict, "session %q already exists", id)
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "insert session")
	}

	return &apis.Session{
		ID: id, Application: spec.Application, Slots: spec.Slots, CommonData: spec.CommonData,
		Version: 1, CreatedAt: now, State: apis.SessionOpen,
	}, nil
}

func (s *PGStore) OpenSession(id string, spec *SessionSpec) (*apis.Session, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.findSessionTx(ctx, tx, id, true)
	if err != nil && !flameerr.Is(err, flameerr.NotFound) {
		return nil, err
	}

	if existing == nil {
		if spec == nil {
			return nil, flameerr.New(flameerr.NotFound, "session %q not found", id)
		}
		ssn, err := s.createSessionTx(ctx, tx, id, *spec)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
		}
		return ssn, nil
	}

	if existing.State != apis.SessionOpen {
		return nil, flameerr.New(flameerr.InvalidState, "session %q is closed", id)
	}

	if spec != nil {
		if existing.Application != spec.Application || existing.Slots != spec.Slots || string(existing.CommonData) != string(spec.CommonData) {
			return nil, flameerr.New(flameerr.InvalidState, "session %q spec mismatch", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}
	return existing, nil
}

func (s *PGStore) CloseSession(id string) (*apis.Session, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	ssn, err := s.findSessionTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if ssn.State != apis.SessionOpen {
		return nil, flameerr.New(flameerr.InvalidState, "session %q already closed", id)
	}

	var nonTerminal int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks WHERE session_id=$1 AND state NOT IN ($2,$3)`,
		id, string(apis.TaskSucceeded), string(apis.TaskFailed)).Scan(&nonTerminal); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "count non-terminal tasks")
	}
	if nonTerminal > 0 {
		return nil, flameerr.New(flameerr.InvalidState, "session %q has %d non-terminal tasks", id, nonTerminal)
	}

	now := time.Now().UTC()
	newVersion := ssn.Version + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET state=$2, completion_time=$3, version=$4 WHERE id=$1`,
		id, string(apis.SessionClosed), now, newVersion); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "close session")
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}

	ssn.State = apis.SessionClosed
	ssn.CompletionTime = &now
	ssn.Version = newVersion
	return ssn, nil
}

func (s *PGStore) DeleteSession(id string) (*apis.Session, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	ssn, err := s.findSessionTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if ssn.State != apis.SessionClosed {
		return nil, flameerr.New(flameerr.InvalidState, "session %q is not closed", id)
	}

	var nonTerminal int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks WHERE session_id=$1 AND state NOT IN ($2,$3)`,
		id, string(apis.TaskSucceeded), string(apis.TaskFailed)).Scan(&nonTerminal); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "count non-terminal tasks")
	}
	if nonTerminal > 0 {
		return nil, flameerr.New(flameerr.InvalidState, "session %q has %d non-terminal tasks", id, nonTerminal)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id=$1`, id); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "delete tasks")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "delete session")
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}
	return ssn, nil
}

func (s *PGStore) FindSession(id string) (*apis.Session, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()
	return s.findSessionTx(ctx, tx, id, false)
}

func (s *PGStore) findSessionTx(ctx context.Context, tx *sql.Tx, id string, forUpdate bool) (*apis.Session, error) {
	query := `SELECT id, application, slots, common_data, version, created_at, completion_time, state FROM sessions WHERE id=$1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		ssn            apis.Session
		state          string
		completionTime sql.NullTime
	)
	if err := tx.QueryRowContext(ctx, query, id).Scan(&ssn.ID, &ssn.Application, &ssn.Slots, &ssn.CommonData,
		&ssn.Version, &ssn.CreatedAt, &completionTime, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flameerr.New(flameerr.NotFound, "session %q not found", id)
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "lookup session")
	}
	ssn.State = apis.SessionState(state)
	if completionTime.Valid {
		t := completionTime.Time
		ssn.CompletionTime = &t
	}

	status, err := s.taskStatusTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	ssn.Status = status
	return &ssn, nil
}

func (s *PGStore) taskStatusTx(ctx context.Context, tx *sql.Tx, sessionID string) (apis.TaskStatus, error) {
	rows, err := tx.QueryContext(ctx, `SELECT state, count(*) FROM tasks WHERE session_id=$1 GROUP BY state`, sessionID)
	if err != nil {
		return apis.TaskStatus{}, flameerr.Wrap(flameerr.Storage, err, "task status")
	}
	defer rows.Close()

	var status apis.TaskStatus
	for rows.Next() {
		var state string
		var count int32
		if err := rows.Scan(&state, &count); err != nil {
			return apis.TaskStatus{}, flameerr.Wrap(flameerr.Storage, err, "scan task status")
		}
		switch apis.TaskState(state) {
		case apis.TaskPending:
			status.Pending = count
		case apis.TaskRunning:
			status.Running = count
		case apis.TaskSucceeded:
			status.Succeeded = count
		case apis.TaskFailed:
			status.Failed = count
		}
	}
	return status, nil
}

func (s *PGStore) ListSessions(includeClosed bool) ([]*apis.Session, error) {
	ctx := context.Background()
	query := `SELECT id FROM sessions`
	if !includeClosed {
		query += ` WHERE state=$1`
	}
	query += ` ORDER BY created_at`

	var rows *sql.Rows
	var err error
	if includeClosed {
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		rows, err = s.db.QueryContext(ctx, query, string(apis.SessionOpen))
	}
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "list sessions")
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, flameerr.Wrap(flameerr.Storage, err, "scan session id")
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*apis.Session, 0, len(ids))
	for _, id := range ids {
		ssn, err := s.FindSession(id)
		if err != nil {
			return nil, err
		}
		out = append(out, ssn)
	}
	return out, nil
}

// --- Tasks ----------------------------------------------------------------

func (s *PGStore) CreateTask(sessionID string, input []byte) (*apis.Task, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	ssn, err := s.findSessionTx(ctx, tx, sessionID, true)
	if err != nil {
		return nil, err
	}
	if ssn.State != apis.SessionOpen {
		return nil, flameerr.New(flameerr.InvalidState, "session %q is not open", sessionID)
	}

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT max(task_id) FROM tasks WHERE session_id=$1`, sessionID).Scan(&maxID); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "lookup max task id")
	}
	nextID := uint64(1)
	if maxID.Valid {
		nextID = uint64(maxID.Int64) + 1
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (session_id, task_id, version, input, state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sessionID, nextID, uint64(1), input, string(apis.TaskPending), now); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "insert task")
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}

	return &apis.Task{
		ID:        apis.TaskID{SessionID: sessionID, TaskID: nextID},
		Version:   1,
		Input:     input,
		State:     apis.TaskPending,
		CreatedAt: now,
	}, nil
}

var validTransitions = map[apis.TaskState]map[apis.TaskState]bool{
	apis.TaskPending: {apis.TaskRunning: true},
	apis.TaskRunning: {apis.TaskSucceeded: true, apis.TaskFailed: true},
}

func (s *PGStore) UpdateTaskState(id apis.TaskID, state apis.TaskState, message string) (*apis.Task, error) {
	return s.transitionTask(id, state, func(tx *sql.Tx, current *apis.Task, completionTime *time.Time) error {
		_, err := tx.ExecContext(context.Background(), `
			UPDATE tasks SET state=$3, version=$4, completion_time=$5 WHERE session_id=$1 AND task_id=$2`,
			id.SessionID, id.TaskID, string(state), current.Version+1, completionTime)
		return err
	})
}

func (s *PGStore) UpdateTaskResult(id apis.TaskID, state apis.TaskState, output []byte) (*apis.Task, error) {
	return s.transitionTask(id, state, func(tx *sql.Tx, current *apis.Task, completionTime *time.Time) error {
		_, err := tx.ExecContext(context.Background(), `
			UPDATE tasks SET state=$3, output=$4, version=$5, completion_time=$6 WHERE session_id=$1 AND task_id=$2`,
			id.SessionID, id.TaskID, string(state), output, current.Version+1, completionTime)
		return err
	})
}

func (s *PGStore) transitionTask(id apis.TaskID, state apis.TaskState, apply func(tx *sql.Tx, current *apis.Task, completionTime *time.Time) error) (*apis.Task, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.findTaskTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if current.State.IsTerminal() {
		return nil, flameerr.New(flameerr.InvalidState, "task %v is already terminal", id)
	}
	if !validTransitions[current.State][state] {
		return nil, flameerr.New(flameerr.InvalidState, "task %v cannot transition %s -> %s", id, current.State, state)
	}

	var completionTime *time.Time
	if state.IsTerminal() {
		t := time.Now().UTC()
		completionTime = &t
	}

	if err := apply(tx, current, completionTime); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "update task")
	}
	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}

	current.State = state
	current.Version++
	current.CompletionTime = completionTime
	return current, nil
}

// RetryTask forces a task back to Pending, used during crash recovery for
// Running tasks whose executor is lost.
func (s *PGStore) RetryTask(id apis.TaskID) (*apis.Task, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.findTaskTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if current.State.IsTerminal() {
		return nil, flameerr.New(flameerr.InvalidState, "task %v is terminal, cannot retry", id)
	}

	newVersion := current.Version + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state=$3, version=$4, completion_time=NULL WHERE session_id=$1 AND task_id=$2`,
		id.SessionID, id.TaskID, string(apis.TaskPending), newVersion); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "retry task")
	}

	if err := tx.Commit(); err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "commit")
	}

	current.State = apis.TaskPending
	current.Version = newVersion
	current.CompletionTime = nil
	return current, nil
}

func (s *PGStore) FindTask(id apis.TaskID) (*apis.Task, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()
	return s.findTaskTx(ctx, tx, id, false)
}

func (s *PGStore) findTaskTx(ctx context.Context, tx *sql.Tx, id apis.TaskID, forUpdate bool) (*apis.Task, error) {
	query := `SELECT version, input, output, state, created_at, completion_time FROM tasks WHERE session_id=$1 AND task_id=$2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		t              apis.Task
		state          string
		completionTime sql.NullTime
	)
	t.ID = id
	if err := tx.QueryRowContext(ctx, query, id.SessionID, id.TaskID).Scan(
		&t.Version, &t.Input, &t.Output, &state, &t.CreatedAt, &completionTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flameerr.New(flameerr.NotFound, "task %v not found", id)
		}
		return nil, flameerr.Wrap(flameerr.Storage, err, "lookup task")
	}
	t.State = apis.TaskState(state)
	if completionTime.Valid {
		ct := completionTime.Time
		t.CompletionTime = &ct
	}
	return &t, nil
}

func (s *PGStore) FindTasks(sessionID string) ([]*apis.Task, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, version, input, output, state, created_at, completion_time
		FROM tasks WHERE session_id=$1 ORDER BY task_id`, sessionID)
	if err != nil {
		return nil, flameerr.Wrap(flameerr.Storage, err, "list tasks")
	}
	defer rows.Close()

	var out []*apis.Task
	for rows.Next() {
		var (
			t              apis.Task
			state          string
			completionTime sql.NullTime
		)
		t.ID.SessionID = sessionID
		if err := rows.Scan(&t.ID.TaskID, &t.Version, &t.Input, &t.Output, &state, &t.CreatedAt, &completionTime); err != nil {
			return nil, flameerr.Wrap(flameerr.Storage, err, "scan task")
		}
		t.State = apis.TaskState(state)
		if completionTime.Valid {
			ct := completionTime.Time
			t.CompletionTime = &ct
		}
		out = append(out, &t)
	}
	return out, nil
}
