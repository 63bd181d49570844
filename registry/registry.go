// Package registry records training runs in a SQLite database, so run names stay unique and
// the outcome of each stage of a run can be audited later.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// BusyTimeout is how long a connection waits on a database locked by another process.
const BusyTimeout = 5 * time.Second

var (
	// ErrRunExists is returned by Begin when the run name was used before.
	ErrRunExists = errors.New("run already exists")

	// ErrRunNotFound is returned for names never registered.
	ErrRunNotFound = errors.New("run not found")
)

// Stage of a run.
type Stage string

const (
	StageStarted  Stage = "started"
	StagePrepared Stage = "prepared"
	StageTrained  Stage = "trained"
	StageDeployed Stage = "deployed"
	StageFailed   Stage = "failed"
)

// Run is one training run.
type Run struct {
	Name     string
	ID       string
	DataPath string
	Stage    Stage

	BlockSize   int
	NumRecords  int
	NumTokens   int
	NumWindows  int
	DatasetFile string
	ArtifactDir string
	Error       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fields updated along with a run's stage. Zero values leave the stored value unchanged.
type Fields struct {
	NumRecords  int
	NumTokens   int
	NumWindows  int
	DatasetFile string
	ArtifactDir string
	Error       string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	name         TEXT PRIMARY KEY,
	id           TEXT NOT NULL,
	data_path    TEXT NOT NULL,
	stage        TEXT NOT NULL,
	block_size   INTEGER NOT NULL DEFAULT 0,
	num_records  INTEGER NOT NULL DEFAULT 0,
	num_tokens   INTEGER NOT NULL DEFAULT 0,
	num_windows  INTEGER NOT NULL DEFAULT 0,
	dataset_file TEXT NOT NULL DEFAULT '',
	artifact_dir TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);`

const runColumns = `name, id, data_path, stage, block_size, num_records, num_tokens, num_windows,
	dataset_file, artifact_dir, error, created_at, updated_at`

// Registry is a run database. It is safe for concurrent use.
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens, creating it if needed, the registry database at path.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create registry directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open registry %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to create registry tables in %s", path)
	}
	return &Registry{db: db}, nil
}

// dataSourceName configures every pooled connection, not just the first one: the driver runs
// the _pragma values on each new connection. Transactions take the write lock when they begin
// (_txlock=immediate), so a read-then-insert can't be invalidated by another process.
func dataSourceName(path string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, BusyTimeout.Milliseconds())
}

// isConstraintError reports whether err is a SQLite constraint violation, e.g. a duplicate key.
func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// Close the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Begin records a new run in StageStarted, unless its Stage is set. An ID is generated if empty.
// It returns ErrRunExists if the name is taken.
func (r *Registry) Begin(run Run) (*Run, error) {
	if run.Name == "" {
		return nil, errors.New("run needs a name")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Stage == "" {
		run.Stage = StageStarted
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to start registry transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow("SELECT COUNT(*) FROM runs WHERE name = ?", run.Name).Scan(&exists)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up run %q", run.Name)
	}
	if exists > 0 {
		return nil, errors.Wrapf(ErrRunExists, "run %q", run.Name)
	}
	_, err = tx.Exec("INSERT INTO runs ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		run.Name, run.ID, run.DataPath, string(run.Stage), run.BlockSize, run.NumRecords, run.NumTokens,
		run.NumWindows, run.DatasetFile, run.ArtifactDir, run.Error, now.UnixNano(), now.UnixNano())
	if isConstraintError(err) {
		return nil, errors.Wrapf(ErrRunExists, "run %q", run.Name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to insert run %q", run.Name)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit run %q", run.Name)
	}
	return &run, nil
}

// Update moves a run to stage, and overwrites the non-zero fields.
func (r *Registry) Update(name string, stage Stage, fields Fields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, err := r.db.Exec(`UPDATE runs SET
		stage = ?,
		num_records  = CASE WHEN ? > 0 THEN ? ELSE num_records END,
		num_tokens   = CASE WHEN ? > 0 THEN ? ELSE num_tokens END,
		num_windows  = CASE WHEN ? > 0 THEN ? ELSE num_windows END,
		dataset_file = CASE WHEN ? != '' THEN ? ELSE dataset_file END,
		artifact_dir = CASE WHEN ? != '' THEN ? ELSE artifact_dir END,
		error        = CASE WHEN ? != '' THEN ? ELSE error END,
		updated_at = ?
		WHERE name = ?`,
		string(stage),
		fields.NumRecords, fields.NumRecords,
		fields.NumTokens, fields.NumTokens,
		fields.NumWindows, fields.NumWindows,
		fields.DatasetFile, fields.DatasetFile,
		fields.ArtifactDir, fields.ArtifactDir,
		fields.Error, fields.Error,
		time.Now().UTC().UnixNano(), name)
	if err != nil {
		return errors.Wrapf(err, "failed to update run %q", name)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update run %q", name)
	}
	if count == 0 {
		return errors.Wrapf(ErrRunNotFound, "run %q", name)
	}
	return nil
}

// Get returns the run with the given name, or ErrRunNotFound.
func (r *Registry) Get(name string) (*Run, error) {
	row := r.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE name = ?", name)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRunNotFound, "run %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run %q", name)
	}
	return run, nil
}

// List returns all runs, oldest first.
func (r *Registry) List() ([]*Run, error) {
	rows, err := r.db.Query("SELECT " + runColumns + " FROM runs ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read run")
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "failed to list runs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var stage string
	var created, updated int64
	err := row.Scan(&run.Name, &run.ID, &run.DataPath, &stage, &run.BlockSize, &run.NumRecords,
		&run.NumTokens, &run.NumWindows, &run.DatasetFile, &run.ArtifactDir, &run.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	run.Stage = Stage(stage)
	run.CreatedAt = time.Unix(0, created).UTC()
	run.UpdatedAt = time.Unix(0, updated).UTC()
	return &run, nil
}
