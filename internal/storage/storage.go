package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Store wraps SQLite-backed persistence for stitching runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverModernc, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// The queue and the worker write from different goroutines; one
	// connection serialises them and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stitch_runs (
            id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            status TEXT NOT NULL,
            inputs_json TEXT,
            params_json TEXT,
            output_dir TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_components (
            run_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            indices_json TEXT NOT NULL,
            width INTEGER,
            height INTEGER,
            output_path TEXT,
            PRIMARY KEY (run_id, position)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stitch_runs_created ON stitch_runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted run.
type RunRecord struct {
	ID          string            `json:"id"`
	Mode        string            `json:"mode"`
	Status      string            `json:"status"`
	Inputs      []string          `json:"inputs"`
	ParamsJSON  string            `json:"params_json,omitempty"`
	OutputDir   string            `json:"output_dir,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Components  []ComponentRecord `json:"components,omitempty"`
}

// ComponentRecord is one panorama produced by a run.
type ComponentRecord struct {
	Position   int    `json:"position"`
	Indices    []int  `json:"indices"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	OutputPath string `json:"output_path,omitempty"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO stitch_runs (id, mode, status, inputs_json, params_json, output_dir) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Mode, rec.Status, string(inputs), rec.ParamsJSON, rec.OutputDir)
	return err
}

// DeleteRun removes a run and its components.
func (s *Store) DeleteRun(id string) error {
	if s == nil {
		return nil
	}
	if _, err := s.DB.Exec(`DELETE FROM run_components WHERE run_id=?;`, id); err != nil {
		return err
	}
	_, err := s.DB.Exec(`DELETE FROM stitch_runs WHERE id=?;`, id)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE stitch_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with its status and components.
func (s *Store) RecordRunResult(id string, status string, components []ComponentRecord, errMsg string) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE stitch_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM run_components WHERE run_id=?;`, id); err != nil {
		return err
	}
	for _, c := range components {
		indices, err := json.Marshal(c.Indices)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO run_components (run_id, position, indices_json, width, height, output_path) VALUES (?, ?, ?, ?, ?, ?);`,
			id, c.Position, string(indices), c.Width, c.Height, c.OutputPath); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `id, mode, status, inputs_json, params_json, output_dir, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var created time.Time
	var started, completed sql.NullTime
	var inputs, paramsJSON, outputDir, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Mode, &rec.Status, &inputs, &paramsJSON, &outputDir, &created, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.ParamsJSON = paramsJSON.String
	rec.OutputDir = outputDir.String
	rec.Error = errorMsg.String
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &rec.Inputs); err != nil {
			return rec, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit, without components.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM stitch_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run with its components.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM stitch_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	rec.Components, err = s.Components(id)
	return rec, err
}

// Components lists the components of a run by position.
func (s *Store) Components(runID string) ([]ComponentRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT position, indices_json, width, height, output_path FROM run_components WHERE run_id=? ORDER BY position;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ComponentRecord
	for rows.Next() {
		var c ComponentRecord
		var indices string
		var outputPath sql.NullString
		if err := rows.Scan(&c.Position, &indices, &c.Width, &c.Height, &outputPath); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(indices), &c.Indices); err != nil {
			return nil, fmt.Errorf("unmarshal indices: %w", err)
		}
		c.OutputPath = outputPath.String
		out = append(out, c)
	}
	return out, rows.Err()
}
