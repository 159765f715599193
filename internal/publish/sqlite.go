package publish

import (
	"bytes"
	"context"
	"database/sql"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const trackerSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	started_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS table_cells (
	run_id TEXT NOT NULL REFERENCES runs(id),
	table_name TEXT NOT NULL,
	row_index INTEGER NOT NULL,
	model TEXT NOT NULL,
	sample_id TEXT NOT NULL,
	column_name TEXT NOT NULL,
	png BLOB NOT NULL,
	PRIMARY KEY (run_id, table_name, row_index, column_name)
);
CREATE INDEX IF NOT EXISTS idx_cells_sample ON table_cells(run_id, table_name, model, sample_id);
`

// SQLiteTracker is an experiment tracker storing logged tables in a SQLite
// database. Each tracker is one run; image cells are stored as PNG.
type SQLiteTracker struct {
	db    *sql.DB
	path  string
	runID string
}

// OpenSQLiteTracker opens or creates the database at path and starts a run.
func OpenSQLiteTracker(ctx context.Context, path, project string) (*SQLiteTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "tracker: create directory")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "tracker: open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, trackerSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "tracker: initialize schema")
	}
	t := &SQLiteTracker{db: db, path: path, runID: uuid.NewString()}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, project, started_at) VALUES (?, ?, ?)`,
		t.runID, project, time.Now().UTC()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "tracker: start run")
	}
	return t, nil
}

// RunID returns the id of the tracker's run.
func (t *SQLiteTracker) RunID() string {
	return t.runID
}

// Path returns the database file path.
func (t *SQLiteTracker) Path() string {
	return t.path
}

// LogTable implements Tracker. All rows are written in one transaction.
func (t *SQLiteTracker) LogTable(ctx context.Context, table string, columns []string, rows []Row) (err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "tracker: begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO table_cells
		(run_id, table_name, row_index, model, sample_id, column_name, png) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "tracker: prepare")
	}
	defer stmt.Close()

	var buf bytes.Buffer
	for i, row := range rows {
		if len(row.Cells) != len(columns) {
			return errors.Errorf("tracker: row %s has %d cells for %d columns", row.SampleID, len(row.Cells), len(columns))
		}
		for c, cell := range row.Cells {
			buf.Reset()
			if err := png.Encode(&buf, cell); err != nil {
				return errors.Wrapf(err, "tracker: encode %s/%s", row.SampleID, columns[c])
			}
			if _, err := stmt.ExecContext(ctx, t.runID, table, i, row.Model, row.SampleID, columns[c], buf.Bytes()); err != nil {
				return errors.Wrapf(err, "tracker: insert %s/%s", row.SampleID, columns[c])
			}
		}
	}
	return errors.Wrap(tx.Commit(), "tracker: commit")
}

// Samples returns the sample ids of model logged to table in this run, in
// row order.
func (t *SQLiteTracker) Samples(ctx context.Context, table, model string) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT DISTINCT sample_id, row_index FROM table_cells
		WHERE run_id = ? AND table_name = ? AND model = ? ORDER BY row_index`, t.runID, table, model)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: query samples")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var idx int
		if err := rows.Scan(&id, &idx); err != nil {
			return nil, errors.Wrap(err, "tracker: scan sample")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "tracker: iterate samples")
}

// Cell returns one logged image cell.
func (t *SQLiteTracker) Cell(ctx context.Context, table, model, sampleID, column string) (image.Image, error) {
	var data []byte
	err := t.db.QueryRowContext(ctx, `SELECT png FROM table_cells
		WHERE run_id = ? AND table_name = ? AND model = ? AND sample_id = ? AND column_name = ?`,
		t.runID, table, model, sampleID, column).Scan(&data)
	if err != nil {
		return nil, errors.Wrapf(err, "tracker: cell %s/%s/%s", model, sampleID, column)
	}
	img, err := png.Decode(bytes.NewReader(data))
	return img, errors.Wrapf(err, "tracker: decode %s/%s/%s", model, sampleID, column)
}

// Close closes the database.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
