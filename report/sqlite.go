package report

import (
	"context"
	"database/sql"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"
)

// Schema is the SQL that Export executes.
// It creates the tables if they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  started TEXT NOT NULL,
  finished TEXT NOT NULL,
  pubkey TEXT NOT NULL,
  identifier TEXT NOT NULL,
  manifest_id TEXT NOT NULL,
  failed INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
  run_id INTEGER NOT NULL REFERENCES runs (id),
  path TEXT NOT NULL,
  sha256 TEXT NOT NULL,
  success INTEGER NOT NULL,
  attempts INTEGER NOT NULL,
  event_id TEXT NOT NULL,
  event_published INTEGER NOT NULL,
  error TEXT NOT NULL,
  PRIMARY KEY (run_id, path)
);

CREATE TABLE IF NOT EXISTS destinations (
  run_id INTEGER NOT NULL REFERENCES runs (id),
  path TEXT NOT NULL,
  kind TEXT NOT NULL,
  url TEXT NOT NULL,
  success INTEGER NOT NULL,
  already_exists INTEGER NOT NULL,
  error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS destinations_idx ON destinations (run_id, path);
`

// Destination kinds.
const (
	KindServer = "server"
	KindRelay  = "relay"
)

// Run is a stored report, as read back by Load.
type Run struct {
	ID         int64
	Started    time.Time
	Finished   time.Time
	Pubkey     string
	Identifier string
	ManifestID string
	Failed     bool

	Files        []FileRow
	Destinations []DestRow
}

// FileRow is the stored outcome for one file.
type FileRow struct {
	Path     string
	SHA256   string
	Success  bool
	Attempts int

	EventID        string
	EventPublished bool

	Err string
}

// DestRow is the stored outcome for one destination.
// For relays, Path is empty: the destination received the manifest.
type DestRow struct {
	Path          string
	Kind          string
	URL           string
	Success       bool
	AlreadyExists bool
	Err           string
}

// Open opens (creating if necessary) the sqlite database at path
// and ensures it has the tables described by Schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	return db, nil
}

// Export writes r to db, returning the new run's id.
func Export(ctx context.Context, db *sql.DB, r *Report) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var manifestID string
	if r.Publication != nil {
		manifestID = r.Publication.Event.ID
	}

	const q = `INSERT INTO runs (started, finished, pubkey, identifier, manifest_id, failed) VALUES ($1, $2, $3, $4, $5, $6)`
	res, err := tx.ExecContext(ctx, q, formatTime(r.Started), formatTime(r.Finished), r.Pubkey, r.Identifier, manifestID, r.Failed())
	if err != nil {
		return 0, errors.Wrap(err, "inserting run")
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "getting run id")
	}

	const fq = `INSERT INTO files (run_id, path, sha256, success, attempts, event_id, event_published, error) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	const dq = `INSERT INTO destinations (run_id, path, kind, url, success, already_exists, error) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, f := range r.Files {
		_, err = tx.ExecContext(ctx, fq, runID, f.File.Path, f.File.SHA256.String(), f.Success, f.Attempts, f.EventID, f.EventPublished, errString(f.Err))
		if err != nil {
			return 0, errors.Wrapf(err, "inserting file %s", f.File.Path)
		}
		for url, sr := range f.Servers {
			_, err = tx.ExecContext(ctx, dq, runID, f.File.Path, KindServer, url, sr.Success, sr.AlreadyExists, errString(sr.Err))
			if err != nil {
				return 0, errors.Wrapf(err, "inserting outcome for %s on %s", f.File.Path, url)
			}
		}
	}

	if r.Publication != nil {
		for _, o := range r.Publication.Outcomes {
			_, err = tx.ExecContext(ctx, dq, runID, "", KindRelay, o.Relay, o.OK, false, errString(o.Err))
			if err != nil {
				return 0, errors.Wrapf(err, "inserting outcome for %s", o.Relay)
			}
		}
	}

	return runID, errors.Wrap(tx.Commit(), "committing")
}

// Runs lists the ids of the stored runs, most recent first.
func Runs(ctx context.Context, db *sql.DB) ([]int64, error) {
	const q = `SELECT id FROM runs ORDER BY id DESC`

	var ids []int64
	err := sqlutil.ForQueryRows(ctx, db, q, func(id int64) {
		ids = append(ids, id)
	})
	return ids, errors.Wrap(err, "listing runs")
}

// Load reads back the run with the given id.
func Load(ctx context.Context, db *sql.DB, id int64) (*Run, error) {
	const q = `SELECT started, finished, pubkey, identifier, manifest_id, failed FROM runs WHERE id = $1`

	var (
		run               = &Run{ID: id}
		started, finished string
	)
	err := db.QueryRowContext(ctx, q, id).Scan(&started, &finished, &run.Pubkey, &run.Identifier, &run.ManifestID, &run.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("no run %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading run %d", id)
	}
	if run.Started, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.Finished, err = parseTime(finished); err != nil {
		return nil, err
	}

	const fq = `SELECT path, sha256, success, attempts, event_id, event_published, error FROM files WHERE run_id = $1 ORDER BY path`
	err = sqlutil.ForQueryRows(ctx, db, fq, id, func(path, sha256 string, success bool, attempts int, eventID string, published bool, errstr string) {
		run.Files = append(run.Files, FileRow{
			Path:           path,
			SHA256:         sha256,
			Success:        success,
			Attempts:       attempts,
			EventID:        eventID,
			EventPublished: published,
			Err:            errstr,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading files")
	}

	const dq = `SELECT path, kind, url, success, already_exists, error FROM destinations WHERE run_id = $1 ORDER BY path, kind, url`
	err = sqlutil.ForQueryRows(ctx, db, dq, id, func(path, kind, url string, success, exists bool, errstr string) {
		run.Destinations = append(run.Destinations, DestRow{Path: path, Kind: kind, URL: url, Success: success, AlreadyExists: exists, Err: errstr})
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading destinations")
	}

	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Wrapf(err, "parsing time %s", s)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
