// Package history keeps a log of published readings and calibration runs
// in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS readings (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    ts           INTEGER NOT NULL,
    frequency_hz REAL    NOT NULL,
    result_hz    REAL    NOT NULL,
    band         TEXT    NOT NULL,
    resolution   TEXT    NOT NULL,
    averaged     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings (ts);

CREATE TABLE IF NOT EXISTS calibrations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    ts           INTEGER NOT NULL,
    reference_hz REAL    NOT NULL,
    measured_hz  REAL    NOT NULL,
    factor       REAL    NOT NULL,
    accepted     INTEGER NOT NULL,
    band         TEXT    NOT NULL,
    error        TEXT
);
`

const insertReadingSQL = `
INSERT INTO readings (ts, frequency_hz, result_hz, band, resolution, averaged)
VALUES (?, ?, ?, ?, ?, ?)`

const selectReadingsSQL = `
SELECT ts, frequency_hz, result_hz, band, resolution, averaged
FROM readings
ORDER BY ts DESC, id DESC
LIMIT ?`

const insertCalibrationSQL = `
INSERT INTO calibrations (ts, reference_hz, measured_hz, factor, accepted, band, error)
VALUES (?, ?, ?, ?, ?, ?, ?)`

const selectCalibrationsSQL = `
SELECT ts, reference_hz, measured_hz, factor, accepted, band, error
FROM calibrations
ORDER BY ts DESC, id DESC
LIMIT ?`

const pruneReadingsSQL = `DELETE FROM readings WHERE ts < ?`

// Reading is one logged published reading.
type Reading struct {
	Time        time.Time `json:"time"`
	FrequencyHz float64   `json:"frequencyHz"`
	ResultHz    float64   `json:"resultHz"`
	Band        string    `json:"band"`
	Resolution  string    `json:"resolution"`
	Averaged    int       `json:"averaged"`
}

// Calibration is one logged calibration run.
type Calibration struct {
	Time        time.Time `json:"time"`
	ReferenceHz float64   `json:"referenceHz"`
	MeasuredHz  float64   `json:"measuredHz"`
	Factor      float64   `json:"factor"`
	Accepted    bool      `json:"accepted"`
	Band        string    `json:"band"`
	Error       string    `json:"error,omitempty"`
}

// SqliteStore is safe for concurrent use.
type SqliteStore struct {
	dbPath string

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func (s *SqliteStore) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.dbErr = pkgerrors.Wrap(err, "opening database")
			return
		}
		// One writer at a time is all SQLite supports anyway.
		db.SetMaxOpenConns(1)

		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = pkgerrors.Wrap(err, "initializing schema")
			return
		}

		logrus.WithField("path", s.dbPath).Debug("history database opened")
		s.db = db
	})

	return s.db, s.dbErr
}

func closeWithError(stmt *sql.Stmt, err *error) {
	if cErr := stmt.Close(); cErr != nil && *err == nil {
		*err = pkgerrors.Wrap(cErr, "closing statement")
	}
}

func (s *SqliteStore) RecordReading(ctx context.Context, r Reading) (err error) {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	stmt, err := db.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		return pkgerrors.Wrap(err, "preparing statement")
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx, r.Time.UnixMilli(), r.FrequencyHz, r.ResultHz, r.Band, r.Resolution, r.Averaged); err != nil {
		return pkgerrors.Wrap(err, "inserting reading")
	}
	return nil
}

// Readings returns up to limit readings, newest first.
func (s *SqliteStore) Readings(ctx context.Context, limit int) (out []Reading, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectReadingsSQL, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying readings")
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = pkgerrors.Wrap(cErr, "closing rows")
		}
	}()

	for rows.Next() {
		var (
			r  Reading
			ts int64
		)
		if err = rows.Scan(&ts, &r.FrequencyHz, &r.ResultHz, &r.Band, &r.Resolution, &r.Averaged); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning reading")
		}
		r.Time = time.UnixMilli(ts)
		out = append(out, r)
	}
	if err = rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "iterating readings")
	}
	return out, nil
}

func (s *SqliteStore) RecordCalibration(ctx context.Context, c Calibration) (err error) {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	stmt, err := db.PrepareContext(ctx, insertCalibrationSQL)
	if err != nil {
		return pkgerrors.Wrap(err, "preparing statement")
	}
	defer closeWithError(stmt, &err)

	var msg sql.NullString
	if c.Error != "" {
		msg = sql.NullString{String: c.Error, Valid: true}
	}

	if _, err = stmt.ExecContext(ctx, c.Time.UnixMilli(), c.ReferenceHz, c.MeasuredHz, c.Factor, c.Accepted, c.Band, msg); err != nil {
		return pkgerrors.Wrap(err, "inserting calibration")
	}
	return nil
}

// Calibrations returns up to limit calibration runs, newest first.
func (s *SqliteStore) Calibrations(ctx context.Context, limit int) (out []Calibration, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectCalibrationsSQL, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying calibrations")
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = pkgerrors.Wrap(cErr, "closing rows")
		}
	}()

	for rows.Next() {
		var (
			c   Calibration
			ts  int64
			msg sql.NullString
		)
		if err = rows.Scan(&ts, &c.ReferenceHz, &c.MeasuredHz, &c.Factor, &c.Accepted, &c.Band, &msg); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning calibration")
		}
		c.Time = time.UnixMilli(ts)
		c.Error = msg.String
		out = append(out, c)
	}
	if err = rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "iterating calibrations")
	}
	return out, nil
}

// Prune deletes readings older than before and returns how many were
// removed. Calibration runs are kept.
func (s *SqliteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, pruneReadingsSQL, before.UnixMilli())
	if err != nil {
		return 0, pkgerrors.Wrap(err, "pruning readings")
	}
	return res.RowsAffected()
}

// Close is safe to call more than once.
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
