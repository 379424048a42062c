package shot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS shots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	device       TEXT NOT NULL,
	shot_id      TEXT NOT NULL,
	file         TEXT NOT NULL DEFAULT '',
	armed_at     INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	download_ms  INTEGER NOT NULL,
	save_ms      INTEGER NOT NULL DEFAULT 0,
	UNIQUE(device, shot_id)
);
CREATE TABLE IF NOT EXISTS shot_attributes (
	shot  INTEGER NOT NULL REFERENCES shots(id) ON DELETE CASCADE,
	name  TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (shot, name)
);
CREATE TABLE IF NOT EXISTS shot_readouts (
	shot    INTEGER NOT NULL REFERENCES shots(id) ON DELETE CASCADE,
	idx     INTEGER NOT NULL,
	channel TEXT NOT NULL,
	value   REAL NOT NULL,
	PRIMARY KEY (shot, idx)
);
`

// SQLiteStore keeps shot records in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("results db pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate results db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save inserts rec. A shot id already stored for the device is replaced.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shots WHERE device = ? AND shot_id = ?`, rec.Device, rec.ShotID); err != nil {
		return fmt.Errorf("replace shot: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO shots (device, shot_id, file, armed_at, completed_at, download_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Device, rec.ShotID, rec.File, rec.ArmedAt.UnixMilli(), rec.CompletedAt.UnixMilli(), rec.DownloadDuration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert shot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for name, value := range rec.Attributes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO shot_attributes (shot, name, value) VALUES (?, ?, ?)`, id, name, value); err != nil {
			return fmt.Errorf("insert attribute %s: %w", name, err)
		}
	}
	for i, r := range rec.Readouts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO shot_readouts (shot, idx, channel, value) VALUES (?, ?, ?, ?)`, id, i, r.Channel, r.Value); err != nil {
			return fmt.Errorf("insert readout %s: %w", r.Channel, err)
		}
	}
	saveDur := time.Since(start)
	if _, err := tx.ExecContext(ctx, `UPDATE shots SET save_ms = ? WHERE id = ?`, saveDur.Milliseconds(), id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rec.ID = id
	rec.SaveDuration = saveDur
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, device, shotID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE device = ? AND shot_id = ?`, device, shotID)
	rec, err := scanShot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadDetails(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns the newest shots of device first; limit <= 0 means all.
func (s *SQLiteStore) List(ctx context.Context, device string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shotColumns+` FROM shots WHERE device = ? ORDER BY completed_at DESC, id DESC LIMIT ?`, device, limit)
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		rec, err := scanShot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadDetails(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const shotColumns = `id, device, shot_id, file, armed_at, completed_at, download_ms, save_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanShot(sc scanner) (*Record, error) {
	var (
		rec                Record
		armed, completed   int64
		downloadMs, saveMs int64
	)
	if err := sc.Scan(&rec.ID, &rec.Device, &rec.ShotID, &rec.File, &armed, &completed, &downloadMs, &saveMs); err != nil {
		return nil, err
	}
	rec.ArmedAt = time.UnixMilli(armed)
	rec.CompletedAt = time.UnixMilli(completed)
	rec.DownloadDuration = time.Duration(downloadMs) * time.Millisecond
	rec.SaveDuration = time.Duration(saveMs) * time.Millisecond
	return &rec, nil
}

func (s *SQLiteStore) loadDetails(ctx context.Context, rec *Record) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM shot_attributes WHERE shot = ?`, rec.ID)
	if err != nil {
		return err
	}
	rec.Attributes = map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return err
		}
		rec.Attributes[name] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT channel, value FROM shot_readouts WHERE shot = ? ORDER BY idx`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rec.Readouts = nil
	for rows.Next() {
		var r Readout
		if err := rows.Scan(&r.Channel, &r.Value); err != nil {
			return err
		}
		rec.Readouts = append(rec.Readouts, r)
	}
	return rows.Err()
}
