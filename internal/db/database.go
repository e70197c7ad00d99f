package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Database is the SQLite room repository.
type Database struct {
	db  *sql.DB
	log *zap.Logger
}

func New(dbPath string, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database initialized", zap.String("path", dbPath))
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		password_hash BLOB NOT NULL,
		max_participants INTEGER NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

const selectRoom = `
	SELECT id, name, password_hash, max_participants, is_private, code, language, revision, created_at
	FROM rooms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (room.Record, error) {
	var (
		rec       room.Record
		lang      string
		revision  int64
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.PasswordHash, &rec.MaxParticipants, &rec.IsPrivate,
		&rec.Document.Code, &lang, &revision, &createdAt)
	if err != nil {
		return room.Record{}, err
	}
	rec.Document.Language = room.Language(lang)
	rec.Document.Revision = uint64(revision)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, nil
}

func (d *Database) Get(ctx context.Context, key string) (room.Record, error) {
	row := d.db.QueryRowContext(ctx, selectRoom+" WHERE id = ?", key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return room.Record{}, room.ErrNotFound
	}
	return rec, err
}

// Put inserts or replaces the stored room. The revision never moves
// backwards so a stale snapshot cannot overwrite a newer one.
func (d *Database) Put(ctx context.Context, key string, rec room.Record) error {
	now := time.Now().UnixNano()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, password_hash, max_participants, is_private, code, language, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			password_hash = excluded.password_hash,
			max_participants = excluded.max_participants,
			is_private = excluded.is_private,
			code = excluded.code,
			language = excluded.language,
			revision = excluded.revision,
			updated_at = excluded.updated_at
		WHERE excluded.revision >= rooms.revision
	`, key, rec.Name, rec.PasswordHash, rec.MaxParticipants, rec.IsPrivate,
		rec.Document.Code, string(rec.Document.Language), int64(rec.Document.Revision),
		rec.CreatedAt.UnixNano(), now)
	return err
}

func (d *Database) Delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", key)
	return err
}

// Stats

func (d *Database) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["stored_rooms"] = roomCount
	stats["backend"] = "sqlite"

	return stats, nil
}
