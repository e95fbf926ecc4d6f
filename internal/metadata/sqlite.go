package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists upload sessions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and creates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for export and import tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// initDB applies PRAGMAs and creates the tables. Safe to call repeatedly.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS multipart_uploads (
			bucket        TEXT NOT NULL,
			upload_id     TEXT NOT NULL,
			key           TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			initiated_at  TEXT NOT NULL,

			PRIMARY KEY (bucket, upload_id)
		);

		CREATE TABLE IF NOT EXISTS multipart_parts (
			bucket        TEXT NOT NULL,
			upload_id     TEXT NOT NULL,
			part_number   INTEGER NOT NULL,
			size          INTEGER NOT NULL,
			etag          TEXT NOT NULL,
			last_modified TEXT NOT NULL,

			PRIMARY KEY (bucket, upload_id, part_number),
			FOREIGN KEY (bucket, upload_id) REFERENCES multipart_uploads(bucket, upload_id) ON DELETE CASCADE
		);

		INSERT OR IGNORE INTO schema_version (version, applied_at)
			VALUES (1, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'));
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutUpload(ctx context.Context, u *UploadRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (bucket, upload_id, key, content_type, initiated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, upload_id) DO UPDATE SET
			key = excluded.key,
			content_type = excluded.content_type,
			initiated_at = excluded.initiated_at`,
		u.Bucket, u.UploadID, u.Key, u.ContentType, formatTime(u.InitiatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bucket, upload_id, key, content_type, initiated_at
		 FROM multipart_uploads WHERE bucket = ? AND upload_id = ?`,
		bucket, uploadID,
	)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) DeleteUpload(ctx context.Context, bucket, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE bucket = ? AND upload_id = ?`, bucket, uploadID,
	); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE bucket = ? AND upload_id = ?`, bucket, uploadID,
	); err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutPart(ctx context.Context, p *PartRecord) error {
	// foreign_keys is a per-connection pragma, so check the parent here.
	if _, err := s.GetUpload(ctx, p.Bucket, p.UploadID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_parts (bucket, upload_id, part_number, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, upload_id, part_number) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			last_modified = excluded.last_modified`,
		p.Bucket, p.UploadID, p.PartNumber, p.Size, p.ETag, formatTime(p.LastModified),
	)
	if err != nil {
		return fmt.Errorf("storing part: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts WHERE bucket = ? AND upload_id = ?
		 ORDER BY part_number`,
		bucket, uploadID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		var modified string
		if err := rows.Scan(&p.Bucket, &p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &modified); err != nil {
			return nil, fmt.Errorf("scanning part: %w", err)
		}
		p.LastModified = parseTime(modified)
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (s *SQLiteStore) ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error) {
	query := `SELECT bucket, upload_id, key, content_type, initiated_at FROM multipart_uploads`
	var args []any
	if bucket != "" {
		query += ` WHERE bucket = ?`
		args = append(args, bucket)
	}
	query += ` ORDER BY bucket, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var uploads []UploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		uploads = append(uploads, *u)
	}
	return uploads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*UploadRecord, error) {
	var u UploadRecord
	var initiated string
	if err := row.Scan(&u.Bucket, &u.UploadID, &u.Key, &u.ContentType, &initiated); err != nil {
		return nil, err
	}
	u.InitiatedAt = parseTime(initiated)
	return &u, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ UploadStore = (*SQLiteStore)(nil)
