package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend keeps folders and file contents in a single SQLite database.
// Suited to small objects and embedded deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS folders (
			path       TEXT PRIMARY KEY,
			parent     TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent);

		CREATE TABLE IF NOT EXISTS files (
			path         TEXT PRIMARY KEY,
			parent       TEXT    NOT NULL,
			name         TEXT    NOT NULL,
			data         BLOB    NOT NULL,
			size         INTEGER NOT NULL,
			content_type TEXT    NOT NULL,
			modified_at  TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBackend) MakeFolder(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	for cur := clean; cur != ""; {
		parent, name := splitPath(cur)
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE path = ?", cur).Scan(&n); err != nil {
			return fmt.Errorf("checking %q: %w", cur, err)
		}
		if n > 0 {
			return fmt.Errorf("storage: %q is a file", cur)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO folders (path, parent, name, created_at) VALUES (?, ?, ?, ?)",
			cur, parent, name, now); err != nil {
			return fmt.Errorf("creating folder %q: %w", cur, err)
		}
		cur = parent
	}
	return tx.Commit()
}

func (b *SQLiteBackend) FolderExists(ctx context.Context, p string) (bool, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM folders WHERE path = ?", clean).Scan(&n); err != nil {
		return false, fmt.Errorf("checking folder %q: %w", p, err)
	}
	return n > 0, nil
}

func (b *SQLiteBackend) List(ctx context.Context, p string) (*Listing, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	ok, err := b.FolderExists(ctx, clean)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", p, ErrNotFound)
	}

	l := &Listing{}
	rows, err := b.db.QueryContext(ctx, "SELECT name, created_at FROM folders WHERE parent = ? ORDER BY name", clean)
	if err != nil {
		return nil, fmt.Errorf("listing folders of %q: %w", p, err)
	}
	for rows.Next() {
		var fi FolderInfo
		var created string
		if err := rows.Scan(&fi.Name, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning folder row: %w", err)
		}
		fi.Created, _ = time.Parse(timeFormat, created)
		l.Folders = append(l.Folders, fi)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx,
		"SELECT name, size, content_type, modified_at FROM files WHERE parent = ? ORDER BY name", clean)
	if err != nil {
		return nil, fmt.Errorf("listing files of %q: %w", p, err)
	}
	defer rows.Close()
	for rows.Next() {
		fi, err := scanFileInfo(rows)
		if err != nil {
			return nil, err
		}
		l.Files = append(l.Files, *fi)
	}
	return l, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileInfo(row rowScanner) (*FileInfo, error) {
	var fi FileInfo
	var modified string
	if err := row.Scan(&fi.Name, &fi.Size, &fi.ContentType, &modified); err != nil {
		return nil, err
	}
	fi.LastModified, _ = time.Parse(timeFormat, modified)
	return &fi, nil
}

func (b *SQLiteBackend) PutFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("reading data for %q: %w", p, err)
	}
	parent, name := splitPath(clean)
	if parent != "" {
		ok, err := b.FolderExists(ctx, parent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("parent folder of %q: %w", p, ErrNotFound)
		}
	}
	if ok, _ := b.FolderExists(ctx, clean); ok {
		return nil, fmt.Errorf("storage: %q is a folder", p)
	}

	fi := &FileInfo{
		Name:         name,
		Size:         int64(len(data)),
		ContentType:  contentTypeOrDefault(contentType),
		LastModified: time.Now().UTC(),
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (path, parent, name, data, size, content_type, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clean, parent, name, data, fi.Size, fi.ContentType, fi.LastModified.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("storing %q: %w", p, err)
	}
	return fi, nil
}

func (b *SQLiteBackend) GetFile(ctx context.Context, p string) (io.ReadCloser, *FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, nil, err
	}
	var data []byte
	var fi FileInfo
	var modified string
	err = b.db.QueryRowContext(ctx,
		"SELECT name, size, content_type, modified_at, data FROM files WHERE path = ?", clean).
		Scan(&fi.Name, &fi.Size, &fi.ContentType, &modified, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %q: %w", p, err)
	}
	fi.LastModified, _ = time.Parse(timeFormat, modified)
	return io.NopCloser(bytes.NewReader(data)), &fi, nil
}

func (b *SQLiteBackend) StatFile(ctx context.Context, p string) (*FileInfo, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	fi, err := scanFileInfo(b.db.QueryRowContext(ctx,
		"SELECT name, size, content_type, modified_at FROM files WHERE path = ?", clean))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %q: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}
	return fi, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, p string) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	like := escapeLike(clean) + "/%"
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	stmts := []string{
		"DELETE FROM files WHERE path = ?1 OR path LIKE ?2 ESCAPE '\\'",
		"DELETE FROM folders WHERE path = ?1 OR path LIKE ?2 ESCAPE '\\'",
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, clean, like); err != nil {
			return fmt.Errorf("deleting %q: %w", p, err)
		}
	}
	return tx.Commit()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
