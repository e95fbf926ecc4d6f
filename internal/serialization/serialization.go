// Package serialization exports and imports the SQLite upload store as JSON,
// so in-progress multipart uploads can be inspected or moved between hosts.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/s3gate/s3gate/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	envelopeKey = "s3gate_export"
)

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"multipart_uploads", "multipart_parts"}

// tableColumns defines column order for each table.
var tableColumns = map[string][]string{
	"multipart_uploads": {"bucket", "upload_id", "key", "content_type", "initiated_at"},
	"multipart_parts":   {"bucket", "upload_id", "part_number", "size", "etag", "last_modified"},
}

var tableOrderBy = map[string]string{
	"multipart_uploads": "bucket, upload_id",
	"multipart_parts":   "bucket, upload_id, part_number",
}

var deleteOrder = []string{"multipart_parts", "multipart_uploads"}
var insertOrder = []string{"multipart_uploads", "multipart_parts"}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace clears the imported tables first and fails on conflicting rows
	// instead of skipping them.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ExportMetadata exports the upload store at dbPath to a JSON string.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil || len(opts.Tables) == 0 {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"schema_version": getSchemaVersion(db),
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			return "", fmt.Errorf("unknown table %q", table)
		}
		rows, err := exportTable(db, table, columns)
		if err != nil {
			return "", err
		}
		result[table] = rows
	}

	return marshalSorted(result)
}

func exportTable(db *sql.DB, table string, columns []string) ([]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(columns, ", "), table, tableOrderBy[table])
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// ImportMetadata imports a JSON export into the upload store at dbPath,
// creating the schema when the database is new.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := store.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	if opts.Replace {
		for _, table := range deleteOrder {
			if _, ok := data[table]; !ok {
				continue
			}
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	for _, table := range insertOrder {
		rowList, ok := data[table].([]any)
		if !ok {
			continue
		}
		columns := tableColumns[table]
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		verb := "INSERT OR IGNORE"
		if opts.Replace {
			verb = "INSERT"
		}
		query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(columns, ", "), placeholders)

		inserted, skipped := 0, 0
		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}
			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = rowMap[col]
			}

			if table == "multipart_parts" && !uploadExists(tx, rowMap["bucket"], rowMap["upload_id"]) {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped part of unknown upload %v/%v", rowMap["bucket"], rowMap["upload_id"]))
				continue
			}

			res, err := tx.Exec(query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}
		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

// uploadExists reports whether the parent upload of a part row is present.
// Foreign keys are only enforced on the connection that enabled them.
func uploadExists(tx *sql.Tx, bucket, uploadID any) bool {
	var one int
	err := tx.QueryRow("SELECT 1 FROM multipart_uploads WHERE bucket = ? AND upload_id = ?", bucket, uploadID).Scan(&one)
	return err == nil
}

func getSchemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}

func convertValue(val any) any {
	// The driver may return []byte for TEXT columns.
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// marshalSorted produces JSON with sorted keys, 2-space indent.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(sortedMap(data), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sortedMap is a map that marshals with sorted keys.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return sortedMap(val).MarshalJSON()
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}
