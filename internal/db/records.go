package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/record"
)

// RecordRow is the relational mirror of a record's metadata. Content
// stays in the file; only an excerpt is indexed for search.
type RecordRow struct {
	ID        string
	Type      string
	Slug      string
	Title     string
	Status    string
	Author    string
	Path      string
	Excerpt   string
	Metadata  map[string]any
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Authors   []record.Author
}

const excerptLimit = 512

// RowFromRecord builds the mirror row for a record at path.
func RowFromRecord(r *record.Record, path string) *RecordRow {
	excerpt := r.Content
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[:excerptLimit]
	}
	return &RecordRow{
		ID: r.ID, Type: r.Type, Slug: r.Slug, Title: r.Title,
		Status: r.Status, Author: r.Author, Path: path,
		Excerpt: excerpt, Metadata: r.Metadata,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		Authors: r.Authors,
	}
}

// UpsertRecord inserts or updates the mirror row and its author list
// inside tx.
func UpsertRecord(ctx context.Context, tx *sql.Tx, row *RecordRow) error {
	meta := "{}"
	if row.Metadata != nil {
		raw, err := json.Marshal(row.Metadata)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "marshal metadata").Build()
		}
		meta = string(raw)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (id, type, slug, title, status, author, path, excerpt, metadata, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, slug = excluded.slug, title = excluded.title,
			status = excluded.status, author = excluded.author, path = excluded.path,
			excerpt = excluded.excerpt, metadata = excluded.metadata,
			archived = excluded.archived, updated_at = excluded.updated_at`,
		row.ID, row.Type, row.Slug, row.Title, row.Status, row.Author, row.Path,
		row.Excerpt, meta, boolInt(row.Archived),
		row.CreatedAt.UTC().Format(time.RFC3339), row.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ferrors.Conflict("record slug already taken").
				WithContext("type", row.Type).WithContext("slug", row.Slug).Build()
		}
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "upsert record").Build()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_authors WHERE record_id = ?`, row.ID); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "clear record authors").Build()
	}
	for i, a := range row.Authors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_authors (record_id, username, role, position) VALUES (?, ?, ?, ?)`,
			row.ID, a.Username, a.Role, i); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "insert record author").Build()
		}
	}
	return nil
}

// DeleteRecord removes the mirror row inside tx.
func DeleteRecord(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "delete record").Build()
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.NotFound("record not in index").WithContext("id", id).Build()
	}
	return nil
}

// MarkArchived flips the archived flag inside tx.
func MarkArchived(ctx context.Context, tx *sql.Tx, id string, archived bool, path string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE records SET archived = ?, path = ? WHERE id = ?`,
		boolInt(archived), path, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "mark archived").Build()
	}
	return nil
}

const recordColumns = `id, type, slug, title, status, author, path, excerpt, metadata, archived, created_at, updated_at`

// GetRecordByID loads a mirror row by record id.
func (d *DB) GetRecordByID(ctx context.Context, id string) (*RecordRow, error) {
	row := d.reader().QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	return d.scanRecordWithAuthors(ctx, row, id)
}

// GetRecordBySlug loads a mirror row by (type, slug).
func (d *DB) GetRecordBySlug(ctx context.Context, recordType, slug string) (*RecordRow, error) {
	row := d.reader().QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE type = ? AND slug = ?`, recordType, slug)
	return d.scanRecordWithAuthors(ctx, row, recordType+"/"+slug)
}

func (d *DB) scanRecordWithAuthors(ctx context.Context, row *sql.Row, key string) (*RecordRow, error) {
	r, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ferrors.NotFound("record not in index").WithContext("key", key).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan record").Build()
	}
	if err := d.loadAuthors(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *DB) loadAuthors(ctx context.Context, r *RecordRow) error {
	rows, err := d.reader().QueryContext(ctx,
		`SELECT username, role FROM record_authors WHERE record_id = ? ORDER BY position`, r.ID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "query record authors").Build()
	}
	defer rows.Close()
	for rows.Next() {
		var a record.Author
		if err := rows.Scan(&a.Username, &a.Role); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "scan record author").Build()
		}
		r.Authors = append(r.Authors, a)
	}
	return rows.Err()
}

// SlugsWithPrefix returns existing slugs for a type that equal base or
// start with base+"-", used for collision numbering.
func (d *DB) SlugsWithPrefix(ctx context.Context, recordType, base string) ([]string, error) {
	rows, err := d.reader().QueryContext(ctx,
		`SELECT slug FROM records WHERE type = ? AND (slug = ? OR slug LIKE ?)`,
		recordType, base, base+"-%")
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "query slugs").Build()
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan slug").Build()
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListFilter narrows and pages ListRecords.
type ListFilter struct {
	Type     string
	Status   string
	Author   string
	Tags     []string
	Query    string
	Statuses []string // role visibility filter; empty means all
	Archived bool
	Limit    int
	Offset   int
}

// Page is one page of list results.
type Page struct {
	Records []*RecordRow
	Total   int
	Limit   int
	Offset  int
}

// ListRecords queries the mirror, DB-authoritative for list and search.
func (d *DB) ListRecords(ctx context.Context, f ListFilter) (*Page, error) {
	where := []string{"archived = ?"}
	args := []any{boolInt(f.Archived)}

	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Author != "" {
		where = append(where, "author = ?")
		args = append(args, f.Author)
	}
	for _, tag := range f.Tags {
		// Tags live in the metadata JSON as a string array.
		where = append(where, "metadata LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	if f.Query != "" {
		where = append(where, "(title LIKE ? OR excerpt LIKE ?)")
		pattern := "%" + f.Query + "%"
		args = append(args, pattern, pattern)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		where = append(where, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}

	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := d.reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records`+clause, args...).Scan(&total); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "count records").Build()
	}

	query := `SELECT ` + recordColumns + ` FROM records` + clause + ` ORDER BY type, slug`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := d.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "query records").Build()
	}
	defer rows.Close()

	page := &Page{Total: total, Limit: f.Limit, Offset: f.Offset}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan record").Build()
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "iterate records").Build()
	}
	return page, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*RecordRow, error) {
	var r RecordRow
	var meta string
	var archived int
	var created, updated string
	if err := row.Scan(&r.ID, &r.Type, &r.Slug, &r.Title, &r.Status, &r.Author,
		&r.Path, &r.Excerpt, &meta, &archived, &created, &updated); err != nil {
		return nil, err
	}
	r.Archived = archived != 0
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &r.Metadata)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
