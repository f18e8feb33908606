// Package store persists data-source records, their attached tables and
// fields, and the sheet index of staged workbooks in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("a data source with this name already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS datasources (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	description   TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL,
	type_name     TEXT NOT NULL,
	configuration TEXT NOT NULL,
	certificate   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ds_tables (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	ds_id          INTEGER NOT NULL REFERENCES datasources(id) ON DELETE CASCADE,
	table_name     TEXT NOT NULL,
	table_comment  TEXT NOT NULL DEFAULT '',
	custom_comment TEXT NOT NULL DEFAULT '',
	UNIQUE (ds_id, table_name)
);
CREATE TABLE IF NOT EXISTS ds_fields (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	table_id       INTEGER NOT NULL REFERENCES ds_tables(id) ON DELETE CASCADE,
	position       INTEGER NOT NULL,
	field_name     TEXT NOT NULL,
	field_type     TEXT NOT NULL DEFAULT '',
	field_comment  TEXT NOT NULL DEFAULT '',
	custom_comment TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS staged_sheets (
	table_name TEXT PRIMARY KEY,
	staging_id TEXT NOT NULL,
	sheet      TEXT NOT NULL,
	header     TEXT NOT NULL
);
`

// headerSep joins header cells in staged_sheets.
const headerSep = "\x1f"

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create inserts rec and its tables and returns the new id.
func (s *Store) Create(ctx context.Context, rec datasource.Record) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx, &err)

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO datasources (name, description, type, type_name, configuration, certificate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Description, string(rec.Type), rec.TypeName, rec.Configuration, rec.Certificate, now, now)
	if err != nil {
		return 0, mapErr(err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	if _, err = replaceTables(ctx, tx, id, rec.Tables); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Update overwrites the editable columns of rec.ID. Tables are not touched.
func (s *Store) Update(ctx context.Context, rec datasource.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasources
		SET name = ?, description = ?, type = ?, type_name = ?, configuration = ?, certificate = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.Description, string(rec.Type), rec.TypeName, rec.Configuration, rec.Certificate, s.now().UTC(), rec.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("data source %d: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// Get returns one record without its tables.
func (s *Store) Get(ctx context.Context, id int64) (datasource.Record, error) {
	var rec datasource.Record
	var typ string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, type, type_name, configuration, certificate
		FROM datasources WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Name, &rec.Description, &typ, &rec.TypeName, &rec.Configuration, &rec.Certificate)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("data source %d: %w", id, ErrNotFound)
	}
	rec.Type = datasource.Type(typ)
	return rec, err
}

// List returns all records ordered by id.
func (s *Store) List(ctx context.Context) ([]datasource.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, type, type_name, configuration, certificate
		FROM datasources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []datasource.Record
	for rows.Next() {
		var rec datasource.Record
		var typ string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &typ, &rec.TypeName, &rec.Configuration, &rec.Certificate); err != nil {
			return nil, err
		}
		rec.Type = datasource.Type(typ)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReplaceTables makes tables the attached set of data source id. Tables that
// stay keep their id, fields and custom comment. The newly added tables are
// returned so the caller can fill their fields.
func (s *Store) ReplaceTables(ctx context.Context, id int64, tables []datasource.TableSelection) (added []datasource.Table, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx, &err)

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasources WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("data source %d: %w", id, ErrNotFound)
	}
	if added, err = replaceTables(ctx, tx, id, tables); err != nil {
		return nil, err
	}
	return added, tx.Commit()
}

func replaceTables(ctx context.Context, tx *sql.Tx, id int64, tables []datasource.TableSelection) ([]datasource.Table, error) {
	keep := make(map[string]bool, len(tables))
	for _, t := range tables {
		keep[t.TableName] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, table_name FROM ds_tables WHERE ds_id = ?`, id)
	if err != nil {
		return nil, err
	}
	current := map[string]int64{}
	for rows.Next() {
		var tid int64
		var name string
		if err := rows.Scan(&tid, &name); err != nil {
			rows.Close()
			return nil, err
		}
		current[name] = tid
	}
	rows.Close()

	for name, tid := range current {
		if !keep[name] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM ds_tables WHERE id = ?`, tid); err != nil {
				return nil, err
			}
		}
	}

	var added []datasource.Table
	for _, t := range tables {
		if _, ok := current[t.TableName]; ok {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ds_tables (ds_id, table_name, table_comment) VALUES (?, ?, ?)`,
			id, t.TableName, t.TableComment)
		if err != nil {
			return nil, mapErr(err)
		}
		tid, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		current[t.TableName] = tid
		added = append(added, datasource.Table{ID: tid, DatasourceID: id, TableName: t.TableName, TableComment: t.TableComment})
	}
	return added, nil
}

// Tables lists the tables attached to data source id.
func (s *Store) Tables(ctx context.Context, id int64) ([]datasource.Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ds_id, table_name, table_comment, custom_comment
		FROM ds_tables WHERE ds_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []datasource.Table{}
	for rows.Next() {
		var t datasource.Table
		if err := rows.Scan(&t.ID, &t.DatasourceID, &t.TableName, &t.TableComment, &t.CustomComment); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Table returns one attached table.
func (s *Store) Table(ctx context.Context, tableID int64) (datasource.Table, error) {
	var t datasource.Table
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ds_id, table_name, table_comment, custom_comment
		FROM ds_tables WHERE id = ?`, tableID).
		Scan(&t.ID, &t.DatasourceID, &t.TableName, &t.TableComment, &t.CustomComment)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("table %d: %w", tableID, ErrNotFound)
	}
	return t, err
}

// SetFields replaces the fields of a table.
func (s *Store) SetFields(ctx context.Context, tableID int64, fields []datasource.Field) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx, &err)

	if _, err = tx.ExecContext(ctx, `DELETE FROM ds_fields WHERE table_id = ?`, tableID); err != nil {
		return err
	}
	for i, f := range fields {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO ds_fields (table_id, position, field_name, field_type, field_comment)
			VALUES (?, ?, ?, ?, ?)`,
			tableID, i, f.FieldName, f.FieldType, f.FieldComment); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Fields lists the fields of a table. An unknown table is ErrNotFound.
func (s *Store) Fields(ctx context.Context, tableID int64) ([]datasource.Field, error) {
	if _, err := s.Table(ctx, tableID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_id, field_name, field_type, field_comment, custom_comment
		FROM ds_fields WHERE table_id = ? ORDER BY position`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []datasource.Field{}
	for rows.Next() {
		var f datasource.Field
		if err := rows.Scan(&f.ID, &f.TableID, &f.FieldName, &f.FieldType, &f.FieldComment, &f.CustomComment); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetTableComment stores the user comment of a table. An empty comment
// falls back to the discovered one.
func (s *Store) SetTableComment(ctx context.Context, tableID int64, comment string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ds_tables SET custom_comment = ? WHERE id = ?`, comment, tableID)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("table %d", tableID))
}

// SetFieldComment stores the user comment of a field.
func (s *Store) SetFieldComment(ctx context.Context, fieldID int64, comment string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ds_fields SET custom_comment = ? WHERE id = ?`, comment, fieldID)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("field %d", fieldID))
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// StagedSheet locates the workbook sheet behind a generated table name.
type StagedSheet struct {
	TableName string
	StagingID string
	Sheet     string
	Header    []string
}

// PutSheet records where a generated table name came from.
func (s *Store) PutSheet(ctx context.Context, sh StagedSheet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staged_sheets (table_name, staging_id, sheet, header) VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET staging_id = excluded.staging_id, sheet = excluded.sheet, header = excluded.header`,
		sh.TableName, sh.StagingID, sh.Sheet, strings.Join(sh.Header, headerSep))
	return err
}

// Sheet returns the staged sheet of a generated table name.
func (s *Store) Sheet(ctx context.Context, tableName string) (StagedSheet, error) {
	sh := StagedSheet{TableName: tableName}
	var header string
	err := s.db.QueryRowContext(ctx, `
		SELECT staging_id, sheet, header FROM staged_sheets WHERE table_name = ?`, tableName).
		Scan(&sh.StagingID, &sh.Sheet, &header)
	if errors.Is(err, sql.ErrNoRows) {
		return sh, fmt.Errorf("sheet %s: %w", tableName, ErrNotFound)
	}
	if header != "" {
		sh.Header = strings.Split(header, headerSep)
	}
	return sh, err
}

func rollback(tx *sql.Tx, err *error) {
	if *err != nil {
		_ = tx.Rollback()
	}
}

func mapErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: datasources.name") {
		return ErrDuplicateName
	}
	return err
}
