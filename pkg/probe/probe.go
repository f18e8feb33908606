// Package probe connects to relational data sources to check connectivity
// and list their tables and schemas. It backs the dev data-source service.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // sqlserver driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

// ErrNoSchemas is returned by Schemas for databases without schema support.
var ErrNoSchemas = errors.New("data source type has no schemas")

// Prober runs the checks.
type Prober struct {
	log zerolog.Logger
}

// New returns a Prober that logs every connection check to l.
func New(l zerolog.Logger) *Prober {
	return &Prober{log: l}
}

// Check opens a connection and pings it.
func (p *Prober) Check(ctx context.Context, c datasource.Configuration) error {
	start := time.Now()
	db, ctx, cancel, err := p.open(ctx, c)
	if err != nil {
		return err
	}
	defer cancel()
	defer db.Close()

	err = db.PingContext(ctx)
	ev := p.log.Info()
	if err != nil {
		ev = p.log.Warn().Err(err)
	}
	ev.Str("type", string(c.Type)).
		Str("host", c.Relational.Host).
		Dur("duration", time.Since(start)).
		Msg("connection check")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Tables lists base tables and views. The comment is the database comment
// where the engine keeps one.
func (p *Prober) Tables(ctx context.Context, c datasource.Configuration) ([]datasource.Sheet, error) {
	db, ctx, cancel, err := p.open(ctx, c)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer db.Close()

	query, args := tablesQuery(c)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []datasource.Sheet
	for rows.Next() {
		var name string
		var comment sql.NullString
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, datasource.Sheet{TableName: name, TableComment: comment.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return out, nil
}

// Schemas lists user schemas of pg and sqlServer databases.
func (p *Prober) Schemas(ctx context.Context, c datasource.Configuration) ([]string, error) {
	if !c.Type.HasSchemas() {
		return nil, fmt.Errorf("%w: %s", ErrNoSchemas, c.Type)
	}
	db, ctx, cancel, err := p.open(ctx, c)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer db.Close()

	rows, err := db.QueryContext(ctx, schemasQuery(c.Type))
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *Prober) open(ctx context.Context, c datasource.Configuration) (*sql.DB, context.Context, context.CancelFunc, error) {
	db, err := Open(c)
	if err != nil {
		return nil, nil, nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, timeoutOf(c.Relational))
	return db, ctx, cancel, nil
}

func schemaOf(c datasource.Configuration, fallback string) string {
	if c.Relational.DBSchema != "" {
		return c.Relational.DBSchema
	}
	return fallback
}

func tablesQuery(c datasource.Configuration) (string, []any) {
	switch c.Type {
	case datasource.TypePostgres:
		return `
			SELECT c.relname, obj_description(c.oid, 'pg_class')
			FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relkind IN ('r', 'v', 'p')
			ORDER BY c.relname
		`, []any{schemaOf(c, "public")}
	case datasource.TypeMySQL, datasource.TypeDoris:
		return `
			SELECT table_name, table_comment
			FROM information_schema.tables
			WHERE table_schema = DATABASE()
			AND table_type IN ('BASE TABLE', 'VIEW')
			ORDER BY table_name
		`, nil
	case datasource.TypeSQLServer:
		return `
			SELECT t.TABLE_NAME, CAST(ep.value AS NVARCHAR(4000))
			FROM INFORMATION_SCHEMA.TABLES t
			LEFT JOIN sys.extended_properties ep
				ON ep.major_id = OBJECT_ID(QUOTENAME(t.TABLE_SCHEMA) + '.' + QUOTENAME(t.TABLE_NAME))
				AND ep.minor_id = 0 AND ep.name = 'MS_Description'
			WHERE t.TABLE_SCHEMA = @schema
			ORDER BY t.TABLE_NAME
		`, []any{sql.Named("schema", schemaOf(c, "dbo"))}
	default:
		return `
			SELECT name, NULL
			FROM sqlite_master
			WHERE type IN ('table', 'view')
			AND name NOT LIKE 'sqlite_%'
			ORDER BY name
		`, nil
	}
}

func schemasQuery(t datasource.Type) string {
	if t == datasource.TypeSQLServer {
		return `
			SELECT name FROM sys.schemas
			WHERE schema_id < 16384
			AND name NOT IN ('sys', 'INFORMATION_SCHEMA', 'guest')
			ORDER BY name
		`
	}
	return `
		SELECT schema_name
		FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema')
		AND schema_name NOT LIKE 'pg_toast%'
		AND schema_name NOT LIKE 'pg_temp%'
		ORDER BY schema_name
	`
}

// Columns lists the columns of one table in ordinal order.
func (p *Prober) Columns(ctx context.Context, c datasource.Configuration, table string) ([]datasource.Field, error) {
	db, ctx, cancel, err := p.open(ctx, c)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer db.Close()

	query, args := columnsQuery(c, table)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []datasource.Field
	for rows.Next() {
		var f datasource.Field
		var comment sql.NullString
		if err := rows.Scan(&f.FieldName, &f.FieldType, &comment); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		f.FieldComment = comment.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func columnsQuery(c datasource.Configuration, table string) (string, []any) {
	switch c.Type {
	case datasource.TypePostgres:
		return `
			SELECT a.attname, format_type(a.atttypid, a.atttypmod), col_description(a.attrelid, a.attnum)
			FROM pg_attribute a
			JOIN pg_class t ON t.oid = a.attrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			WHERE n.nspname = $1 AND t.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped
			ORDER BY a.attnum
		`, []any{schemaOf(c, "public"), table}
	case datasource.TypeMySQL, datasource.TypeDoris:
		return `
			SELECT column_name, column_type, column_comment
			FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ?
			ORDER BY ordinal_position
		`, []any{table}
	case datasource.TypeSQLServer:
		return `
			SELECT COLUMN_NAME, DATA_TYPE, NULL
			FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @table
			ORDER BY ORDINAL_POSITION
		`, []any{sql.Named("schema", schemaOf(c, "dbo")), sql.Named("table", table)}
	default:
		return `SELECT name, type, NULL FROM pragma_table_info(?) ORDER BY cid`, []any{table}
	}
}
