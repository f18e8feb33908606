// Package datasource holds the data model shared by the onboarding wizard:
// source types, the editable form, the canonical Configuration union and the
// record that is persisted by the backend.
package datasource

import (
	"fmt"
	"strings"
)

// Type is the discriminant of a data source.
type Type string

const (
	TypeMySQL     Type = "mysql"
	TypePostgres  Type = "pg"
	TypeSQLServer Type = "sqlServer"
	TypeSQLite    Type = "sqlite"
	TypeDoris     Type = "doris"
	TypeExcel     Type = "excel"
	TypeAPI       Type = "api"
)

var typeNames = map[Type]string{
	TypeMySQL:     "MySQL",
	TypePostgres:  "PostgreSQL",
	TypeSQLServer: "SQL Server",
	TypeSQLite:    "SQLite",
	TypeDoris:     "Apache Doris",
	TypeExcel:     "Excel/CSV",
	TypeAPI:       "API",
}

// Types returns every supported type in display order.
func Types() []Type {
	return []Type{TypeMySQL, TypePostgres, TypeSQLServer, TypeSQLite, TypeDoris, TypeExcel, TypeAPI}
}

// ParseType accepts the canonical spelling and a few common aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql":
		return TypeMySQL, nil
	case "pg", "postgres", "postgresql":
		return TypePostgres, nil
	case "sqlserver", "mssql":
		return TypeSQLServer, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	case "doris":
		return TypeDoris, nil
	case "excel", "xlsx", "csv":
		return TypeExcel, nil
	case "api":
		return TypeAPI, nil
	default:
		return "", fmt.Errorf("unknown data source type: %q", s)
	}
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsRelational reports whether t is reached through a database connection.
func (t Type) IsRelational() bool {
	switch t {
	case TypeMySQL, TypePostgres, TypeSQLServer, TypeSQLite, TypeDoris:
		return true
	}
	return false
}

// HasSchemas reports whether the database exposes named schemas the user can pick.
func (t Type) HasSchemas() bool {
	return t == TypePostgres || t == TypeSQLServer
}

// DisplayName is the human readable type name stored as type_name.
func (t Type) DisplayName() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return string(t)
}

// Origin marks how an excel-shaped source was acquired. It is informational only.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginAPI   Origin = "api"
)

// Sheet is a tabular unit produced by ingestion.
type Sheet struct {
	TableName    string `json:"tableName"`
	TableComment string `json:"tableComment"`
}

// TableSelection is the pair attached to a record at save time.
type TableSelection struct {
	TableName    string `json:"table_name"`
	TableComment string `json:"table_comment"`
}

// Table is a persisted table that belongs to a data source.
type Table struct {
	ID            int64  `json:"id"`
	DatasourceID  int64  `json:"ds_id"`
	TableName     string `json:"table_name"`
	TableComment  string `json:"table_comment"`
	CustomComment string `json:"custom_comment,omitempty"`
}

// Comment prefers the user supplied comment over the discovered one.
func (t Table) Comment() string {
	if t.CustomComment != "" {
		return t.CustomComment
	}
	return t.TableComment
}

// Field is a column of a persisted table.
type Field struct {
	ID            int64  `json:"id"`
	TableID       int64  `json:"table_id"`
	FieldName     string `json:"field_name"`
	FieldType     string `json:"field_type"`
	FieldComment  string `json:"field_comment"`
	CustomComment string `json:"custom_comment,omitempty"`
}

// Comment prefers the user supplied comment over the discovered one.
func (f Field) Comment() string {
	if f.CustomComment != "" {
		return f.CustomComment
	}
	return f.FieldComment
}

// IngestResult is the single shape every ingestion path converges to.
type IngestResult struct {
	Filename string  `json:"filename"`
	Sheets   []Sheet `json:"sheets"`
}

// Step is a wizard step. The order of the constants is the order of the flow.
type Step int

const (
	StepSelectSource Step = iota
	StepConfigure
	StepChooseTables
	StepSaved
)

func (s Step) String() string {
	switch s {
	case StepSelectSource:
		return "select-source"
	case StepConfigure:
		return "configure"
	case StepChooseTables:
		return "choose-tables"
	case StepSaved:
		return "saved"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
