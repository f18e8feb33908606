package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

// Answers scripts one wizard run.
//
//	name: shop
//	type: mysql
//	relational: {host: db.local, port: 3306, username: u, password: p, database: shop}
//	filter: ord
//	tables: [orders, order_items]
type Answers struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`

	Relational *RelationalAnswers `yaml:"relational"`
	API        *APIAnswers        `yaml:"api"`

	// Files are uploaded for excel sources: one file is uploaded as is,
	// several are merged side by side, or concatenated when Concatenate is set.
	Files       []string `yaml:"files"`
	Concatenate bool     `yaml:"concatenate"`

	Filter string `yaml:"filter"`
	// Tables lists table names or sheet names to select. All selects every
	// table visible after Filter.
	Tables []string `yaml:"tables"`
	All    bool     `yaml:"all"`
}

type RelationalAnswers struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	ExtraJdbc string `yaml:"extra_jdbc"`
	DBSchema  string `yaml:"db_schema"`
	Timeout   int    `yaml:"timeout"`
}

type APIAnswers struct {
	Endpoint           string                 `yaml:"endpoint"`
	Method             string                 `yaml:"method"`
	RequestBody        string                 `yaml:"request_body"`
	SuccessStatusCodes string                 `yaml:"success_status_codes"`
	HeaderKey          string                 `yaml:"header_key"`
	HeaderValue        string                 `yaml:"header_value"`
	CookieKey          string                 `yaml:"cookie_key"`
	CookieValue        string                 `yaml:"cookie_value"`
	ParamKey           string                 `yaml:"param_key"`
	ParamValue         string                 `yaml:"param_value"`
	Timeout            int                    `yaml:"timeout"`
	Separator          string                 `yaml:"separator"`
	Markers            datasource.DateMarkers `yaml:"markers"`
}

// LoadAnswers reads an answers file. Relative file paths are resolved
// against the directory of the answers file.
func LoadAnswers(path string) (*Answers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("answers: read %q: %w", path, err)
	}
	var a Answers
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("answers: parse %q: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i, f := range a.Files {
		if !filepath.IsAbs(f) {
			a.Files[i] = filepath.Join(dir, f)
		}
	}
	return &a, nil
}

// SourceType parses Type. It is optional when editing or concatenating.
func (a *Answers) SourceType() (datasource.Type, error) {
	if a.Concatenate && a.Type == "" {
		return datasource.TypeExcel, nil
	}
	return datasource.ParseType(a.Type)
}

// Apply copies the answered fields onto the form. Fields left empty in the
// answers keep their current value, so an edit only overrides what is given.
func (a *Answers) Apply(f *datasource.FormState) {
	set(&f.Name, a.Name)
	set(&f.Description, a.Description)

	if r := a.Relational; r != nil {
		set(&f.Relational.Host, r.Host)
		setInt(&f.Relational.Port, r.Port)
		set(&f.Relational.Username, r.Username)
		set(&f.Relational.Password, r.Password)
		set(&f.Relational.Database, r.Database)
		set(&f.Relational.ExtraJdbc, r.ExtraJdbc)
		set(&f.Relational.DBSchema, r.DBSchema)
		setInt(&f.Relational.Timeout, r.Timeout)
	}
	if p := a.API; p != nil {
		set(&f.API.Endpoint, p.Endpoint)
		set(&f.API.Method, p.Method)
		set(&f.API.RequestBody, p.RequestBody)
		set(&f.API.SuccessStatusCodes, p.SuccessStatusCodes)
		set(&f.API.HeaderKey, p.HeaderKey)
		set(&f.API.HeaderValue, p.HeaderValue)
		set(&f.API.CookieKey, p.CookieKey)
		set(&f.API.CookieValue, p.CookieValue)
		set(&f.API.ParamKey, p.ParamKey)
		set(&f.API.ParamValue, p.ParamValue)
		setInt(&f.API.Timeout, p.Timeout)
		set(&f.API.Separator, p.Separator)
		if p.Markers != (datasource.DateMarkers{}) {
			f.API.Markers = p.Markers
		}
	}
}

// Pick maps the answered names onto candidate table names. A name matches a
// table name or, case-insensitively, a sheet name.
func (a *Answers) Pick(candidates []datasource.Sheet) ([]string, error) {
	out := make([]string, 0, len(a.Tables))
	for _, want := range a.Tables {
		found := ""
		for _, c := range candidates {
			if c.TableName == want || strings.EqualFold(c.TableComment, want) {
				found = c.TableName
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("table %q is not offered by the data source", want)
		}
		out = append(out, found)
	}
	return out, nil
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
