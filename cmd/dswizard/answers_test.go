package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

func writeAnswers(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "answers.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAnswers(t *testing.T) {
	path := writeAnswers(t, `
name: finance
type: excel
files: [jan.xlsx, /data/feb.xlsx]
filter: sal
tables: [Sales]
api:
  endpoint: https://bi.example.com/export
  markers:
    period: "2024-02"
`)
	a, err := LoadAnswers(path)
	if err != nil {
		t.Fatalf("LoadAnswers() error = %v", err)
	}
	if a.Name != "finance" || a.Filter != "sal" || len(a.Tables) != 1 {
		t.Errorf("answers = %+v", a)
	}
	if want := filepath.Join(filepath.Dir(path), "jan.xlsx"); a.Files[0] != want {
		t.Errorf("Files[0] = %q, want %q", a.Files[0], want)
	}
	if a.Files[1] != "/data/feb.xlsx" {
		t.Errorf("Files[1] = %q, want absolute path kept", a.Files[1])
	}
	if a.API.Markers.Period != "2024-02" {
		t.Errorf("markers = %+v", a.API.Markers)
	}
	if typ, err := a.SourceType(); err != nil || typ != datasource.TypeExcel {
		t.Errorf("SourceType() = %v, %v", typ, err)
	}
}

func TestLoadAnswers_Errors(t *testing.T) {
	if _, err := LoadAnswers(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadAnswers(missing) expected error")
	}
	if _, err := LoadAnswers(writeAnswers(t, "tables: [unterminated")); err == nil {
		t.Error("LoadAnswers(bad yaml) expected error")
	}
}

func TestSourceType(t *testing.T) {
	tests := []struct {
		name    string
		a       Answers
		want    datasource.Type
		wantErr bool
	}{
		{"explicit", Answers{Type: "pg"}, datasource.TypePostgres, false},
		{"concatenate defaults to excel", Answers{Concatenate: true}, datasource.TypeExcel, false},
		{"missing", Answers{}, "", true},
		{"unknown", Answers{Type: "oracle"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.SourceType()
			if (err != nil) != tt.wantErr {
				t.Fatalf("SourceType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SourceType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply_KeepsUnansweredFields(t *testing.T) {
	f := datasource.FormState{
		Name:       "shop",
		Relational: datasource.RelationalForm{Host: "db.local", Port: 3306, Password: "old"},
	}
	a := Answers{Relational: &RelationalAnswers{Password: "new"}}
	a.Apply(&f)

	if f.Name != "shop" || f.Relational.Host != "db.local" || f.Relational.Port != 3306 {
		t.Errorf("unanswered fields changed: %+v", f)
	}
	if f.Relational.Password != "new" {
		t.Errorf("Password = %q, want new", f.Relational.Password)
	}
}

func TestPick(t *testing.T) {
	candidates := []datasource.Sheet{
		{TableName: "Sales_0a1b2c3d4e", TableComment: "Sales"},
		{TableName: "orders"},
	}
	a := Answers{Tables: []string{"sales", "orders"}}
	got, err := a.Pick(candidates)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if len(got) != 2 || got[0] != "Sales_0a1b2c3d4e" || got[1] != "orders" {
		t.Errorf("Pick() = %v", got)
	}

	a.Tables = []string{"refunds"}
	if _, err := a.Pick(candidates); err == nil {
		t.Error("Pick(unknown) expected error")
	}
}
