package server

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ruslano69/dsonboard/internal/staging"
	"github.com/ruslano69/dsonboard/internal/store"
	"github.com/ruslano69/dsonboard/pkg/crypto"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/dsapi"
	"github.com/ruslano69/dsonboard/pkg/probe"
	"github.com/ruslano69/dsonboard/pkg/retry"
	"github.com/ruslano69/dsonboard/pkg/sheets"
	"github.com/ruslano69/dsonboard/pkg/wizard"
)

type env struct {
	srv    *httptest.Server
	store  *store.Store
	cipher *crypto.Cipher
	client *dsapi.Client
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	stg, err := staging.Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("staging.Open() error = %v", err)
	}
	t.Cleanup(func() { stg.Close() })
	c, err := crypto.NewCipher(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	s := New(st, stg, probe.New(zerolog.Nop()), c, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	client := dsapi.NewClient(srv.URL,
		dsapi.WithLogger(zerolog.Nop()),
		dsapi.WithRetry(retry.EnableRetry(2, time.Millisecond)),
	)
	return &env{srv: srv, store: st, cipher: c, client: client}
}

func (e *env) controller(opts ...wizard.Option) *wizard.Controller {
	return wizard.NewController(e.client, e.cipher, append([]wizard.Option{wizard.WithLogger(zerolog.Nop())}, opts...)...)
}

func createShopDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, total REAL)`,
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	return path
}

func workbook(t *testing.T, tables ...sheets.Table) []byte {
	t.Helper()
	data, err := sheets.Bytes(tables)
	if err != nil {
		t.Fatalf("sheets.Bytes() error = %v", err)
	}
	return data
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestWizard_SQLite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dbPath := createShopDB(t)

	s := e.controller().Open(ctx)
	if err := s.ChooseType(datasource.TypeSQLite); err != nil {
		t.Fatalf("ChooseType() error = %v", err)
	}
	_ = s.Update(func(f *datasource.FormState) {
		f.Name = "shop"
		f.Relational.Database = dbPath
	})
	if ok, err := s.CheckConnectivity(ctx); err != nil || !ok {
		t.Fatalf("CheckConnectivity() = %v, %v, want true", ok, err)
	}
	step, err := s.Advance(ctx)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if step != wizard.StepChooseTables {
		t.Fatalf("step = %v, want ChooseTables", step)
	}
	if n := len(s.Candidates()); n != 2 {
		t.Fatalf("Candidates() = %d, want 2", n)
	}
	if _, err := s.Toggle("orders", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	id, err := s.Save(ctx, wizard.SaveOptions{})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tables, err := e.client.ListTables(ctx, id)
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 1 || tables[0].TableName != "orders" {
		t.Fatalf("tables = %+v, want [orders]", tables)
	}
	fields, err := e.client.ListFields(ctx, tables[0].ID)
	if err != nil {
		t.Fatalf("ListFields() error = %v", err)
	}
	if len(fields) != 2 || fields[0].FieldName != "id" || fields[1].FieldName != "total" {
		t.Errorf("fields = %+v, want id, total", fields)
	}

	// Edit: the attached table is preselected and keeps its id.
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	edit := e.controller().Edit(ctx, rec)
	if step, err := edit.Advance(ctx); err != nil || step != wizard.StepChooseTables {
		t.Fatalf("edit Advance() = %v, %v", step, err)
	}
	if n := edit.SelectedCount(); n != 1 {
		t.Fatalf("SelectedCount() = %d, want 1", n)
	}
	_, _ = edit.Toggle("customers", true)
	if got, err := edit.Save(ctx, wizard.SaveOptions{}); err != nil || got != id {
		t.Fatalf("edit Save() = %d, %v, want %d", got, err, id)
	}
	after, _ := e.client.ListTables(ctx, id)
	if len(after) != 2 {
		t.Fatalf("tables after edit = %+v", after)
	}
	for _, tb := range after {
		if tb.TableName == "orders" && tb.ID != tables[0].ID {
			t.Errorf("orders id = %d, want %d", tb.ID, tables[0].ID)
		}
	}
}

func TestWizard_CheckUnreachable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s := e.controller().Open(ctx)
	_ = s.ChooseType(datasource.TypeSQLite)
	_ = s.Update(func(f *datasource.FormState) {
		f.Name = "missing"
		f.Relational.Database = filepath.Join(t.TempDir(), "nope.db")
	})
	ok, err := s.CheckConnectivity(ctx)
	if ok {
		t.Fatal("CheckConnectivity() = true for a missing database")
	}
	var ce *wizard.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("CheckConnectivity() error = %v, want *ConnectivityError", err)
	}
	if s.Step() != wizard.StepConfigure {
		t.Errorf("step = %v, want Configure", s.Step())
	}
}

func TestWizard_ExcelUpload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := workbook(t,
		sheets.Table{Name: "Sales", Header: []string{"month", "amount"}, Rows: [][]string{{"2024-01", "10"}}},
		sheets.Table{Name: "Costs", Header: []string{"month", "cost"}, Rows: [][]string{{"2024-01", "4"}}},
	)

	s := e.controller().Open(ctx)
	_ = s.ChooseType(datasource.TypeExcel)
	_ = s.Update(func(f *datasource.FormState) { f.Name = "finance" })
	res, err := s.Upload(ctx, datasource.FileFromBytes("finance.xlsx", data))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if len(res.Sheets) != 2 || res.Sheets[0].TableComment != "Sales" {
		t.Fatalf("Upload() sheets = %+v", res.Sheets)
	}
	if !strings.HasPrefix(res.Sheets[0].TableName, "Sales_") {
		t.Errorf("table name = %q, want Sales_ prefix", res.Sheets[0].TableName)
	}
	if _, err := s.Advance(ctx); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if _, err := s.ToggleAll(true); err != nil {
		t.Fatalf("ToggleAll() error = %v", err)
	}
	id, err := s.Save(ctx, wizard.SaveOptions{})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tables, err := e.client.ListTables(ctx, id)
	if err != nil || len(tables) != 2 {
		t.Fatalf("ListTables() = %+v, %v", tables, err)
	}
	for _, tb := range tables {
		fields, err := e.client.ListFields(ctx, tb.ID)
		if err != nil {
			t.Fatalf("ListFields(%d) error = %v", tb.ID, err)
		}
		if len(fields) != 2 || fields[0].FieldName != "month" || fields[0].FieldType != "text" {
			t.Errorf("fields of %s = %+v", tb.TableName, fields)
		}
	}
}

func TestWizard_Concatenation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	header := []string{"id", "value"}
	jan := workbook(t, sheets.Table{Name: "data", Header: header, Rows: [][]string{{"2", "b"}, {"1", "a"}}})
	feb := workbook(t, sheets.Table{Name: "data", Header: header, Rows: [][]string{{"3", "c"}, {"1", "a"}}})

	s := e.controller().OpenConcatenation(ctx)
	_ = s.Update(func(f *datasource.FormState) { f.Name = "months" })
	_ = s.SetFiles([]datasource.File{
		datasource.FileFromBytes("jan.xlsx", jan),
		datasource.FileFromBytes("feb.xlsx", feb),
	})
	step, err := s.Advance(ctx)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if step != wizard.StepSaved {
		t.Fatalf("step = %v, want Saved", step)
	}
	tables, err := e.client.ListTables(ctx, s.SavedID())
	if err != nil || len(tables) != 1 || !strings.HasPrefix(tables[0].TableName, "jan_") {
		t.Fatalf("ListTables() = %+v, %v", tables, err)
	}
}

func TestConcatenate_HeaderMismatch(t *testing.T) {
	e := newEnv(t)
	a := workbook(t, sheets.Table{Name: "a", Header: []string{"id", "x"}, Rows: [][]string{{"1", "2"}}})
	b := workbook(t, sheets.Table{Name: "b", Header: []string{"id", "y"}, Rows: [][]string{{"1", "2"}}})

	_, err := e.client.ConcatenateFiles(context.Background(), []datasource.File{
		datasource.FileFromBytes("a.xlsx", a),
		datasource.FileFromBytes("b.xlsx", b),
	}, "_", 0)
	if !errors.Is(err, dsapi.ErrRejected) {
		t.Fatalf("ConcatenateFiles() error = %v, want ErrRejected", err)
	}
}

func TestMergeHorizontal(t *testing.T) {
	e := newEnv(t)
	a := workbook(t, sheets.Table{Name: "a", Header: []string{"month", "value"}, Rows: [][]string{{"01", "1"}, {"02", "2"}}})
	b := workbook(t, sheets.Table{Name: "b", Header: []string{"month", "value"}, Rows: [][]string{{"02", "20"}, {"01", "10"}}})

	res, err := e.client.MergeFilesHorizontally(context.Background(), []datasource.File{
		datasource.FileFromBytes("a.xlsx", a),
		datasource.FileFromBytes("b.xlsx", b),
	}, "_", 0)
	if err != nil {
		t.Fatalf("MergeFilesHorizontally() error = %v", err)
	}
	if len(res.Sheets) != 1 {
		t.Fatalf("sheets = %+v, want one", res.Sheets)
	}
	sh, err := e.store.Sheet(context.Background(), res.Sheets[0].TableName)
	if err != nil {
		t.Fatalf("Sheet() error = %v", err)
	}
	if got := strings.Join(sh.Header, ","); got != "month,value,value_2" {
		t.Errorf("header = %s, want month,value,value_2", got)
	}
}

func TestUpload_Rejections(t *testing.T) {
	e := newEnv(t, WithMaxUpload(1024))
	ctx := context.Background()

	_, err := e.client.UploadLocalFile(ctx, datasource.FileFromBytes("notes.txt", []byte("hi")))
	if !errors.Is(err, dsapi.ErrRejected) {
		t.Errorf("upload .txt error = %v, want ErrRejected", err)
	}

	big := bytes.Repeat([]byte("a,b\n"), 1024)
	_, err = e.client.UploadLocalFile(ctx, datasource.FileFromBytes("big.csv", big))
	var se *dsapi.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("upload big error = %v, want 413", err)
	}
}

func TestRemoteFetch(t *testing.T) {
	data := workbook(t, sheets.Table{Name: "Report", Header: []string{"k", "v"}, Rows: [][]string{{"a", "1"}}})
	var gotQuery, gotHeader, gotCookie, gotPath string
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Token")
		if c, err := r.Cookie("sid"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Disposition", `attachment; filename="report.xlsx"`)
		_, _ = w.Write(data)
	}))
	defer remote.Close()

	e := newEnv(t)
	ctx := context.Background()
	p := datasource.RemoteFetchParams{
		Endpoint:    remote.URL + "/export/{p_date_m}",
		Method:      "GET",
		Markers:     datasource.DateMarkers{DateM: "2024-02-29", PDateM: "2024-02", PeriodType: "month"},
		HeaderKey:   "X-Token",
		HeaderValue: "secret",
		CookieKey:   "sid",
		CookieValue: "42",
		ParamKey:    "tenant",
		ParamValue:  "acme",
		Timeout:     5,
	}

	n, err := e.client.TestRemoteExcel(ctx, p)
	if err != nil || n != 1 {
		t.Fatalf("TestRemoteExcel() = %d, %v, want 1", n, err)
	}
	res, err := e.client.FetchRemoteExcel(ctx, p)
	if err != nil {
		t.Fatalf("FetchRemoteExcel() error = %v", err)
	}
	if res.Filename != "report.xlsx" || len(res.Sheets) != 1 || res.Sheets[0].TableComment != "Report" {
		t.Errorf("FetchRemoteExcel() = %+v", res)
	}
	if gotPath != "/export/2024-02" {
		t.Errorf("path = %s, want /export/2024-02", gotPath)
	}
	for _, want := range []string{"date_m=2024-02-29", "period_type=month", "tenant=acme"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %s", gotQuery, want)
		}
	}
	if strings.Contains(gotQuery, "p_date_m") {
		t.Errorf("query %q repeats a substituted marker", gotQuery)
	}
	if gotHeader != "secret" || gotCookie != "42" {
		t.Errorf("header = %q, cookie = %q", gotHeader, gotCookie)
	}
}

func TestRemoteFetch_Failures(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer remote.Close()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.client.FetchRemoteExcel(ctx, datasource.RemoteFetchParams{Endpoint: remote.URL, Method: "GET"})
	if !errors.Is(err, dsapi.ErrServer) {
		t.Errorf("remote 500 error = %v, want ErrServer", err)
	}
	_, err = e.client.FetchRemoteExcel(ctx, datasource.RemoteFetchParams{Endpoint: "ftp://host/x", Method: "GET"})
	if !errors.Is(err, dsapi.ErrRejected) {
		t.Errorf("ftp endpoint error = %v, want ErrRejected", err)
	}
	_, err = e.client.FetchRemoteExcel(ctx, datasource.RemoteFetchParams{Endpoint: remote.URL, Method: "DELETE"})
	if !errors.Is(err, dsapi.ErrRejected) {
		t.Errorf("DELETE method error = %v, want ErrRejected", err)
	}
}

func TestRecords_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	enc, err := e.cipher.Encrypt(`{"database":"x.db"}`)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	rec := datasource.Record{Name: "dup", Type: datasource.TypeSQLite, Configuration: enc}

	if _, err := e.client.PersistDataSource(ctx, rec); err != nil {
		t.Fatalf("PersistDataSource() error = %v", err)
	}
	_, err = e.client.PersistDataSource(ctx, rec)
	var se *dsapi.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusConflict {
		t.Errorf("duplicate name error = %v, want 409", err)
	}

	rec.Configuration = "bm90LWEtYmxvYg=="
	rec.Name = "garbled"
	if _, err := e.client.PersistDataSource(ctx, rec); !errors.Is(err, dsapi.ErrRejected) {
		t.Errorf("undecryptable configuration error = %v, want ErrRejected", err)
	}

	rec.ID = 999
	rec.Configuration = enc
	if err := e.client.UpdateDataSource(ctx, rec); !errors.Is(err, dsapi.ErrNotFound) {
		t.Errorf("update unknown error = %v, want ErrNotFound", err)
	}
	if _, err := e.client.ListTables(ctx, 999); !errors.Is(err, dsapi.ErrNotFound) {
		t.Errorf("ListTables(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := e.client.ListFields(ctx, 999); !errors.Is(err, dsapi.ErrNotFound) {
		t.Errorf("ListFields(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCheck_NotRelational(t *testing.T) {
	e := newEnv(t)
	enc, _ := e.cipher.Encrypt(`{"filename":"a.xlsx"}`)
	_, err := e.client.CheckConnectivity(context.Background(), datasource.Record{Name: "x", Type: datasource.TypeExcel, Configuration: enc})
	if !errors.Is(err, dsapi.ErrRejected) {
		t.Fatalf("CheckConnectivity(excel) error = %v, want ErrRejected", err)
	}
}

func TestRemoteRequest_Placeholders(t *testing.T) {
	req, err := remoteRequest(context.Background(), datasource.RemoteFetchParams{
		Endpoint: "https://bi.example.com/r?d={date_m}",
		Markers:  datasource.DateMarkers{DateM: "2024-02-29", Period: "202402"},
	})
	if err != nil {
		t.Fatalf("remoteRequest() error = %v", err)
	}
	if req.Method != http.MethodGet {
		t.Errorf("method = %s, want GET", req.Method)
	}
	q := req.URL.Query()
	if q.Get("d") != "2024-02-29" || q.Get("period") != "202402" || q.Has("date_m") {
		t.Errorf("query = %v", q)
	}
}

func TestComments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := workbook(t, sheets.Table{Name: "Sales", Header: []string{"month", "amount"}, Rows: [][]string{{"2024-01", "10"}}})
	res, err := e.client.UploadLocalFile(ctx, datasource.FileFromBytes("sales.xlsx", data))
	if err != nil {
		t.Fatalf("UploadLocalFile() error = %v", err)
	}
	enc, err := e.cipher.Encrypt(`{"filename":"sales.xlsx"}`)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	id, err := e.client.PersistDataSource(ctx, datasource.Record{
		Name:          "sales",
		Type:          datasource.TypeExcel,
		Configuration: enc,
		Tables:        datasource.SelectionFromSheets(res.Sheets),
	})
	if err != nil {
		t.Fatalf("PersistDataSource() error = %v", err)
	}
	tables, err := e.client.ListTables(ctx, id)
	if err != nil || len(tables) != 1 {
		t.Fatalf("ListTables() = %+v, %v", tables, err)
	}
	fields, err := e.client.ListFields(ctx, tables[0].ID)
	if err != nil || len(fields) != 2 {
		t.Fatalf("ListFields() = %+v, %v", fields, err)
	}

	if err := e.client.SetTableComment(ctx, tables[0].ID, "monthly sales"); err != nil {
		t.Fatalf("SetTableComment() error = %v", err)
	}
	if err := e.client.SetFieldComment(ctx, fields[1].ID, "amount in EUR"); err != nil {
		t.Fatalf("SetFieldComment() error = %v", err)
	}

	tables, _ = e.client.ListTables(ctx, id)
	if got := tables[0].Comment(); got != "monthly sales" {
		t.Errorf("table Comment() = %q, want %q", got, "monthly sales")
	}
	fields, _ = e.client.ListFields(ctx, tables[0].ID)
	if got := fields[1].Comment(); got != "amount in EUR" {
		t.Errorf("field Comment() = %q, want %q", got, "amount in EUR")
	}
	if got := fields[0].Comment(); got != "month" {
		t.Errorf("uncommented field Comment() = %q, want header %q", got, "month")
	}

	if err := e.client.SetTableComment(ctx, 999, "x"); !errors.Is(err, dsapi.ErrNotFound) {
		t.Errorf("SetTableComment(unknown) error = %v, want ErrNotFound", err)
	}
	if err := e.client.SetFieldComment(ctx, 999, "x"); !errors.Is(err, dsapi.ErrNotFound) {
		t.Errorf("SetFieldComment(unknown) error = %v, want ErrNotFound", err)
	}
}
