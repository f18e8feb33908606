package dsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/resilience"
	"github.com/ruslano69/dsonboard/pkg/retry"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL,
		WithLogger(zerolog.Nop()),
		WithRetry(retry.EnableRetry(3, time.Millisecond)),
	)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCheckConnectivity(t *testing.T) {
	var got datasource.Record
	var rid string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/datasource/check" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		rid = r.Header.Get(RequestIDHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))

	ok, err := c.CheckConnectivity(context.Background(), datasource.Record{Name: "shop", Type: datasource.TypeMySQL, Configuration: "blob"})
	if err != nil {
		t.Fatalf("CheckConnectivity() error = %v", err)
	}
	if !ok {
		t.Error("CheckConnectivity() = false, want true")
	}
	if got.Configuration != "blob" || got.Type != datasource.TypeMySQL {
		t.Errorf("server got %+v", got)
	}
	if len(rid) != 36 {
		t.Errorf("request id = %q", rid)
	}
}

func TestRead_RetriesServerErrors(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, []datasource.Sheet{{TableName: "orders", TableComment: "Orders"}})
	}))

	tables, err := c.FetchCandidateTables(context.Background(), datasource.Record{})
	if err != nil {
		t.Fatalf("FetchCandidateTables() error = %v", err)
	}
	if len(tables) != 1 || tables[0].TableName != "orders" {
		t.Errorf("tables = %+v", tables)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRead_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown schema"})
	}))

	_, err := c.FetchSchemaNames(context.Background(), datasource.Record{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("FetchSchemaNames() error = %v, want ErrRejected", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "unknown schema" || se.Status != 400 {
		t.Errorf("StatusError = %+v", se)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWrite_NotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.PersistDataSource(context.Background(), datasource.Record{Name: "x"})
	if !errors.Is(err, ErrServer) {
		t.Fatalf("PersistDataSource() error = %v, want ErrServer", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPersistAndAttach(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/datasource/add", func(w http.ResponseWriter, r *http.Request) {
		var rec datasource.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		if len(rec.Tables) != 2 {
			t.Errorf("add got %d tables", len(rec.Tables))
		}
		writeJSON(w, http.StatusOK, map[string]int64{"id": 42})
	})
	mux.HandleFunc("POST /api/datasource/42/tables", func(w http.ResponseWriter, r *http.Request) {
		var tables []datasource.TableSelection
		_ = json.NewDecoder(r.Body).Decode(&tables)
		if len(tables) != 1 || tables[0].TableName != "b" {
			t.Errorf("attach got %+v", tables)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/datasource/42/tables", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []datasource.Table{{ID: 1, DatasourceID: 42, TableName: "b"}})
	})
	mux.HandleFunc("GET /api/datasource/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, datasource.Record{ID: 42, Name: "x", Type: datasource.TypeMySQL})
	})
	mux.HandleFunc("GET /api/datasource/tables/1/fields", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []datasource.Field{{ID: 9, TableID: 1, FieldName: "id"}})
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	id, err := c.PersistDataSource(ctx, datasource.Record{Name: "x", Tables: []datasource.TableSelection{{TableName: "a"}, {TableName: "b"}}})
	if err != nil || id != 42 {
		t.Fatalf("PersistDataSource() = %d, %v", id, err)
	}
	if err := c.AttachSelectedTables(ctx, 42, []datasource.TableSelection{{TableName: "b"}}); err != nil {
		t.Fatalf("AttachSelectedTables() error = %v", err)
	}
	tables, err := c.ListTables(ctx, 42)
	if err != nil || len(tables) != 1 {
		t.Fatalf("ListTables() = %+v, %v", tables, err)
	}
	rec, err := c.GetDataSource(ctx, 42)
	if err != nil || rec.Name != "x" || rec.Type != datasource.TypeMySQL {
		t.Fatalf("GetDataSource() = %+v, %v", rec, err)
	}
	fields, err := c.ListFields(ctx, 1)
	if err != nil || len(fields) != 1 || fields[0].FieldName != "id" {
		t.Fatalf("ListFields() = %+v, %v", fields, err)
	}
	if _, err := c.ListFields(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListFields(2) error = %v, want ErrNotFound", err)
	}
}

func TestComments(t *testing.T) {
	got := map[string]string{}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path == "/api/datasource/fields/404/comment" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "field 404: not found"})
			return
		}
		var body struct {
			Comment string `json:"comment"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got[r.URL.Path] = body.Comment
		writeJSON(w, http.StatusOK, map[string]int64{"id": 1})
	}))
	ctx := context.Background()

	if err := c.SetTableComment(ctx, 3, "monthly sales"); err != nil {
		t.Fatalf("SetTableComment() error = %v", err)
	}
	if err := c.SetFieldComment(ctx, 9, "amount in EUR"); err != nil {
		t.Fatalf("SetFieldComment() error = %v", err)
	}
	if got["/api/datasource/tables/3/comment"] != "monthly sales" || got["/api/datasource/fields/9/comment"] != "amount in EUR" {
		t.Errorf("server got %v", got)
	}
	if err := c.SetFieldComment(ctx, 404, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetFieldComment(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_RequiresID(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if err := c.UpdateDataSource(context.Background(), datasource.Record{}); err == nil {
		t.Error("UpdateDataSource() without id expected error")
	}
}

func TestUploadMultipart(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/datasource/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "budget.xlsx" || string(data) != "payload" {
			t.Errorf("got %s %q", hdr.Filename, data)
		}
		writeJSON(w, http.StatusOK, datasource.IngestResult{
			Filename: "budget.xlsx",
			Sheets:   []datasource.Sheet{{TableName: "Sheet1_0123456789", TableComment: "Sheet1"}},
		})
	}))

	res, err := c.UploadLocalFile(context.Background(), datasource.FileFromBytes("budget.xlsx", []byte("payload")))
	if err != nil {
		t.Fatalf("UploadLocalFile() error = %v", err)
	}
	if res.Filename != "budget.xlsx" || len(res.Sheets) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestConcatenateMultipart(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		if got := r.FormValue("separator"); got != "_" {
			t.Errorf("separator = %q", got)
		}
		if got := r.FormValue("primary_key_col"); got != "0" {
			t.Errorf("primary_key_col = %q", got)
		}
		if n := len(r.MultipartForm.File["files"]); n != 2 {
			t.Errorf("files = %d, want 2", n)
		}
		writeJSON(w, http.StatusOK, datasource.IngestResult{Filename: "merged.xlsx", Sheets: []datasource.Sheet{{TableName: "m"}}})
	}))

	files := []datasource.File{
		datasource.FileFromBytes("jan.xlsx", []byte("a")),
		datasource.FileFromBytes("feb.xlsx", []byte("b")),
	}
	res, err := c.ConcatenateFiles(context.Background(), files, "_", 0)
	if err != nil || len(res.Sheets) != 1 {
		t.Fatalf("ConcatenateFiles() = %+v, %v", res, err)
	}
}

func TestRemote(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/datasource/remote/test", func(w http.ResponseWriter, r *http.Request) {
		var p datasource.RemoteFetchParams
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.Markers.PDateM != "2024-02" {
			t.Errorf("markers = %+v", p.Markers)
		}
		writeJSON(w, http.StatusOK, map[string]int{"sheets": 2})
	})
	mux.HandleFunc("POST /api/datasource/remote/fetch", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, datasource.IngestResult{Filename: "remote.xlsx", Sheets: []datasource.Sheet{{TableName: "a"}, {TableName: "b"}}})
	})
	c, _ := newTestClient(t, mux)

	p := datasource.RemoteFetchParams{Endpoint: "https://x", Markers: datasource.DateMarkers{PDateM: "2024-02"}}
	n, err := c.TestRemoteExcel(context.Background(), p)
	if err != nil || n != 2 {
		t.Fatalf("TestRemoteExcel() = %d, %v", n, err)
	}
	res, err := c.FetchRemoteExcel(context.Background(), p)
	if err != nil || len(res.Sheets) != 2 {
		t.Fatalf("FetchRemoteExcel() = %+v, %v", res, err)
	}
}

func TestUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, WithLogger(zerolog.Nop()), WithRetry(retry.EnableRetry(2, time.Millisecond)))
	_, err := c.CheckConnectivity(context.Background(), datasource.Record{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("CheckConnectivity() error = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, retry.ErrMaxAttempts) {
		t.Errorf("CheckConnectivity() error = %v, want retries exhausted", err)
	}
}

func TestCancelAllPending(t *testing.T) {
	entered := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(entered)
		<-r.Context().Done()
	}))

	done := make(chan error, 1)
	go func() {
		_, err := c.CheckConnectivity(context.Background(), datasource.Record{})
		done <- err
	}()
	<-entered
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
	c.CancelAllPending()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("CheckConnectivity() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not cancelled")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after cancel", c.Pending())
	}
}

func TestCircuitBreaker_FailsFast(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/api/datasource/add" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "down"})
	}))
	WithCircuitBreaker(resilience.Config{Enabled: true, MaxFailures: 2, OpenTimeout: time.Hour})(c)
	WithRetry(retry.Config{})(c)
	ctx := context.Background()

	// Rejections are answers and do not count.
	for i := 0; i < 3; i++ {
		if _, err := c.PersistDataSource(ctx, datasource.Record{}); !errors.Is(err, ErrRejected) {
			t.Fatalf("PersistDataSource() error = %v, want ErrRejected", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := c.CheckConnectivity(ctx, datasource.Record{}); !errors.Is(err, ErrServer) {
			t.Fatalf("CheckConnectivity() error = %v, want ErrServer", err)
		}
	}
	before := calls.Load()
	_, err := c.CheckConnectivity(ctx, datasource.Record{})
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("CheckConnectivity() error = %v, want open circuit", err)
	}
	if calls.Load() != before {
		t.Errorf("open circuit still called the server")
	}
}
