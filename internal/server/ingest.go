package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ruslano69/dsonboard/internal/store"
	"github.com/ruslano69/dsonboard/pkg/audit"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/sheets"
)

var errTooLarge = errors.New("file too large")

// handleUpload stages one spreadsheet and returns its sheets under generated
// table names.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	files, form, err := s.readFiles(w, r, "file")
	if err != nil {
		uploadError(w, err)
		return
	}
	defer form.RemoveAll()
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file is required")
		return
	}
	if !hasExt(files[0].name, ".xlsx", ".xls", ".csv") {
		writeError(w, http.StatusBadRequest, "only .xlsx, .xls and .csv files can be uploaded")
		return
	}

	tables, err := sheets.Read(bytes.NewReader(files[0].data), files[0].name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.stage(r.Context(), files[0].name, tables)
	s.record(r, ingestEntry(audit.OpUpload, res, err, files[0].name), start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ingestedSheetsTotal.WithLabelValues("upload").Add(float64(len(res.Sheets)))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConcatenate(w http.ResponseWriter, r *http.Request) {
	s.combine(w, r, audit.OpConcatenate, "primary_key_col", func(name string, tables []sheets.Table, key int, _ string) (sheets.Table, error) {
		t, stats, err := sheets.Concatenate(name, tables, key)
		if err == nil {
			s.log.Info().Int("tables", stats.Tables).Int("rows_in", stats.RowsIn).
				Int("rows_out", stats.RowsOut).Int("duplicates", stats.Duplicates).Msg("files concatenated")
		}
		return t, err
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.combine(w, r, audit.OpMerge, "time_col", sheets.MergeHorizontally)
}

type combineFunc func(name string, tables []sheets.Table, keyColumn int, sep string) (sheets.Table, error)

// combine reads the first sheet of every uploaded file and stages the single
// table produced by fn.
func (s *Server) combine(w http.ResponseWriter, r *http.Request, op audit.Operation, keyField string, fn combineFunc) {
	start := time.Now()
	files, form, err := s.readFiles(w, r, "files")
	if err != nil {
		uploadError(w, err)
		return
	}
	defer form.RemoveAll()
	if len(files) < 2 {
		writeError(w, http.StatusBadRequest, "at least two files are required")
		return
	}

	key, err := strconv.Atoi(formValue(form, keyField, "0"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+keyField)
		return
	}
	sep := formValue(form, "separator", datasource.DefaultSeparator)

	tables := make([]sheets.Table, 0, len(files))
	for _, f := range files {
		if !hasExt(f.name, ".xlsx", ".xls") {
			writeError(w, http.StatusBadRequest, f.name+": only .xlsx and .xls files can be combined")
			return
		}
		ts, err := sheets.Read(bytes.NewReader(f.data), f.name)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", f.name, err))
			return
		}
		tables = append(tables, ts[0])
	}

	name := strings.TrimSuffix(files[0].name, filepath.Ext(files[0].name))
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	out, err := fn(name, tables, key, sep)
	if err != nil {
		s.record(r, ingestEntry(op, datasource.IngestResult{}, err, names...), start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.stage(r.Context(), name+".xlsx", []sheets.Table{out})
	s.record(r, ingestEntry(op, res, err, names...), start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ingestedSheetsTotal.WithLabelValues(string(op)).Inc()
	writeJSON(w, http.StatusOK, res)
}

// stage writes tables as one workbook to the staging area and maps every
// sheet to a generated table name.
func (s *Server) stage(ctx context.Context, filename string, tables []sheets.Table) (datasource.IngestResult, error) {
	data, err := sheets.Bytes(tables)
	if err != nil {
		return datasource.IngestResult{}, fmt.Errorf("write workbook: %w", err)
	}
	id, err := s.staging.Put(filename, data)
	if err != nil {
		return datasource.IngestResult{}, err
	}

	res := datasource.IngestResult{Filename: filename, Sheets: make([]datasource.Sheet, 0, len(tables))}
	for _, t := range tables {
		name := sheets.TableName(t.Name)
		err := s.store.PutSheet(ctx, store.StagedSheet{TableName: name, StagingID: id, Sheet: t.Name, Header: t.Header})
		if err != nil {
			return datasource.IngestResult{}, fmt.Errorf("record sheet %s: %w", t.Name, err)
		}
		res.Sheets = append(res.Sheets, datasource.Sheet{TableName: name, TableComment: t.Name})
	}
	s.log.Info().Str("file", filename).Str("staging_id", id).Int("sheets", len(tables)).Msg("workbook staged")
	return res, nil
}

func ingestEntry(op audit.Operation, res datasource.IngestResult, err error, files ...string) *audit.Entry {
	tables := make([]string, len(res.Sheets))
	for i, sh := range res.Sheets {
		tables[i] = sh.TableName
	}
	return audit.NewEntry(op).WithFiles(files...).WithTables(tables...).WithError(err)
}

type uploaded struct {
	name string
	data []byte
}

// readFiles parses a multipart body and loads every part named field. Each
// file is capped at the upload limit.
func (s *Server) readFiles(w http.ResponseWriter, r *http.Request, field string) ([]uploaded, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload*8+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, nil, errTooLarge
		}
		return nil, nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	form := r.MultipartForm

	var out []uploaded
	for _, fh := range form.File[field] {
		if fh.Size > s.maxUpload {
			_ = form.RemoveAll()
			return nil, nil, fmt.Errorf("%w: %s", errTooLarge, fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			_ = form.RemoveAll()
			return nil, nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			_ = form.RemoveAll()
			return nil, nil, err
		}
		out = append(out, uploaded{name: filepath.Base(fh.Filename), data: data})
	}
	return out, form, nil
}

func hasExt(name string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func formValue(form *multipart.Form, key, def string) string {
	if v := form.Value[key]; len(v) > 0 && strings.TrimSpace(v[0]) != "" {
		return strings.TrimSpace(v[0])
	}
	return def
}

func uploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
