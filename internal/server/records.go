package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ruslano69/dsonboard/pkg/audit"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/probe"
)

// ---- probes ----

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeConfiguration(w, r)
	if !ok {
		return
	}
	if err := s.prober.Check(r.Context(), cfg); err != nil {
		if errors.Is(err, probe.ErrNotRelational) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// An unreachable database is an answer, not a failure.
		s.log.Warn().Err(err).Str("type", string(cfg.Type)).Msg("connectivity check failed")
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTablesByConf(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeConfiguration(w, r)
	if !ok {
		return
	}
	tables, err := s.prober.Tables(r.Context(), cfg)
	if err != nil {
		probeError(w, err)
		return
	}
	if tables == nil {
		tables = []datasource.Sheet{}
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleSchemasByConf(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeConfiguration(w, r)
	if !ok {
		return
	}
	schemas, err := s.prober.Schemas(r.Context(), cfg)
	if err != nil {
		probeError(w, err)
		return
	}
	if schemas == nil {
		schemas = []string{}
	}
	writeJSON(w, http.StatusOK, schemas)
}

func probeError(w http.ResponseWriter, err error) {
	if errors.Is(err, probe.ErrNotRelational) || errors.Is(err, probe.ErrNoSchemas) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) decodeConfiguration(w http.ResponseWriter, r *http.Request) (datasource.Configuration, bool) {
	var rec datasource.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return datasource.Configuration{}, false
	}
	cfg, err := s.configuration(rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return datasource.Configuration{}, false
	}
	return cfg, true
}

// ---- records ----

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var rec datasource.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateRecord(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.configuration(rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.TypeName = rec.Type.DisplayName()

	id, err := s.store.Create(r.Context(), rec)
	entry := audit.NewEntry(audit.OpCreate).
		WithDatasource(id, rec.Name, string(rec.Type)).
		WithTables(selectionNames(rec.Tables)...).
		WithError(err)
	s.record(r, entry, start)
	if err != nil {
		storeError(w, err)
		return
	}
	tables, err := s.store.Tables(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	s.fillFields(r.Context(), cfg, tables)

	s.log.Info().Int64("id", id).Str("name", rec.Name).Str("type", string(rec.Type)).
		Int("tables", len(tables)).Msg("data source created")
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var rec datasource.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec.ID == 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := validateRecord(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.configuration(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.TypeName = rec.Type.DisplayName()

	err := s.store.Update(r.Context(), rec)
	s.record(r, audit.NewEntry(audit.OpUpdate).WithDatasource(rec.ID, rec.Name, string(rec.Type)).WithError(err), start)
	if err != nil {
		storeError(w, err)
		return
	}
	s.log.Info().Int64("id", rec.ID).Str("name", rec.Name).Msg("data source updated")
	writeJSON(w, http.StatusOK, map[string]int64{"id": rec.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	if recs == nil {
		recs = []datasource.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func validateRecord(rec datasource.Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.New("name is required")
	}
	if rec.Configuration == "" {
		return errors.New("configuration is required")
	}
	return nil
}

// ---- tables and fields ----

// handleAttachTables replaces the table selection of a record. Tables that
// stay keep their ids and fields; new tables get their fields discovered.
func (s *Server) handleAttachTables(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var sel []datasource.TableSelection
	if err := decodeJSON(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, t := range sel {
		if strings.TrimSpace(t.TableName) == "" {
			writeError(w, http.StatusBadRequest, "table_name is required")
			return
		}
	}

	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	added, err := s.store.ReplaceTables(r.Context(), id, sel)
	entry := audit.NewEntry(audit.OpAttachTables).
		WithDatasource(id, rec.Name, string(rec.Type)).
		WithTables(selectionNames(sel)...).
		WithError(err)
	s.record(r, entry, start)
	if err != nil {
		storeError(w, err)
		return
	}
	if cfg, err := s.configuration(rec); err != nil {
		s.log.Warn().Err(err).Int64("id", id).Msg("skip field discovery")
	} else {
		s.fillFields(r.Context(), cfg, added)
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": len(added)})
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	tables, err := s.store.Tables(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if tables == nil {
		tables = []datasource.Table{}
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tableID")
	if !ok {
		return
	}
	fields, err := s.store.Fields(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if fields == nil {
		fields = []datasource.Field{}
	}
	writeJSON(w, http.StatusOK, fields)
}

type commentRequest struct {
	Comment string `json:"comment"`
}

func (s *Server) handleTableComment(w http.ResponseWriter, r *http.Request) {
	s.comment(w, r, "tableID", "table", s.store.SetTableComment)
}

func (s *Server) handleFieldComment(w http.ResponseWriter, r *http.Request) {
	s.comment(w, r, "fieldID", "field", s.store.SetFieldComment)
}

// comment sets the custom comment of the table or field named by the path
// parameter key.
func (s *Server) comment(w http.ResponseWriter, r *http.Request, key, kind string, set func(context.Context, int64, string) error) {
	start := time.Now()
	id, ok := pathID(w, r, key)
	if !ok {
		return
	}
	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := set(r.Context(), id, strings.TrimSpace(req.Comment))
	s.record(r, audit.NewEntry(audit.OpComment).WithTables(fmt.Sprintf("%s:%d", kind, id)).WithError(err), start)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// fillFields discovers the columns of freshly attached tables. Excel tables
// take the header of their staged sheet, database tables are probed. Failures
// only leave the table without fields.
func (s *Server) fillFields(ctx context.Context, cfg datasource.Configuration, tables []datasource.Table) {
	for _, t := range tables {
		fields, err := s.discoverFields(ctx, cfg, t.TableName)
		if err != nil {
			s.log.Warn().Err(err).Str("table", t.TableName).Msg("field discovery failed")
			continue
		}
		if len(fields) == 0 {
			continue
		}
		if err := s.store.SetFields(ctx, t.ID, fields); err != nil {
			s.log.Error().Err(err).Int64("table_id", t.ID).Msg("save fields")
		}
	}
}

func (s *Server) discoverFields(ctx context.Context, cfg datasource.Configuration, table string) ([]datasource.Field, error) {
	switch {
	case cfg.Type == datasource.TypeExcel:
		sh, err := s.store.Sheet(ctx, table)
		if err != nil {
			return nil, err
		}
		fields := make([]datasource.Field, 0, len(sh.Header))
		for _, h := range sh.Header {
			fields = append(fields, datasource.Field{FieldName: h, FieldType: "text", FieldComment: h})
		}
		return fields, nil
	case cfg.Type.IsRelational():
		return s.prober.Columns(ctx, cfg, table)
	default:
		return nil, nil
	}
}

func selectionNames(sel []datasource.TableSelection) []string {
	out := make([]string, len(sel))
	for i, t := range sel {
		out[i] = t.TableName
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return id, true
}
