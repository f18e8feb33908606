package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ruslano69/dsonboard/pkg/audit"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/sheets"
)

func (s *Server) handleRemoteFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var p datasource.RemoteFetchParams
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filename, tables, err := s.pull(r.Context(), p)
	if err != nil {
		s.record(r, ingestEntry(audit.OpRemoteFetch, datasource.IngestResult{}, err), start)
		remoteError(w, err)
		return
	}
	res, err := s.stage(r.Context(), filename, tables)
	s.record(r, ingestEntry(audit.OpRemoteFetch, res, err, filename), start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ingestedSheetsTotal.WithLabelValues("remote").Add(float64(len(res.Sheets)))
	writeJSON(w, http.StatusOK, res)
}

// handleRemoteTest performs the pull without staging anything.
func (s *Server) handleRemoteTest(w http.ResponseWriter, r *http.Request) {
	var p datasource.RemoteFetchParams
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, tables, err := s.pull(r.Context(), p)
	if err != nil {
		remoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sheets": len(tables)})
}

type remoteErr struct {
	status int
	err    error
}

func (e *remoteErr) Error() string { return e.err.Error() }
func (e *remoteErr) Unwrap() error { return e.err }

func remoteError(w http.ResponseWriter, err error) {
	if re, ok := err.(*remoteErr); ok {
		writeError(w, re.status, re.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func badRemote(format string, args ...any) error {
	return &remoteErr{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// pull downloads the workbook described by p and parses it.
func (s *Server) pull(ctx context.Context, p datasource.RemoteFetchParams) (string, []sheets.Table, error) {
	req, err := remoteRequest(ctx, p)
	if err != nil {
		return "", nil, err
	}
	timeout := time.Duration(p.Timeout) * time.Second
	if timeout <= 0 {
		timeout = datasource.DefaultRemoteTimeout * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.remote.Do(req.WithContext(ctx))
	if err != nil {
		return "", nil, fmt.Errorf("remote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("remote returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxUpload+1))
	if err != nil {
		return "", nil, fmt.Errorf("read remote body: %w", err)
	}
	if int64(len(data)) > s.maxUpload {
		return "", nil, &remoteErr{status: http.StatusRequestEntityTooLarge, err: fmt.Errorf("%w: remote body exceeds %d bytes", errTooLarge, s.maxUpload)}
	}

	filename := remoteFilename(resp, p.Markers)
	tables, err := sheets.Read(bytes.NewReader(data), filename)
	if err != nil {
		return "", nil, fmt.Errorf("parse remote workbook: %w", err)
	}
	s.log.Info().Str("endpoint", req.URL.Redacted()).Int("status", resp.StatusCode).
		Int("bytes", len(data)).Dur("duration", time.Since(start)).Msg("remote workbook fetched")
	return filename, tables, nil
}

// remoteRequest builds the outgoing request. Markers replace {name}
// placeholders in the endpoint; markers without a placeholder are sent as
// query parameters. The certificate triple adds a header, a cookie and a
// query parameter.
func remoteRequest(ctx context.Context, p datasource.RemoteFetchParams) (*http.Request, error) {
	markers := [][2]string{
		{"date_m", p.Markers.DateM},
		{"p_date_m", p.Markers.PDateM},
		{"period_type", p.Markers.PeriodType},
		{"period", p.Markers.Period},
	}
	endpoint := strings.TrimSpace(p.Endpoint)
	var query [][2]string
	for _, m := range markers {
		if m[1] == "" {
			continue
		}
		ph := "{" + m[0] + "}"
		if strings.Contains(endpoint, ph) {
			endpoint = strings.ReplaceAll(endpoint, ph, url.QueryEscape(m[1]))
			continue
		}
		query = append(query, m)
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, badRemote("invalid endpoint %q", p.Endpoint)
	}
	q := u.Query()
	for _, kv := range query {
		q.Set(kv[0], kv[1])
	}
	if p.ParamKey != "" {
		q.Set(p.ParamKey, p.ParamValue)
	}
	u.RawQuery = q.Encode()

	method, ok := datasource.RemoteMethod(p.Method)
	if !ok {
		return nil, badRemote("unsupported method %q", p.Method)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, badRemote("build request: %v", err)
	}
	if p.HeaderKey != "" {
		req.Header.Set(p.HeaderKey, p.HeaderValue)
	}
	if p.CookieKey != "" {
		req.AddCookie(&http.Cookie{Name: p.CookieKey, Value: p.CookieValue})
	}
	return req, nil
}

// remoteFilename names the pulled workbook from Content-Disposition, then
// the URL path, then the period. Csv bodies keep a .csv extension.
func remoteFilename(resp *http.Response, m datasource.DateMarkers) string {
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = path.Base(params["filename"])
	}
	if ext := strings.ToLower(path.Ext(name)); ext != ".xlsx" && ext != ".xls" && ext != ".csv" {
		name = ""
	}
	if name == "" {
		if base := path.Base(resp.Request.URL.Path); strings.Contains(base, ".") {
			switch strings.ToLower(path.Ext(base)) {
			case ".xlsx", ".xls", ".csv":
				name = base
			}
		}
	}
	if name == "" {
		stem := "remote"
		if m.PDateM != "" {
			stem = m.PDateM
		}
		ext := ".xlsx"
		if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == "text/csv" {
			ext = ".csv"
		}
		name = stem + ext
	}
	return name
}
