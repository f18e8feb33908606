// Package dsapi is the HTTP client of the data-source service. It implements
// wizard.Backend.
package dsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/resilience"
	"github.com/ruslano69/dsonboard/pkg/retry"
)

// RequestIDHeader carries a fresh uuid on every request.
const RequestIDHeader = "X-Request-ID"

const basePath = "/api/datasource"

// Client talks to the data-source service. Reads are retried on transient
// failures; writes and uploads are sent once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryer    *retry.Retryer
	breaker    *resilience.Breaker
	log        zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithTimeout sets the overall timeout of one request.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.httpClient.Timeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithRetry sets the retry policy for reads. An invalid config is ignored.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		cfg.Retryable = transient
		if r, err := retry.NewRetryer(cfg); err == nil {
			c.retryer = r
		}
	}
}

// WithCircuitBreaker stops calling the service after repeated transient
// failures; calls fail fast with ErrUnavailable while the circuit is open.
// An invalid config is ignored.
func WithCircuitBreaker(cfg resilience.Config) Option {
	return func(c *Client) {
		cfg.IsFailure = transient
		cfg.OnStateChange = func(from, to resilience.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("datasource api circuit changed state")
		}
		if b, err := resilience.New(cfg); err == nil {
			c.breaker = b
		}
	}
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8090".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		log:        log.Logger,
		pending:    make(map[uint64]context.CancelFunc),
	}
	WithRetry(retry.EnableRetry(3, 200*time.Millisecond))(c)
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- probes ----

func (c *Client) CheckConnectivity(ctx context.Context, rec datasource.Record) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.read(ctx, http.MethodPost, "/check", rec, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) FetchCandidateTables(ctx context.Context, rec datasource.Record) ([]datasource.Sheet, error) {
	var out []datasource.Sheet
	err := c.read(ctx, http.MethodPost, "/tables-by-conf", rec, &out)
	return out, err
}

func (c *Client) FetchSchemaNames(ctx context.Context, rec datasource.Record) ([]string, error) {
	var out []string
	err := c.read(ctx, http.MethodPost, "/schemas-by-conf", rec, &out)
	return out, err
}

// ---- ingestion ----

func (c *Client) UploadLocalFile(ctx context.Context, f datasource.File) (datasource.IngestResult, error) {
	var out datasource.IngestResult
	err := c.multipart(ctx, "/upload", "file", []datasource.File{f}, nil, &out)
	return out, err
}

func (c *Client) FetchRemoteExcel(ctx context.Context, p datasource.RemoteFetchParams) (datasource.IngestResult, error) {
	var out datasource.IngestResult
	err := c.write(ctx, http.MethodPost, "/remote/fetch", p, &out)
	return out, err
}

// TestRemoteExcel returns how many sheets a fetch would produce.
func (c *Client) TestRemoteExcel(ctx context.Context, p datasource.RemoteFetchParams) (int, error) {
	var out struct {
		Sheets int `json:"sheets"`
	}
	if err := c.read(ctx, http.MethodPost, "/remote/test", p, &out); err != nil {
		return 0, err
	}
	return out.Sheets, nil
}

func (c *Client) ConcatenateFiles(ctx context.Context, files []datasource.File, separator string, keyColumn int) (datasource.IngestResult, error) {
	var out datasource.IngestResult
	fields := map[string]string{"separator": separator, "primary_key_col": strconv.Itoa(keyColumn)}
	err := c.multipart(ctx, "/concatenate", "files", files, fields, &out)
	return out, err
}

func (c *Client) MergeFilesHorizontally(ctx context.Context, files []datasource.File, separator string, keyColumn int) (datasource.IngestResult, error) {
	var out datasource.IngestResult
	fields := map[string]string{"separator": separator, "time_col": strconv.Itoa(keyColumn)}
	err := c.multipart(ctx, "/merge-horizontal", "files", files, fields, &out)
	return out, err
}

// ---- records ----

// PersistDataSource creates the record together with rec.Tables.
func (c *Client) PersistDataSource(ctx context.Context, rec datasource.Record) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.write(ctx, http.MethodPost, "/add", rec, &out); err != nil {
		return 0, err
	}
	if out.ID == 0 {
		return 0, fmt.Errorf("%w: add returned no id", ErrServer)
	}
	return out.ID, nil
}

func (c *Client) UpdateDataSource(ctx context.Context, rec datasource.Record) error {
	if rec.ID == 0 {
		return errors.New("update: record has no id")
	}
	return c.write(ctx, http.MethodPost, "/update", rec, nil)
}

// AttachSelectedTables replaces the tables attached to data source id.
func (c *Client) AttachSelectedTables(ctx context.Context, id int64, tables []datasource.TableSelection) error {
	return c.write(ctx, http.MethodPost, fmt.Sprintf("/%d/tables", id), tables, nil)
}

// GetDataSource loads a stored record, e.g. to open it for editing.
func (c *Client) GetDataSource(ctx context.Context, id int64) (datasource.Record, error) {
	var out datasource.Record
	err := c.read(ctx, http.MethodGet, fmt.Sprintf("/%d", id), nil, &out)
	return out, err
}

func (c *Client) ListTables(ctx context.Context, id int64) ([]datasource.Table, error) {
	var out []datasource.Table
	err := c.read(ctx, http.MethodGet, fmt.Sprintf("/%d/tables", id), nil, &out)
	return out, err
}

func (c *Client) ListFields(ctx context.Context, tableID int64) ([]datasource.Field, error) {
	var out []datasource.Field
	err := c.read(ctx, http.MethodGet, fmt.Sprintf("/tables/%d/fields", tableID), nil, &out)
	return out, err
}

// SetTableComment stores a user comment for an attached table.
func (c *Client) SetTableComment(ctx context.Context, tableID int64, comment string) error {
	return c.write(ctx, http.MethodPost, fmt.Sprintf("/tables/%d/comment", tableID), map[string]string{"comment": comment}, nil)
}

// SetFieldComment stores a user comment for a field.
func (c *Client) SetFieldComment(ctx context.Context, fieldID int64, comment string) error {
	return c.write(ctx, http.MethodPost, fmt.Sprintf("/fields/%d/comment", fieldID), map[string]string{"comment": comment}, nil)
}

// CancelAllPending aborts every request currently in flight.
func (c *Client) CancelAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range pending {
		cancel()
	}
	if len(pending) > 0 {
		c.log.Debug().Int("requests", len(pending)).Msg("pending requests cancelled")
	}
}

// Pending is the number of requests in flight.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ---- transport ----

func (c *Client) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.pending[id] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		cancel()
	}
}

// read sends an idempotent request, retrying transient failures.
func (c *Client) read(ctx context.Context, method, path string, in, out any) error {
	body, err := encode(in)
	if err != nil {
		return err
	}
	ctx, done := c.track(ctx)
	defer done()

	return c.retryer.Do(ctx, func(ctx context.Context) error {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		return c.send(ctx, method, path, r, "application/json", out)
	})
}

func (c *Client) write(ctx context.Context, method, path string, in, out any) error {
	body, err := encode(in)
	if err != nil {
		return err
	}
	ctx, done := c.track(ctx)
	defer done()
	return c.send(ctx, method, path, bytes.NewReader(body), "application/json", out)
}

// multipart streams files under field name part, plus plain form fields.
func (c *Client) multipart(ctx context.Context, path, part string, files []datasource.File, fields map[string]string, out any) error {
	ctx, done := c.track(ctx)
	defer done()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, part, files, fields))
	}()
	err := c.send(ctx, http.MethodPost, path, pr, mw.FormDataContentType(), out)
	pr.Close()
	return err
}

func writeParts(mw *multipart.Writer, part string, files []datasource.File, fields map[string]string) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(part, f.Name)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if c.breaker == nil {
		return c.do(ctx, method, path, body, contentType, out)
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, method, path, body, contentType, out)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	url := c.baseURL + basePath + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	rid := uuid.NewString()
	req.Header.Set(RequestIDHeader, rid)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("request_id", rid).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("datasource api")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: msg}
}

func encode(in any) ([]byte, error) {
	if in == nil {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}
