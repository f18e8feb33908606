// Package server is the development data-source service: the HTTP API the
// wizard's dsapi client talks to, backed by SQLite, a zstd staging area and
// live database probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ruslano69/dsonboard/internal/staging"
	"github.com/ruslano69/dsonboard/internal/store"
	"github.com/ruslano69/dsonboard/pkg/audit"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/probe"
)

// Cipher decrypts stored configurations.
type Cipher interface {
	Decrypt(text string) (string, error)
}

// Prober is the database side of the service.
type Prober interface {
	Check(ctx context.Context, c datasource.Configuration) error
	Tables(ctx context.Context, c datasource.Configuration) ([]datasource.Sheet, error)
	Schemas(ctx context.Context, c datasource.Configuration) ([]string, error)
	Columns(ctx context.Context, c datasource.Configuration, table string) ([]datasource.Field, error)
}

var _ Prober = (*probe.Prober)(nil)

// Auditor receives an entry for every change and ingestion.
type Auditor interface {
	Log(ctx context.Context, e *audit.Entry) error
}

// Server holds the handler dependencies.
type Server struct {
	store     *store.Store
	staging   *staging.Store
	prober    Prober
	cipher    Cipher
	remote    *http.Client
	audit     Auditor
	log       zerolog.Logger
	maxUpload int64
	timeout   time.Duration
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithMaxUpload sets the per-file size limit in bytes.
func WithMaxUpload(n int64) Option { return func(s *Server) { s.maxUpload = n } }

// WithRemoteClient replaces the client used for remote api pulls.
func WithRemoteClient(c *http.Client) Option { return func(s *Server) { s.remote = c } }

func WithAuditor(a Auditor) Option { return func(s *Server) { s.audit = a } }

// WithRequestTimeout bounds every request.
func WithRequestTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

// New creates a server.
func New(st *store.Store, stg *staging.Store, p Prober, c Cipher, opts ...Option) *Server {
	s := &Server{
		store:     st,
		staging:   stg,
		prober:    p,
		cipher:    c,
		remote:    &http.Client{},
		log:       zerolog.Nop(),
		maxUpload: 50 << 20,
		timeout:   2 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/datasource", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/check", s.handleCheck)
		r.Post("/tables-by-conf", s.handleTablesByConf)
		r.Post("/schemas-by-conf", s.handleSchemasByConf)

		r.Post("/upload", s.handleUpload)
		r.Post("/concatenate", s.handleConcatenate)
		r.Post("/merge-horizontal", s.handleMerge)
		r.Post("/remote/fetch", s.handleRemoteFetch)
		r.Post("/remote/test", s.handleRemoteTest)

		r.Post("/add", s.handleAdd)
		r.Post("/update", s.handleUpdate)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/tables", s.handleListTables)
		r.Post("/{id}/tables", s.handleAttachTables)
		r.Get("/tables/{tableID}/fields", s.handleListFields)
		r.Post("/tables/{tableID}/comment", s.handleTableComment)
		r.Post("/fields/{fieldID}/comment", s.handleFieldComment)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"store": "ok"})
}

// configuration decrypts and parses the configuration of rec.
func (s *Server) configuration(rec datasource.Record) (datasource.Configuration, error) {
	if !rec.Type.Valid() {
		return datasource.Configuration{}, fmt.Errorf("unknown type %q", rec.Type)
	}
	text, err := s.cipher.Decrypt(rec.Configuration)
	if err != nil {
		return datasource.Configuration{}, fmt.Errorf("decrypt configuration: %w", err)
	}
	return datasource.UnmarshalConfiguration(rec.Type, []byte(text))
}

// record completes e with the request identity and hands it to the auditor.
func (s *Server) record(r *http.Request, e *audit.Entry, start time.Time) {
	if s.audit == nil {
		return
	}
	e.WithRequest(r.Header.Get("X-Request-ID"), r.RemoteAddr).WithDuration(time.Since(start))
	if err := s.audit.Log(r.Context(), e); err != nil {
		s.log.Error().Err(err).Str("operation", string(e.Operation)).Msg("audit entry lost")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store errors to HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
