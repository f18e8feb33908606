// Package confbuild turns wizard form state into a persistable data-source
// record with an encrypted configuration, and restores form state from such a
// record.
package confbuild

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

// Cipher is the encryption boundary. Implementations are treated as opaque;
// pkg/crypto provides the production one.
type Cipher interface {
	Encrypt(text string) (string, error)
	Decrypt(blob string) (string, error)
}

// FieldError reports an invalid form field. Nothing is sent when Build
// returns one.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DecodeError describes a part of a stored record that could not be restored.
type DecodeError struct {
	RecordID int64
	Part     string // "configuration" or "certificate"
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("record %d: decode %s: %v", e.RecordID, e.Part, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Built is the output of Build.
type Built struct {
	Record        datasource.Record
	Configuration datasource.Configuration
}

// Builder assembles and restores configurations.
type Builder struct {
	cipher Cipher
	log    zerolog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used for decode failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// New creates a Builder around cipher.
func New(cipher Cipher, opts ...Option) *Builder {
	b := &Builder{cipher: cipher, log: log.Logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build validates the fields of the active type, assembles the matching
// Configuration and encrypts it. Fields of inactive types are ignored. The
// table selection is never attached here; see AttachTables.
func (b *Builder) Build(form datasource.FormState) (Built, error) {
	if strings.TrimSpace(form.Name) == "" {
		return Built{}, &FieldError{Field: "name", Message: "is required"}
	}
	if !form.Type.Valid() {
		return Built{}, &FieldError{Field: "type", Message: fmt.Sprintf("unknown type %q", form.Type)}
	}

	cfg, err := Assemble(form)
	if err != nil {
		return Built{}, err
	}
	text, err := cfg.Marshal()
	if err != nil {
		return Built{}, fmt.Errorf("serialize configuration: %w", err)
	}
	blob, err := b.cipher.Encrypt(string(text))
	if err != nil {
		return Built{}, fmt.Errorf("encrypt configuration: %w", err)
	}

	rec := datasource.Record{
		ID:            form.ID,
		Name:          strings.TrimSpace(form.Name),
		Description:   form.Description,
		Type:          form.Type,
		TypeName:      form.Type.DisplayName(),
		Configuration: blob,
	}
	if cfg.Type == datasource.TypeAPI {
		rec.Certificate, err = datasource.EncodeCertificates(cfg.API.CertificateList)
		if err != nil {
			return Built{}, fmt.Errorf("encode certificates: %w", err)
		}
	}
	return Built{Record: rec, Configuration: cfg}, nil
}

// Assemble builds the unencrypted Configuration for the active type.
func Assemble(form datasource.FormState) (datasource.Configuration, error) {
	switch {
	case form.Type == datasource.TypeAPI:
		return assembleAPI(form.API)
	case form.Type == datasource.TypeExcel:
		return assembleExcel(form.Excel, form.Relational.Timeout)
	case form.Type.IsRelational():
		return assembleRelational(form.Type, form.Relational)
	default:
		return datasource.Configuration{}, fmt.Errorf("%w: %q", datasource.ErrUnknownType, form.Type)
	}
}

func assembleAPI(f datasource.APIForm) (datasource.Configuration, error) {
	endpoint := strings.TrimSpace(f.Endpoint)
	if endpoint == "" {
		return datasource.Configuration{}, &FieldError{Field: "endpoint", Message: "is required"}
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return datasource.Configuration{}, &FieldError{Field: "endpoint", Message: "must be an http(s) URL"}
	}
	method, ok := datasource.RemoteMethod(f.Method)
	if !ok {
		return datasource.Configuration{}, &FieldError{Field: "method", Message: fmt.Sprintf("unsupported method %q", f.Method)}
	}
	codes, err := ParseStatusCodes(f.SuccessStatusCodes)
	if err != nil {
		return datasource.Configuration{}, err
	}
	if f.Timeout < 0 {
		return datasource.Configuration{}, &FieldError{Field: "timeout", Message: "must not be negative"}
	}

	return datasource.NewAPI(datasource.APIConfig{
		Endpoint:           endpoint,
		Method:             method,
		RequestBody:        f.RequestBody,
		SuccessStatusCodes: codes,
		CertificateList:    f.Certificates(),
		Timeout:            f.Timeout,
		OriginType:         datasource.OriginLocal,
	}), nil
}

func assembleRelational(t datasource.Type, f datasource.RelationalForm) (datasource.Configuration, error) {
	if t == datasource.TypeSQLite {
		if strings.TrimSpace(f.Database) == "" {
			return datasource.Configuration{}, &FieldError{Field: "database", Message: "file path is required"}
		}
	} else {
		if strings.TrimSpace(f.Host) == "" {
			return datasource.Configuration{}, &FieldError{Field: "host", Message: "is required"}
		}
		if f.Port < 1 || f.Port > 65535 {
			return datasource.Configuration{}, &FieldError{Field: "port", Message: "must be between 1 and 65535"}
		}
	}
	if f.Timeout < 0 {
		return datasource.Configuration{}, &FieldError{Field: "timeout", Message: "must not be negative"}
	}

	return datasource.NewRelational(t, datasource.RelationalConfig{
		Host:       strings.TrimSpace(f.Host),
		Port:       f.Port,
		Username:   f.Username,
		Password:   f.Password,
		Database:   strings.TrimSpace(f.Database),
		ExtraJdbc:  f.ExtraJdbc,
		DBSchema:   f.DBSchema,
		Timeout:    f.Timeout,
		OriginType: datasource.OriginLocal,
	}), nil
}

func assembleExcel(f datasource.ExcelForm, timeout int) (datasource.Configuration, error) {
	if !f.Ingested() {
		return datasource.Configuration{}, &FieldError{Field: "file", Message: "upload a file first"}
	}
	origin := f.Origin
	if origin == "" {
		origin = datasource.OriginLocal
	}
	return datasource.NewRelational(datasource.TypeExcel, datasource.RelationalConfig{
		Timeout:    timeout,
		OriginType: origin,
		Filename:   f.Filename,
		Sheets:     append([]datasource.Sheet(nil), f.Sheets...),
	}), nil
}

// AttachTables returns a copy of rec carrying the final table selection.
func AttachTables(rec datasource.Record, tables []datasource.TableSelection) datasource.Record {
	rec.Tables = append([]datasource.TableSelection(nil), tables...)
	return rec
}

// ParseStatusCodes parses the comma-separated success status list. Blank
// input yields the default [200, 201].
func ParseStatusCodes(s string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 100 || n > 599 {
			return nil, &FieldError{Field: "successStatusCodes", Message: fmt.Sprintf("invalid status code %q", part)}
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return append([]int(nil), datasource.DefaultSuccessStatusCodes...), nil
	}
	return out, nil
}

// FormatStatusCodes is the inverse of ParseStatusCodes.
func FormatStatusCodes(codes []int) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// Load restores form state from a persisted record. It never fails: parts
// that cannot be decoded keep their defaults and the problem is logged.
func (b *Builder) Load(rec datasource.Record) datasource.FormState {
	form, errs := b.Decode(rec)
	for _, err := range errs {
		var de *DecodeError
		ev := b.log.Warn().Err(err).Int64("record_id", rec.ID).Str("type", string(rec.Type))
		if errors.As(err, &de) {
			ev = ev.Str("part", de.Part)
		}
		ev.Msg("stored data source only partially restored")
	}
	return form
}

// Decode is Load that hands the decode problems back instead of logging them.
func (b *Builder) Decode(rec datasource.Record) (datasource.FormState, []error) {
	form := datasource.FormState{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Type:        rec.Type,
	}
	var errs []error
	fail := func(part string, err error) {
		errs = append(errs, &DecodeError{RecordID: rec.ID, Part: part, Err: err})
	}

	text, err := b.cipher.Decrypt(rec.Configuration)
	if err != nil {
		fail("configuration", err)
		return form, errs
	}
	cfg, err := datasource.UnmarshalConfiguration(rec.Type, []byte(text))
	if err != nil {
		fail("configuration", err)
		return form, errs
	}

	switch {
	case cfg.API != nil:
		a := cfg.API
		form.API = datasource.APIForm{
			Endpoint:           a.Endpoint,
			Method:             a.Method,
			RequestBody:        a.RequestBody,
			SuccessStatusCodes: FormatStatusCodes(a.SuccessStatusCodes),
			Timeout:            a.Timeout,
		}
		certs, err := datasource.DecodeCertificates(rec.Certificate)
		if err != nil {
			fail("certificate", err)
			certs = a.CertificateList
		}
		restoreCertificates(&form.API, certs)
	case cfg.Relational != nil:
		r := cfg.Relational
		form.Relational = datasource.RelationalForm{
			Host:      r.Host,
			Port:      r.Port,
			Username:  r.Username,
			Password:  r.Password,
			Database:  r.Database,
			ExtraJdbc: r.ExtraJdbc,
			DBSchema:  r.DBSchema,
			Timeout:   r.Timeout,
		}
		if rec.Type == datasource.TypeExcel {
			form.Excel = datasource.ExcelForm{
				Filename: r.Filename,
				Sheets:   r.Sheets,
				Origin:   cfg.Origin(),
			}
		}
	}
	return form, errs
}

// restoreCertificates fills the form's single slot per target with the first
// stored entry of that target.
func restoreCertificates(f *datasource.APIForm, list []datasource.CertificateEntry) {
	for _, target := range []datasource.CertTarget{datasource.CertHeader, datasource.CertCookie, datasource.CertParam} {
		if e, ok := datasource.FindCertificate(list, target); ok {
			f.SetCertificate(e)
		}
	}
}
