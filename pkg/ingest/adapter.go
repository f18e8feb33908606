// Package ingest normalizes the three ways a spreadsheet reaches a data source
// (local upload, remote api fetch, multi-file concatenation) into one
// {filename, sheets} result.
//
// The adapter only checks what can be checked without parsing: sizes,
// extensions, file counts and duplicate content. Parsing happens on the
// backend.
package ingest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

const (
	// MaxUploadSize is the per-file limit enforced before any transfer.
	MaxUploadSize int64 = 50 << 20

	// ConcatSeparator and ConcatKeyColumn are fixed for concatenation.
	ConcatSeparator = datasource.DefaultSeparator
	ConcatKeyColumn = 0
	// MergeKeyColumn is the shared column of a horizontal merge.
	MergeKeyColumn = 0
)

var (
	uploadExtensions = map[string]bool{".xlsx": true, ".xls": true, ".csv": true}
	mergeExtensions  = map[string]bool{".xlsx": true, ".xls": true}
)

// Backend is the part of the data-source service that ingests files.
type Backend interface {
	UploadLocalFile(ctx context.Context, f datasource.File) (datasource.IngestResult, error)
	FetchRemoteExcel(ctx context.Context, p datasource.RemoteFetchParams) (datasource.IngestResult, error)
	TestRemoteExcel(ctx context.Context, p datasource.RemoteFetchParams) (int, error)
	ConcatenateFiles(ctx context.Context, files []datasource.File, separator string, keyColumn int) (datasource.IngestResult, error)
	MergeFilesHorizontally(ctx context.Context, files []datasource.File, separator string, keyColumn int) (datasource.IngestResult, error)
}

// Adapter runs the client-side checks and calls the backend.
type Adapter struct {
	backend Backend
	maxSize int64
	log     zerolog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option { return func(a *Adapter) { a.log = l } }

// WithMaxUploadSize overrides MaxUploadSize.
func WithMaxUploadSize(n int64) Option { return func(a *Adapter) { a.maxSize = n } }

// New creates an Adapter.
func New(b Backend, opts ...Option) *Adapter {
	a := &Adapter{backend: b, maxSize: MaxUploadSize, log: log.Logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Upload sends one local file. Files over the size limit are rejected before
// the backend is called.
func (a *Adapter) Upload(ctx context.Context, f datasource.File) (datasource.IngestResult, error) {
	if err := a.checkFile(f, uploadExtensions); err != nil {
		return datasource.IngestResult{}, fail(OpUpload, f.Name, err)
	}
	res, err := a.backend.UploadLocalFile(ctx, f)
	if err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpUpload, f.Name, err))
	}
	if err := checkResult(res); err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpUpload, f.Name, err))
	}
	a.log.Info().Str("file", f.Name).Int64("size", f.Size).Int("sheets", len(res.Sheets)).Msg("file uploaded")
	return res, nil
}

// FetchRemote pulls a workbook from a remote api through the backend.
func (a *Adapter) FetchRemote(ctx context.Context, p datasource.RemoteFetchParams) (datasource.IngestResult, error) {
	if strings.TrimSpace(p.Endpoint) == "" {
		return datasource.IngestResult{}, fail(OpFetch, "", ErrNoEndpoint)
	}
	res, err := a.backend.FetchRemoteExcel(ctx, p)
	if err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpFetch, "", err))
	}
	if err := checkResult(res); err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpFetch, "", err))
	}
	a.log.Info().Str("endpoint", p.Endpoint).Str("file", res.Filename).Int("sheets", len(res.Sheets)).Msg("remote workbook fetched")
	return res, nil
}

// TestRemote checks that the remote api answers with a readable workbook and
// returns its sheet count. Nothing is stored.
func (a *Adapter) TestRemote(ctx context.Context, p datasource.RemoteFetchParams) (int, error) {
	if strings.TrimSpace(p.Endpoint) == "" {
		return 0, fail(OpTest, "", ErrNoEndpoint)
	}
	n, err := a.backend.TestRemoteExcel(ctx, p)
	if err != nil {
		return 0, a.logged(fail(OpTest, "", err))
	}
	if n <= 0 {
		return 0, fail(OpTest, "", ErrEmptyResult)
	}
	return n, nil
}

// Concatenate stacks at least two workbooks with identical columns into one
// sheet, keyed on the first column.
func (a *Adapter) Concatenate(ctx context.Context, files []datasource.File) (datasource.IngestResult, error) {
	if err := a.checkBatch(files); err != nil {
		return datasource.IngestResult{}, fail(OpConcatenate, "", err)
	}
	res, err := a.backend.ConcatenateFiles(ctx, files, ConcatSeparator, ConcatKeyColumn)
	if err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpConcatenate, "", err))
	}
	if err := checkResult(res); err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpConcatenate, "", err))
	}
	if len(res.Sheets) != 1 {
		return datasource.IngestResult{}, a.logged(fail(OpConcatenate, "", fmt.Errorf("expected one sheet, got %d", len(res.Sheets))))
	}
	a.log.Info().Int("files", len(files)).Str("file", res.Filename).Msg("files concatenated")
	return res, nil
}

// MergeHorizontally joins workbooks side by side on their first column.
func (a *Adapter) MergeHorizontally(ctx context.Context, files []datasource.File) (datasource.IngestResult, error) {
	if err := a.checkBatch(files); err != nil {
		return datasource.IngestResult{}, fail(OpMerge, "", err)
	}
	res, err := a.backend.MergeFilesHorizontally(ctx, files, ConcatSeparator, MergeKeyColumn)
	if err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpMerge, "", err))
	}
	if err := checkResult(res); err != nil {
		return datasource.IngestResult{}, a.logged(fail(OpMerge, "", err))
	}
	return res, nil
}

func (a *Adapter) checkFile(f datasource.File, allowed map[string]bool) error {
	ext := strings.ToLower(filepath.Ext(f.Name))
	if !allowed[ext] {
		return fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}
	if f.Size > a.maxSize {
		return fmt.Errorf("%w: %d MB > %d MB", ErrFileTooLarge, f.Size>>20, a.maxSize>>20)
	}
	return nil
}

// checkBatch validates a multi-file selection and rejects byte-identical
// files, which would only duplicate every row.
func (a *Adapter) checkBatch(files []datasource.File) error {
	if len(files) < 2 {
		return ErrTooFewFiles
	}
	seen := make(map[uint64]string, len(files))
	for _, f := range files {
		if err := a.checkFile(f, mergeExtensions); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		if f.Open == nil {
			continue
		}
		sum, err := contentHash(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		if prev, ok := seen[sum]; ok {
			return fmt.Errorf("%w: %s and %s", ErrDuplicateFile, prev, f.Name)
		}
		seen[sum] = f.Name
	}
	return nil
}

func contentHash(f datasource.File) (uint64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, rc); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return h.Sum64(), nil
}

func checkResult(r datasource.IngestResult) error {
	if r.Filename == "" || len(r.Sheets) == 0 {
		return ErrEmptyResult
	}
	return nil
}

func (a *Adapter) logged(err error) error {
	a.log.Warn().Err(err).Msg("ingestion failed")
	return err
}

// ExcelState is the canonical state after any successful ingestion: the
// source is an excel source whatever path produced it.
type ExcelState struct {
	Type  datasource.Type
	Excel datasource.ExcelForm
}

// NormalizeAfterIngestion converts an ingestion result into ExcelState. It is
// applied the same way for every path; origin is recorded for display only.
func NormalizeAfterIngestion(r datasource.IngestResult, origin datasource.Origin) (ExcelState, error) {
	if err := checkResult(r); err != nil {
		return ExcelState{}, err
	}
	if origin == "" {
		origin = datasource.OriginLocal
	}
	return ExcelState{
		Type: datasource.TypeExcel,
		Excel: datasource.ExcelForm{
			Filename: r.Filename,
			Sheets:   append([]datasource.Sheet(nil), r.Sheets...),
			Origin:   origin,
		},
	}, nil
}

// Apply writes the state into form. Other groups of the form are untouched.
func (s ExcelState) Apply(form *datasource.FormState) {
	form.Type = s.Type
	form.Excel = s.Excel
}
