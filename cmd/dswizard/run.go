package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/wizard"
)

// recordSource loads a stored record for --edit.
type recordSource interface {
	GetDataSource(ctx context.Context, id int64) (datasource.Record, error)
}

type runOptions struct {
	editID  int64
	confirm bool
}

// run drives one wizard session from the answers and returns the saved id.
func run(ctx context.Context, ctl *wizard.Controller, src recordSource, ans *Answers, opts runOptions, log zerolog.Logger) (int64, error) {
	var s *wizard.Session
	switch {
	case opts.editID != 0:
		rec, err := src.GetDataSource(ctx, opts.editID)
		if err != nil {
			return 0, fmt.Errorf("load data source %d: %w", opts.editID, err)
		}
		s = ctl.Edit(ctx, rec)
	case ans.Concatenate:
		s = ctl.OpenConcatenation(ctx)
	default:
		s = ctl.Open(ctx)
		t, err := ans.SourceType()
		if err != nil {
			return 0, err
		}
		if err := s.ChooseType(t); err != nil {
			return 0, err
		}
	}
	defer s.Close()

	if err := s.Update(ans.Apply); err != nil {
		return 0, err
	}
	files, err := loadFiles(ans.Files)
	if err != nil {
		return 0, err
	}

	if s.Mode() == wizard.ModeConcatenate {
		if err := s.SetFiles(files); err != nil {
			return 0, err
		}
		if _, err := s.Advance(ctx); err != nil {
			return 0, err
		}
		return s.SavedID(), nil
	}

	if err := configure(ctx, s, files, log); err != nil {
		return 0, err
	}
	step, err := s.Advance(ctx)
	if err != nil {
		return 0, err
	}
	log.Info().Str("step", step.String()).Int("candidates", len(s.Candidates())).Msg("tables loaded")

	if err := choose(s, ans); err != nil {
		return 0, err
	}
	return s.Save(ctx, wizard.SaveOptions{Confirmed: opts.confirm})
}

// configure runs the Configure-step actions the answers call for.
func configure(ctx context.Context, s *wizard.Session, files []datasource.File, log zerolog.Logger) error {
	form := s.Form()
	switch {
	case form.Type == datasource.TypeExcel && len(files) == 1:
		res, err := s.Upload(ctx, files[0])
		if err != nil {
			return err
		}
		log.Info().Str("file", res.Filename).Int("sheets", len(res.Sheets)).Msg("file uploaded")
	case form.Type == datasource.TypeExcel && len(files) > 1:
		res, err := s.Merge(ctx, files)
		if err != nil {
			return err
		}
		log.Info().Str("file", res.Filename).Int("files", len(files)).Msg("files merged")
	case form.Type == datasource.TypeAPI:
		n, err := s.TestRemote(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("sheets", n).Msg("remote api reachable")
	case form.Type.IsRelational():
		if form.Type.HasSchemas() && form.Relational.DBSchema == "" {
			if schemas, err := s.FetchSchemas(ctx); err == nil {
				log.Info().Strs("schemas", schemas).Msg("schemas available")
			}
		}
		if _, err := s.CheckConnectivity(ctx); err != nil {
			return err
		}
	}
	return nil
}

// choose applies filter and table answers. With all set the filter decides
// which tables are taken; named tables are picked before the filter is
// applied, so the filter never hides them. Without any table answer the
// preselection (attached tables of an edited record) is kept.
func choose(s *wizard.Session, ans *Answers) error {
	if ans.All {
		if _, err := s.SetFilter(ans.Filter); err != nil {
			return err
		}
		_, err := s.ToggleAll(true)
		return err
	}

	names, err := ans.Pick(s.Candidates())
	if err != nil {
		return err
	}
	for _, n := range names {
		v, err := s.Toggle(n, true)
		if err != nil {
			return err
		}
		if !slices.Contains(v.Checked, n) {
			return fmt.Errorf("table %q could not be selected", n)
		}
	}
	if ans.Filter != "" {
		if _, err := s.SetFilter(ans.Filter); err != nil {
			return err
		}
	}
	if s.SelectedCount() == 0 {
		return errors.New("answers select no tables (set tables or all)")
	}
	return nil
}

func loadFiles(paths []string) ([]datasource.File, error) {
	out := make([]datasource.File, 0, len(paths))
	for _, p := range paths {
		f, err := datasource.FileFromPath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
