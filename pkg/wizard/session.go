package wizard

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ruslano69/dsonboard/pkg/confbuild"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/events"
	"github.com/ruslano69/dsonboard/pkg/ingest"
	"github.com/ruslano69/dsonboard/pkg/selection"
)

// action is a re-entrancy lock. A second call of a locked action fails with
// ErrBusy instead of queueing.
type action string

const (
	actStep   action = "step"   // Advance, Retreat, Reset, Save
	actIngest action = "ingest" // Upload, Merge, TestRemote
	actProbe  action = "probe"  // CheckConnectivity, FetchSchemas
)

// SaveOptions controls Save.
type SaveOptions struct {
	// Confirmed acknowledges saving more tables than the confirmation
	// threshold.
	Confirmed bool
}

// Session is one open wizard. All methods are safe to call from several
// goroutines; network calls run without holding the session lock, and their
// results are dropped if the session was closed meanwhile.
type Session struct {
	c   *Controller
	id  string
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	mode       Mode
	initial    datasource.FormState
	form       datasource.FormState
	step       Step
	initStep   Step
	files      []datasource.File
	candidates []datasource.Sheet
	schemas    []string
	sel        *selection.Reconciler
	fields     map[int64][]datasource.Field
	connOK     bool
	rev        uint64 // bumped by every form edit
	lastErr    error
	busy       map[action]bool
	savedID    int64
	closed     bool
}

func newSession(ctx context.Context, c *Controller, mode Mode, form datasource.FormState, step Step) *Session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id := uuid.NewString()
	s := &Session{
		c:        c,
		id:       id,
		log:      c.log.With().Str("session", id).Str("mode", mode.String()).Logger(),
		ctx:      sctx,
		cancel:   cancel,
		mode:     mode,
		initial:  form,
		form:     form,
		step:     step,
		initStep: step,
		fields:   make(map[int64][]datasource.Field),
		busy:     make(map[action]bool),
	}
	s.log.Debug().Int64("ds_id", form.ID).Str("step", step.String()).Msg("wizard opened")
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// ---- state accessors ----

func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Session) Mode() Mode { return s.mode }

// Form returns a copy of the current form state.
func (s *Session) Form() datasource.FormState {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.form
	f.Excel.Sheets = append([]datasource.Sheet(nil), s.form.Excel.Sheets...)
	return f
}

// Files returns the files selected for concatenation.
func (s *Session) Files() []datasource.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datasource.File(nil), s.files...)
}

// Candidates is the table list offered on ChooseTables.
func (s *Session) Candidates() []datasource.Sheet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datasource.Sheet(nil), s.candidates...)
}

// Schemas returns the schema names from the last FetchSchemas.
func (s *Session) Schemas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.schemas...)
}

// Selection returns the table picker state. ok is false outside ChooseTables.
func (s *Session) Selection() (v selection.View, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sel == nil {
		return selection.View{}, false
	}
	return s.sel.View(), true
}

// SelectedCount is the size of the global table selection.
func (s *Session) SelectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sel == nil {
		return 0
	}
	return s.sel.Count()
}

// Connected reports whether the current relational settings passed a
// connection check.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connOK
}

// LastError is the failure of the last action, cleared on entering Configure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Busy reports whether any action is pending.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.busy) > 0
}

// SavedID is the id of the saved record, 0 before a successful save.
func (s *Session) SavedID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedID
}

// Closed reports whether the session was closed or saved.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ---- form editing ----

// Update edits the form. The type and id are kept; use ChooseType to change
// the type. Any edit invalidates a previous connection check.
func (s *Session) Update(fn func(f *datasource.FormState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	typ, id := s.form.Type, s.form.ID
	fn(&s.form)
	s.form.Type, s.form.ID = typ, id
	s.rev++
	s.connOK = false
	return nil
}

// SetFiles replaces the file list of a concatenation session.
func (s *Session) SetFiles(files []datasource.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.mode != ModeConcatenate {
		return ErrWrongStep
	}
	s.files = append([]datasource.File(nil), files...)
	return nil
}

// ChooseType selects the source type and moves to Configure. Fields entered
// for other types stay in the form.
func (s *Session) ChooseType(t datasource.Type) error {
	if !t.Valid() {
		return &ValidationError{Field: "type", Message: "choose a data source type"}
	}
	if err := s.acquire(actStep, actIngest); err != nil {
		return err
	}
	defer s.release(actStep)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepSelectSource {
		return ErrWrongStep
	}
	s.form.Type = t
	s.rev++
	s.moveTo(StepConfigure)
	return nil
}

// ---- transitions ----

// Advance leaves the current step if its guard holds. On failure the session
// stays where it was and the error says why.
func (s *Session) Advance(ctx context.Context) (Step, error) {
	if err := s.acquire(actStep, actIngest, actProbe); err != nil {
		return s.Step(), err
	}
	defer s.release(actStep)
	ctx, done := s.bind(ctx)
	defer done()

	s.mu.Lock()
	from := s.step
	s.mu.Unlock()

	var err error
	switch from {
	case StepSelectSource:
		err = s.leaveSelectSource()
	case StepConfigure:
		err = s.leaveConfigure(ctx)
	case StepChooseTables:
		_, err = s.save(ctx, SaveOptions{})
	default:
		err = ErrClosed
	}
	if err != nil {
		s.fail(from, err)
	}
	return s.Step(), err
}

// Retreat goes one step back. Only Configure -> SelectSource and
// ChooseTables -> Configure exist; on other steps it stays.
func (s *Session) Retreat() (Step, error) {
	if err := s.acquire(actStep, actIngest, actProbe); err != nil {
		return s.Step(), err
	}
	defer s.release(actStep)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.step == StepChooseTables:
		s.moveTo(StepConfigure)
	case s.step == StepConfigure && s.mode == ModeWizard:
		s.moveTo(StepSelectSource)
	}
	return s.step, nil
}

// Reset returns to the first step with the form as it was opened.
func (s *Session) Reset() (Step, error) {
	if err := s.acquire(actStep, actIngest, actProbe); err != nil {
		return s.Step(), err
	}
	defer s.release(actStep)

	s.mu.Lock()
	defer s.mu.Unlock()
	first := StepSelectSource
	if s.mode == ModeConcatenate {
		first = StepConfigure
	}
	s.clearLocked()
	s.form = s.initial
	s.moveTo(first)
	return s.step, nil
}

// Close cancels every pending request of the session and discards its state.
// Results that arrive afterwards are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.clearLocked()
	s.form = datasource.FormState{}
	s.step = s.initStep
	s.busy = make(map[action]bool)
	s.mu.Unlock()

	s.c.backend.CancelAllPending()
	s.log.Debug().Msg("wizard closed")
}

func (s *Session) leaveSelectSource() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.form.Type.Valid() {
		return &ValidationError{Field: "type", Message: "choose a data source type"}
	}
	s.moveTo(StepConfigure)
	return nil
}

func (s *Session) leaveConfigure(ctx context.Context) error {
	s.mu.Lock()
	form, rev := s.form, s.rev
	files := append([]datasource.File(nil), s.files...)
	connOK := s.connOK
	s.mu.Unlock()

	if s.mode == ModeConcatenate {
		return s.concatenateAndSave(ctx, form, files)
	}

	switch {
	case form.Type == datasource.TypeAPI:
		return s.fetchRemote(ctx, form)
	case form.Type == datasource.TypeExcel:
		if _, err := s.build(form); err != nil {
			return err
		}
		return s.enterTables(ctx, form.ID, form.Excel.Sheets)
	case form.Type.IsRelational():
		return s.connectAndList(ctx, form, rev, connOK)
	default:
		return &ValidationError{Field: "type", Message: "choose a data source type"}
	}
}

func (s *Session) connectAndList(ctx context.Context, form datasource.FormState, rev uint64, connOK bool) error {
	built, err := s.build(form)
	if err != nil {
		return err
	}
	if !connOK {
		if err := s.probe(ctx, built.Record, rev); err != nil {
			return err
		}
	}

	tables, err := s.c.backend.FetchCandidateTables(ctx, built.Record)
	if err := s.alive(); err != nil {
		return err
	}
	if err != nil {
		return &BackendError{Op: "load tables", Err: err}
	}
	return s.enterTables(ctx, form.ID, tables)
}

func (s *Session) fetchRemote(ctx context.Context, form datasource.FormState) error {
	if _, err := s.build(form); err != nil {
		return err
	}
	p := form.API.FetchParams()
	p.Markers = datasource.ResolveMonthlyMarkers(p.Markers, s.c.now(), s.c.monthOffset)

	res, err := s.c.ingest.FetchRemote(ctx, p)
	if err := s.alive(); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	st, err := ingest.NormalizeAfterIngestion(res, datasource.OriginAPI)
	if err != nil {
		return &IngestionError{Op: ingest.OpFetch, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	st.Apply(&s.form)
	s.connOK = false
	s.mu.Unlock()

	s.log.Info().Str("file", res.Filename).Int("sheets", len(res.Sheets)).Msg("api source normalized to excel")
	return s.enterTables(ctx, form.ID, st.Excel.Sheets)
}

// enterTables installs the candidate list and moves to ChooseTables. A
// previous selection is carried over where the names still exist; an edited
// record starts with its attached tables.
func (s *Session) enterTables(ctx context.Context, id int64, tables []datasource.Sheet) error {
	s.mu.Lock()
	var keep []string
	first := s.sel == nil
	if !first {
		keep = s.sel.Selected()
	}
	s.mu.Unlock()

	if first && id != 0 {
		attached, err := s.c.backend.ListTables(ctx, id)
		if err := s.alive(); err != nil {
			return err
		}
		if err != nil {
			s.log.Warn().Err(err).Int64("ds_id", id).Msg("could not load attached tables, nothing preselected")
		}
		for _, t := range attached {
			keep = append(keep, t.TableName)
		}
	}

	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t.TableName] = true
	}
	pre := keep[:0:0]
	for _, n := range keep {
		if known[n] {
			pre = append(pre, n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.candidates = append([]datasource.Sheet(nil), tables...)
	s.sel = selection.New(s.candidates, pre...)
	s.moveTo(StepChooseTables)
	return nil
}

func (s *Session) concatenateAndSave(ctx context.Context, form datasource.FormState, files []datasource.File) error {
	if strings.TrimSpace(form.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if len(files) < 2 {
		return &ValidationError{Field: "files", Message: "select at least two files"}
	}

	res, err := s.c.ingest.Concatenate(ctx, files)
	if err := s.alive(); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	st, err := ingest.NormalizeAfterIngestion(res, datasource.OriginLocal)
	if err != nil {
		return &IngestionError{Op: ingest.OpConcatenate, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	st.Apply(&s.form)
	s.candidates = st.Excel.Sheets
	names := make([]string, len(st.Excel.Sheets))
	for i, sh := range st.Excel.Sheets {
		names[i] = sh.TableName
	}
	s.sel = selection.New(s.candidates, names...)
	s.mu.Unlock()

	_, err = s.save(ctx, SaveOptions{Confirmed: true})
	return err
}

// ---- Configure-step actions ----

// CheckConnectivity runs the connection probe for the relational settings.
// A successful check lets the next Advance skip probing again.
func (s *Session) CheckConnectivity(ctx context.Context) (bool, error) {
	form, rev, err := s.configureAction(actProbe, func(f datasource.FormState) bool { return f.Type.IsRelational() })
	if err != nil {
		return false, err
	}
	defer s.release(actProbe)
	ctx, done := s.bind(ctx)
	defer done()

	built, err := s.build(form)
	if err != nil {
		return false, err
	}
	if err := s.probe(ctx, built.Record, rev); err != nil {
		s.fail(StepConfigure, err)
		return false, err
	}
	return true, nil
}

// FetchSchemas lists the schema names for the dbSchema picker of databases
// that have schemas.
func (s *Session) FetchSchemas(ctx context.Context) ([]string, error) {
	form, _, err := s.configureAction(actProbe, func(f datasource.FormState) bool { return f.Type.HasSchemas() })
	if err != nil {
		return nil, err
	}
	defer s.release(actProbe)
	ctx, done := s.bind(ctx)
	defer done()

	built, err := s.build(form)
	if err != nil {
		return nil, err
	}
	names, err := s.c.backend.FetchSchemaNames(ctx, built.Record)
	if err := s.alive(); err != nil {
		return nil, err
	}
	if err != nil {
		err = &ConnectivityError{Err: err}
		s.fail(StepConfigure, err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.schemas = append([]string(nil), names...)
	return names, nil
}

// Upload ingests a local file for an excel source. On failure the previous
// upload, if any, is kept.
func (s *Session) Upload(ctx context.Context, f datasource.File) (datasource.IngestResult, error) {
	return s.ingestFiles(ctx, func(ctx context.Context) (datasource.IngestResult, error) {
		return s.c.ingest.Upload(ctx, f)
	})
}

// Merge joins several workbooks side by side and uses the result as the
// excel source.
func (s *Session) Merge(ctx context.Context, files []datasource.File) (datasource.IngestResult, error) {
	return s.ingestFiles(ctx, func(ctx context.Context) (datasource.IngestResult, error) {
		return s.c.ingest.MergeHorizontally(ctx, files)
	})
}

func (s *Session) ingestFiles(ctx context.Context, run func(context.Context) (datasource.IngestResult, error)) (datasource.IngestResult, error) {
	_, _, err := s.configureAction(actIngest, func(f datasource.FormState) bool {
		return f.Type == datasource.TypeExcel && s.mode == ModeWizard
	})
	if err != nil {
		return datasource.IngestResult{}, err
	}
	defer s.release(actIngest)
	ctx, done := s.bind(ctx)
	defer done()

	res, err := run(ctx)
	if err := s.alive(); err != nil {
		return datasource.IngestResult{}, err
	}
	if err != nil {
		s.fail(StepConfigure, err)
		return datasource.IngestResult{}, err
	}
	st, err := ingest.NormalizeAfterIngestion(res, datasource.OriginLocal)
	if err != nil {
		return datasource.IngestResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return datasource.IngestResult{}, ErrClosed
	}
	st.Apply(&s.form)
	s.lastErr = nil
	return res, nil
}

// TestRemote checks the remote api and returns the sheet count it would
// produce. The form is not changed.
func (s *Session) TestRemote(ctx context.Context) (int, error) {
	form, _, err := s.configureAction(actIngest, func(f datasource.FormState) bool { return f.Type == datasource.TypeAPI })
	if err != nil {
		return 0, err
	}
	defer s.release(actIngest)
	ctx, done := s.bind(ctx)
	defer done()

	p := form.API.FetchParams()
	p.Markers = datasource.ResolveMonthlyMarkers(p.Markers, s.c.now(), s.c.monthOffset)
	n, err := s.c.ingest.TestRemote(ctx, p)
	if err := s.alive(); err != nil {
		return 0, err
	}
	if err != nil {
		s.fail(StepConfigure, err)
		return 0, err
	}
	return n, nil
}

// configureAction takes lock a for an action that is only valid on
// Configure for a form accepted by ok, and returns a snapshot of the form
// with its revision.
func (s *Session) configureAction(a action, ok func(datasource.FormState) bool) (datasource.FormState, uint64, error) {
	if err := s.acquire(a, actStep); err != nil {
		return datasource.FormState{}, 0, err
	}
	s.mu.Lock()
	form, rev := s.form, s.rev
	valid := s.step == StepConfigure && ok(form)
	s.mu.Unlock()
	if !valid {
		s.release(a)
		return datasource.FormState{}, 0, ErrWrongStep
	}
	return form, rev, nil
}

// ---- ChooseTables ----

// SetFilter narrows the visible tables.
func (s *Session) SetFilter(keyword string) (selection.View, error) {
	return s.withSelection(func(r *selection.Reconciler) selection.View { return r.SetFilter(keyword) })
}

// ToggleAll checks or unchecks every visible table.
func (s *Session) ToggleAll(checked bool) (selection.View, error) {
	return s.withSelection(func(r *selection.Reconciler) selection.View { return r.ToggleAll(checked) })
}

// ToggleMany applies the picker's checked list for the visible tables.
func (s *Session) ToggleMany(names []string) (selection.View, error) {
	return s.withSelection(func(r *selection.Reconciler) selection.View { return r.ToggleMany(names) })
}

// Toggle flips one visible table.
func (s *Session) Toggle(name string, checked bool) (selection.View, error) {
	return s.withSelection(func(r *selection.Reconciler) selection.View { return r.Toggle(name, checked) })
}

func (s *Session) withSelection(fn func(*selection.Reconciler) selection.View) (selection.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return selection.View{}, ErrClosed
	}
	if s.step != StepChooseTables || s.sel == nil {
		return selection.View{}, ErrWrongStep
	}
	return fn(s.sel), nil
}

// Fields returns the columns of a stored table. Results are cached for the
// lifetime of the session.
func (s *Session) Fields(ctx context.Context, tableID int64) ([]datasource.Field, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := s.fields[tableID]; ok {
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	ctx, done := s.bind(ctx)
	defer done()
	fields, err := s.c.backend.ListFields(ctx, tableID)
	if err := s.alive(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, &BackendError{Op: "load fields", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.fields[tableID] = fields
	return fields, nil
}

// CommentTable sets the custom comment of a stored table.
func (s *Session) CommentTable(ctx context.Context, tableID int64, comment string) error {
	if err := s.alive(); err != nil {
		return err
	}
	ctx, done := s.bind(ctx)
	defer done()
	err := s.c.backend.SetTableComment(ctx, tableID, comment)
	if err := s.alive(); err != nil {
		return err
	}
	if err != nil {
		return &BackendError{Op: "save table comment", Err: err}
	}
	return nil
}

// CommentField sets the custom comment of a field of table tableID and
// updates the cached field list.
func (s *Session) CommentField(ctx context.Context, tableID, fieldID int64, comment string) error {
	if err := s.alive(); err != nil {
		return err
	}
	ctx, done := s.bind(ctx)
	defer done()
	err := s.c.backend.SetFieldComment(ctx, fieldID, comment)
	if err := s.alive(); err != nil {
		return err
	}
	if err != nil {
		return &BackendError{Op: "save field comment", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.fields[tableID]; ok {
		next := append([]datasource.Field(nil), cached...)
		for i := range next {
			if next[i].ID == fieldID {
				next[i].CustomComment = comment
			}
		}
		s.fields[tableID] = next
	}
	return nil
}

// Save persists the data source with the selected tables. More tables than
// the confirmation threshold need opts.Confirmed; without it a
// *ConfirmationRequired is returned and nothing is sent.
func (s *Session) Save(ctx context.Context, opts SaveOptions) (int64, error) {
	if err := s.acquire(actStep, actIngest, actProbe); err != nil {
		return 0, err
	}
	defer s.release(actStep)
	ctx, done := s.bind(ctx)
	defer done()

	id, err := s.save(ctx, opts)
	if err != nil {
		s.fail(StepChooseTables, err)
	}
	return id, err
}

func (s *Session) save(ctx context.Context, opts SaveOptions) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	direct := s.mode == ModeConcatenate && s.step == StepConfigure
	if s.step != StepChooseTables && !direct {
		s.mu.Unlock()
		return 0, ErrWrongStep
	}
	form := s.form
	var tables []datasource.TableSelection
	if s.sel != nil {
		tables = s.sel.Selections()
	}
	s.mu.Unlock()

	if len(tables) == 0 {
		return 0, &ValidationError{Field: "tables", Message: "select at least one table"}
	}
	if len(tables) > s.c.threshold && !opts.Confirmed {
		return 0, &ConfirmationRequired{Count: len(tables), Limit: s.c.threshold}
	}
	built, err := s.build(form)
	if err != nil {
		return 0, err
	}

	id := form.ID
	updated := id != 0
	if !updated {
		id, err = s.c.backend.PersistDataSource(ctx, confbuild.AttachTables(built.Record, tables))
		if aerr := s.alive(); aerr != nil {
			return 0, aerr
		}
		if err != nil {
			return 0, &BackendError{Op: "save the data source", Err: err}
		}
	} else {
		err = s.c.backend.UpdateDataSource(ctx, built.Record)
		if aerr := s.alive(); aerr != nil {
			return 0, aerr
		}
		if err != nil {
			return 0, &BackendError{Op: "update the data source", Err: err}
		}
		err = s.c.backend.AttachSelectedTables(ctx, id, tables)
		if aerr := s.alive(); aerr != nil {
			return 0, aerr
		}
		if err != nil {
			return 0, &BackendError{Op: "attach tables", Err: err}
		}
	}

	s.mu.Lock()
	s.savedID = id
	s.moveTo(StepSaved)
	s.mu.Unlock()

	savesTotal.WithLabelValues(string(built.Record.Type), s.mode.String()).Inc()
	s.log.Info().
		Int64("ds_id", id).
		Str("type", string(built.Record.Type)).
		Str("origin", string(built.Configuration.Origin())).
		Int("tables", len(tables)).
		Bool("updated", updated).
		Msg("data source saved")

	s.publish(ctx, built, id, tables, updated)
	s.finish()
	return id, nil
}

func (s *Session) publish(ctx context.Context, built confbuild.Built, id int64, tables []datasource.TableSelection, updated bool) {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.TableName
	}
	ev := events.Onboarded{
		DatasourceID: id,
		Name:         built.Record.Name,
		Type:         string(built.Record.Type),
		TypeName:     built.Record.TypeName,
		OriginType:   string(built.Configuration.Origin()),
		Mode:         s.mode.String(),
		Updated:      updated,
		Tables:       names,
		SavedAt:      s.c.now().UTC(),
	}
	if err := s.c.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Int64("ds_id", id).Msg("onboarding event not published")
	}
}

// finish discards the form after a successful save. The step stays Saved.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.form = datasource.FormState{}
	s.files = nil
	s.sel = nil
	s.cancel()
}

// ---- helpers ----

func (s *Session) build(form datasource.FormState) (confbuild.Built, error) {
	b, err := s.c.builder.Build(form)
	var fe *confbuild.FieldError
	if errors.As(err, &fe) {
		return b, &ValidationError{Field: fe.Field, Message: fe.Message}
	}
	return b, err
}

// probe runs the connection check for the form at revision rev. A success
// counts only while the form is still at that revision.
func (s *Session) probe(ctx context.Context, rec datasource.Record, rev uint64) error {
	ok, err := s.c.backend.CheckConnectivity(ctx, rec)
	if err := s.alive(); err != nil {
		return err
	}
	if err != nil {
		return &ConnectivityError{Err: err}
	}
	if !ok {
		return &ConnectivityError{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.rev == rev {
		s.connOK = true
		s.lastErr = nil
	}
	return nil
}

func (s *Session) acquire(a action, blockers ...action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.busy[a] {
		return ErrBusy
	}
	for _, b := range blockers {
		if s.busy[b] {
			return ErrBusy
		}
	}
	s.busy[a] = true
	return nil
}

func (s *Session) release(a action) {
	s.mu.Lock()
	delete(s.busy, a)
	s.mu.Unlock()
}

// bind derives a context that is also cancelled when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// alive returns ErrClosed once the session is closed, so late results are
// dropped.
func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// moveTo changes the step. Entering Configure clears validation state.
// Caller holds s.mu.
func (s *Session) moveTo(to Step) {
	if s.step == to {
		return
	}
	transitionsTotal.WithLabelValues(s.step.String(), to.String()).Inc()
	s.log.Debug().Str("from", s.step.String()).Str("to", to.String()).Msg("step")
	if to == StepConfigure {
		s.connOK = false
		s.lastErr = nil
	}
	s.step = to
}

// clearLocked drops everything derived from backend calls. Caller holds s.mu.
func (s *Session) clearLocked() {
	s.files = nil
	s.candidates = nil
	s.schemas = nil
	s.sel = nil
	s.fields = make(map[int64][]datasource.Field)
	s.connOK = false
	s.lastErr = nil
}

func (s *Session) fail(step Step, err error) {
	reason := failureReason(err)
	gateFailuresTotal.WithLabelValues(step.String(), reason).Inc()

	s.mu.Lock()
	if !s.closed {
		s.lastErr = err
	}
	s.mu.Unlock()

	ev := s.log.Warn()
	if reason == "validation" || reason == "confirmation" || reason == "busy" {
		ev = s.log.Debug()
	}
	ev.Err(err).Str("step", step.String()).Str("reason", reason).Msg("action refused")
}

func failureReason(err error) string {
	var (
		ve *ValidationError
		ce *ConnectivityError
		ie *IngestionError
		cr *ConfirmationRequired
		be *BackendError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &cr):
		return "confirmation"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &ce):
		return "connectivity"
	case errors.As(err, &ie):
		return "ingestion"
	case errors.As(err, &be):
		return "backend"
	default:
		return "other"
	}
}
