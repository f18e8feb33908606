// Package wizard drives the data-source onboarding flow:
//
//	SelectSource -> Configure -> ChooseTables -> Saved
//
// A Controller holds the collaborators; every opened wizard is a Session that
// owns its form and selection state until it is closed or saved. Transitions
// out of Configure are gated on the outcome of backend calls (connection
// check, upload, remote fetch, concatenation).
package wizard

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/dsonboard/pkg/confbuild"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/events"
	"github.com/ruslano69/dsonboard/pkg/ingest"
)

// Step aliases so callers need not import datasource for the flow.
type Step = datasource.Step

const (
	StepSelectSource = datasource.StepSelectSource
	StepConfigure    = datasource.StepConfigure
	StepChooseTables = datasource.StepChooseTables
	StepSaved        = datasource.StepSaved
)

// DefaultConfirmationThreshold is the number of tables that can be saved
// without asking the user.
const DefaultConfirmationThreshold = 30

// Backend is the data-source service the wizard talks to. Probe calls take a
// record built by confbuild, whose Configuration is already encrypted.
type Backend interface {
	ingest.Backend

	CheckConnectivity(ctx context.Context, rec datasource.Record) (bool, error)
	FetchCandidateTables(ctx context.Context, rec datasource.Record) ([]datasource.Sheet, error)
	FetchSchemaNames(ctx context.Context, rec datasource.Record) ([]string, error)

	PersistDataSource(ctx context.Context, rec datasource.Record) (int64, error)
	UpdateDataSource(ctx context.Context, rec datasource.Record) error
	AttachSelectedTables(ctx context.Context, id int64, tables []datasource.TableSelection) error

	ListTables(ctx context.Context, id int64) ([]datasource.Table, error)
	ListFields(ctx context.Context, tableID int64) ([]datasource.Field, error)
	SetTableComment(ctx context.Context, tableID int64, comment string) error
	SetFieldComment(ctx context.Context, fieldID int64, comment string) error

	// CancelAllPending aborts every in-flight request of this client.
	CancelAllPending()
}

// Publisher receives an event after each successful save.
type Publisher interface {
	Publish(ctx context.Context, ev events.Onboarded) error
}

// Mode is the flow variant of a session.
type Mode int

const (
	// ModeWizard is the regular three-step flow.
	ModeWizard Mode = iota
	// ModeConcatenate merges several files into one table and saves from
	// Configure, without ChooseTables.
	ModeConcatenate
)

func (m Mode) String() string {
	if m == ModeConcatenate {
		return "concatenate"
	}
	return "wizard"
}

// Controller opens wizard sessions.
type Controller struct {
	backend     Backend
	builder     *confbuild.Builder
	ingest      *ingest.Adapter
	publisher   Publisher
	log         zerolog.Logger
	now         func() time.Time
	threshold   int
	monthOffset int
	maxUpload   int64
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

func WithPublisher(p Publisher) Option { return func(c *Controller) { c.publisher = p } }

// WithClock sets the time source used for date markers and events.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func WithConfirmationThreshold(n int) Option { return func(c *Controller) { c.threshold = n } }

// WithMonthOffset sets which month remote fetches target when no period is
// given. -1 is the previous month.
func WithMonthOffset(n int) Option { return func(c *Controller) { c.monthOffset = n } }

func WithMaxUploadSize(n int64) Option { return func(c *Controller) { c.maxUpload = n } }

// NewController creates a controller around backend and cipher.
func NewController(backend Backend, cipher confbuild.Cipher, opts ...Option) *Controller {
	c := &Controller{
		backend:     backend,
		publisher:   events.Nop{},
		log:         log.Logger,
		now:         time.Now,
		threshold:   DefaultConfirmationThreshold,
		monthOffset: datasource.DefaultMonthOffset,
		maxUpload:   ingest.MaxUploadSize,
	}
	for _, o := range opts {
		o(c)
	}
	c.builder = confbuild.New(cipher, confbuild.WithLogger(c.log))
	c.ingest = ingest.New(backend, ingest.WithLogger(c.log), ingest.WithMaxUploadSize(c.maxUpload))
	return c
}

// Open starts a wizard for a new data source.
func (c *Controller) Open(ctx context.Context) *Session {
	return newSession(ctx, c, ModeWizard, datasource.FormState{}, StepSelectSource)
}

// OpenConcatenation starts the multi-file concatenation flow. It begins on
// Configure with the excel type already chosen.
func (c *Controller) OpenConcatenation(ctx context.Context) *Session {
	return newSession(ctx, c, ModeConcatenate, datasource.FormState{Type: datasource.TypeExcel}, StepConfigure)
}

// Edit opens a wizard on a stored record. Its decrypted configuration fills
// the form; parts that cannot be decoded are logged and left empty. The
// wizard starts on Configure and ChooseTables preselects the attached tables.
func (c *Controller) Edit(ctx context.Context, rec datasource.Record) *Session {
	form := c.builder.Load(rec)
	return newSession(ctx, c, ModeWizard, form, StepConfigure)
}
