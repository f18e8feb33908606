package wizard

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/dsonboard/pkg/crypto"
	"github.com/ruslano69/dsonboard/pkg/datasource"
	"github.com/ruslano69/dsonboard/pkg/events"
)

// fakeBackend records calls and answers from its fields. A non-nil gate makes
// CheckConnectivity wait until the gate is closed or the context ends.
type fakeBackend struct {
	mu sync.Mutex

	connected  bool
	connErr    error
	tables     []datasource.Sheet
	schemas    []string
	ingestRes  datasource.IngestResult
	ingestErr  error
	attached   []datasource.Table
	fields     map[int64][]datasource.Field
	persistErr error
	nextID     int64

	gate    chan struct{}
	started chan struct{}

	calls     map[string]int
	persisted []datasource.Record
	updated   []datasource.Record
	attachedT [][]datasource.TableSelection
	fetchReq  []datasource.RemoteFetchParams
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		connected: true,
		nextID:    100,
		calls:     map[string]int{},
		fields:    map[int64][]datasource.Field{},
		ingestRes: datasource.IngestResult{
			Filename: "upload.xlsx",
			Sheets:   []datasource.Sheet{{TableName: "Sheet1_0a1b2c3d4e", TableComment: "Sheet1"}},
		},
	}
}

func (f *fakeBackend) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) CheckConnectivity(ctx context.Context, _ datasource.Record) (bool, error) {
	f.hit("check")
	if f.gate != nil {
		f.mu.Lock()
		if f.started != nil {
			close(f.started)
			f.started = nil
		}
		f.mu.Unlock()
		select {
		case <-f.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.connErr
}

func (f *fakeBackend) FetchCandidateTables(context.Context, datasource.Record) ([]datasource.Sheet, error) {
	f.hit("tables")
	return f.tables, nil
}

func (f *fakeBackend) FetchSchemaNames(context.Context, datasource.Record) ([]string, error) {
	f.hit("schemas")
	return f.schemas, nil
}

func (f *fakeBackend) UploadLocalFile(context.Context, datasource.File) (datasource.IngestResult, error) {
	f.hit("upload")
	return f.ingestRes, f.ingestErr
}

func (f *fakeBackend) FetchRemoteExcel(_ context.Context, p datasource.RemoteFetchParams) (datasource.IngestResult, error) {
	f.hit("fetch")
	f.mu.Lock()
	f.fetchReq = append(f.fetchReq, p)
	f.mu.Unlock()
	return f.ingestRes, f.ingestErr
}

func (f *fakeBackend) TestRemoteExcel(context.Context, datasource.RemoteFetchParams) (int, error) {
	f.hit("test")
	return len(f.ingestRes.Sheets), f.ingestErr
}

func (f *fakeBackend) ConcatenateFiles(context.Context, []datasource.File, string, int) (datasource.IngestResult, error) {
	f.hit("concat")
	return f.ingestRes, f.ingestErr
}

func (f *fakeBackend) MergeFilesHorizontally(context.Context, []datasource.File, string, int) (datasource.IngestResult, error) {
	f.hit("merge")
	return f.ingestRes, f.ingestErr
}

func (f *fakeBackend) PersistDataSource(_ context.Context, rec datasource.Record) (int64, error) {
	f.hit("persist")
	if f.persistErr != nil {
		return 0, f.persistErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, rec)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeBackend) UpdateDataSource(_ context.Context, rec datasource.Record) error {
	f.hit("update")
	f.mu.Lock()
	f.updated = append(f.updated, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) AttachSelectedTables(_ context.Context, _ int64, tables []datasource.TableSelection) error {
	f.hit("attach")
	f.mu.Lock()
	f.attachedT = append(f.attachedT, tables)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ListTables(context.Context, int64) ([]datasource.Table, error) {
	f.hit("listTables")
	return f.attached, nil
}

func (f *fakeBackend) ListFields(_ context.Context, tableID int64) ([]datasource.Field, error) {
	f.hit("listFields")
	fields, ok := f.fields[tableID]
	if !ok {
		return nil, fmt.Errorf("table %d not found", tableID)
	}
	return fields, nil
}

func (f *fakeBackend) SetTableComment(_ context.Context, tableID int64, comment string) error {
	f.hit("tableComment")
	for i := range f.attached {
		if f.attached[i].ID == tableID {
			f.attached[i].CustomComment = comment
			return nil
		}
	}
	return fmt.Errorf("table %d not found", tableID)
}

func (f *fakeBackend) SetFieldComment(_ context.Context, fieldID int64, comment string) error {
	f.hit("fieldComment")
	for _, fields := range f.fields {
		for i := range fields {
			if fields[i].ID == fieldID {
				fields[i].CustomComment = comment
				return nil
			}
		}
	}
	return fmt.Errorf("field %d not found", fieldID)
}

func (f *fakeBackend) CancelAllPending() { f.hit("cancelAll") }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Onboarded
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Onboarded) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

var testNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	return c
}

func newTestController(t *testing.T, b *fakeBackend, opts ...Option) (*Controller, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithPublisher(pub),
		WithClock(func() time.Time { return testNow }),
	}
	return NewController(b, testCipher(t), append(base, opts...)...), pub
}

func sheetNames(n int) []datasource.Sheet {
	out := make([]datasource.Sheet, n)
	for i := range out {
		out[i] = datasource.Sheet{TableName: fmt.Sprintf("table_%02d", i), TableComment: fmt.Sprintf("Table %d", i)}
	}
	return out
}

func fillMySQL(f *datasource.FormState) {
	f.Name = "shop"
	f.Relational = datasource.RelationalForm{Host: "mysql.local", Port: 3306, Username: "u", Password: "p", Database: "shop"}
}
