// Package audit records changes to data sources: who created or updated
// which record, which tables were attached and which files were ingested.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpCreate       Operation = "create"
	OpUpdate       Operation = "update"
	OpAttachTables Operation = "attach_tables"
	OpUpload       Operation = "upload"
	OpConcatenate  Operation = "concatenate"
	OpMerge        Operation = "merge"
	OpRemoteFetch  Operation = "remote_fetch"
	OpComment      Operation = "comment"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry is one audit record. Configurations and credentials are never part
// of an entry.
type Entry struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Operation    Operation     `json:"operation"`
	Status       Status        `json:"status"`
	DatasourceID int64         `json:"ds_id,omitempty"`
	Name         string        `json:"name,omitempty"`
	Type         string        `json:"type,omitempty"`
	Tables       []string      `json:"tables,omitempty"`
	Files        []string      `json:"files,omitempty"`
	RequestID    string        `json:"request_id,omitempty"`
	IPAddress    string        `json:"ip_address,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func NewEntry(op Operation) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Operation: op,
		Status:    StatusSuccess,
	}
}

func (e *Entry) WithDatasource(id int64, name, typ string) *Entry {
	e.DatasourceID, e.Name, e.Type = id, name, typ
	return e
}

func (e *Entry) WithTables(tables ...string) *Entry {
	e.Tables = append(e.Tables, tables...)
	return e
}

func (e *Entry) WithFiles(files ...string) *Entry {
	e.Files = append(e.Files, files...)
	return e
}

func (e *Entry) WithRequest(requestID, ip string) *Entry {
	e.RequestID, e.IPAddress = requestID, ip
	return e
}

func (e *Entry) WithDuration(d time.Duration) *Entry {
	e.Duration = d
	return e
}

// WithError marks the entry failed. A nil err leaves it unchanged.
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.Status = StatusFailure
		e.Error = err.Error()
	}
	return e
}

func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Entry) String() string {
	s := fmt.Sprintf("[%s] %s %s", e.Timestamp.Format(time.RFC3339), e.Operation, e.Status)
	if e.DatasourceID != 0 {
		s += fmt.Sprintf(" ds=%d", e.DatasourceID)
	}
	if e.Name != "" {
		s += fmt.Sprintf(" name=%q", e.Name)
	}
	if len(e.Tables) > 0 {
		s += fmt.Sprintf(" tables=%d", len(e.Tables))
	}
	if e.Error != "" {
		s += " error=" + e.Error
	}
	return s
}
