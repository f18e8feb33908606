package datasource

// Record is the persisted data-source entity. Configuration holds the
// encrypted serialization of the Configuration union; Certificate is the
// plain side-channel certificate list of api sources.
type Record struct {
	ID            int64            `json:"id,omitempty"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Type          Type             `json:"type"`
	TypeName      string           `json:"type_name"`
	Configuration string           `json:"configuration"`
	Certificate   string           `json:"certificate,omitempty"`
	Tables        []TableSelection `json:"tables,omitempty"`
}

// SelectionFromSheets converts ingestion sheets into save-time selections.
func SelectionFromSheets(sheets []Sheet) []TableSelection {
	out := make([]TableSelection, 0, len(sheets))
	for _, s := range sheets {
		out = append(out, TableSelection{TableName: s.TableName, TableComment: s.TableComment})
	}
	return out
}
