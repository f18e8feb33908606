package datasource

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultSuccessStatusCodes is used when an api source does not list its own.
var DefaultSuccessStatusCodes = []int{200, 201}

// RelationalConfig is the configuration shape of database sources and of excel
// sources, which are served from the backend's own database.
type RelationalConfig struct {
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	Database   string  `json:"database"`
	ExtraJdbc  string  `json:"extraJdbc"`
	DBSchema   string  `json:"dbSchema"`
	Timeout    int     `json:"timeout"`
	OriginType Origin  `json:"originType,omitempty"`
	Filename   string  `json:"filename,omitempty"` // excel only
	Sheets     []Sheet `json:"sheets,omitempty"`   // excel only
}

// APIConfig is the configuration shape of remote api sources.
type APIConfig struct {
	Endpoint           string             `json:"endpoint"`
	Method             string             `json:"method"`
	RequestBody        string             `json:"requestBody,omitempty"`
	SuccessStatusCodes []int              `json:"successStatusCodes"`
	CertificateList    []CertificateEntry `json:"certificateList"`
	Timeout            int                `json:"timeout"`
	OriginType         Origin             `json:"originType,omitempty"`
}

// Configuration is a tagged union: exactly one payload is set and it matches Type.
type Configuration struct {
	Type       Type
	Relational *RelationalConfig
	API        *APIConfig
}

var (
	ErrPayloadMismatch = errors.New("configuration payload does not match its type")
	ErrUnknownType     = errors.New("unknown data source type")
)

// NewRelational wraps a relational payload. Excel sources use this shape too.
func NewRelational(t Type, cfg RelationalConfig) Configuration {
	return Configuration{Type: t, Relational: &cfg}
}

// NewAPI wraps an api payload.
func NewAPI(cfg APIConfig) Configuration {
	return Configuration{Type: TypeAPI, API: &cfg}
}

// Validate checks that the payload matches the discriminant.
func (c Configuration) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	if c.Type == TypeAPI {
		if c.API == nil || c.Relational != nil {
			return fmt.Errorf("%w: %s", ErrPayloadMismatch, c.Type)
		}
		return nil
	}
	if c.Relational == nil || c.API != nil {
		return fmt.Errorf("%w: %s", ErrPayloadMismatch, c.Type)
	}
	if c.Type != TypeExcel && (c.Relational.Filename != "" || len(c.Relational.Sheets) > 0) {
		return fmt.Errorf("%w: %s carries excel fields", ErrPayloadMismatch, c.Type)
	}
	return nil
}

// Origin returns the acquisition marker, defaulting to local for records
// written before the marker existed.
func (c Configuration) Origin() Origin {
	var o Origin
	switch {
	case c.API != nil:
		o = c.API.OriginType
	case c.Relational != nil:
		o = c.Relational.OriginType
	}
	if o == "" {
		return OriginLocal
	}
	return o
}

// Marshal serializes only the active payload.
func (c Configuration) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Type == TypeAPI {
		return json.Marshal(c.API)
	}
	return json.Marshal(c.Relational)
}

// UnmarshalConfiguration parses text produced by Marshal. The parse path is
// chosen by t alone.
func UnmarshalConfiguration(t Type, data []byte) (Configuration, error) {
	if !t.Valid() {
		return Configuration{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if t == TypeAPI {
		var cfg APIConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Configuration{}, fmt.Errorf("parse api configuration: %w", err)
		}
		if len(cfg.SuccessStatusCodes) == 0 {
			cfg.SuccessStatusCodes = append([]int(nil), DefaultSuccessStatusCodes...)
		}
		return NewAPI(cfg), nil
	}
	var cfg RelationalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parse %s configuration: %w", t, err)
	}
	if t != TypeExcel {
		cfg.Filename = ""
		cfg.Sheets = nil
	}
	return NewRelational(t, cfg), nil
}
