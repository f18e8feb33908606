package datasource

// FormState is the editable state of one wizard session. It carries the
// fields of every variant; only the group matching Type is meaningful and the
// other groups are left untouched while the user switches types.
type FormState struct {
	ID          int64
	Name        string
	Description string
	Type        Type

	Relational RelationalForm
	API        APIForm
	Excel      ExcelForm
}

// RelationalForm holds database connection fields.
type RelationalForm struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Database  string
	ExtraJdbc string
	DBSchema  string
	Timeout   int
}

// APIForm holds the remote api fields. SuccessStatusCodes is the raw
// comma-separated text the user typed.
type APIForm struct {
	Endpoint           string
	Method             string
	RequestBody        string
	SuccessStatusCodes string
	HeaderKey          string
	HeaderValue        string
	CookieKey          string
	CookieValue        string
	ParamKey           string
	ParamValue         string
	Timeout            int
	Separator          string
	Markers            DateMarkers
}

// ExcelForm holds the outcome of the last successful ingestion.
type ExcelForm struct {
	Filename string
	Sheets   []Sheet
	Origin   Origin
}

// Ingested reports whether an ingestion result is present.
func (e ExcelForm) Ingested() bool {
	return e.Filename != "" && len(e.Sheets) > 0
}

// Certificates returns the header/cookie/param entries whose key and value are
// both set, in that order.
func (a APIForm) Certificates() []CertificateEntry {
	out := make([]CertificateEntry, 0, 3)
	add := func(t CertTarget, k, v string) {
		if k != "" && v != "" {
			out = append(out, CertificateEntry{Target: t, Key: k, Value: v})
		}
	}
	add(CertHeader, a.HeaderKey, a.HeaderValue)
	add(CertCookie, a.CookieKey, a.CookieValue)
	add(CertParam, a.ParamKey, a.ParamValue)
	return out
}

// SetCertificate writes an entry back into the matching form fields.
func (a *APIForm) SetCertificate(e CertificateEntry) {
	switch e.Target {
	case CertHeader:
		a.HeaderKey, a.HeaderValue = e.Key, e.Value
	case CertCookie:
		a.CookieKey, a.CookieValue = e.Key, e.Value
	case CertParam:
		a.ParamKey, a.ParamValue = e.Key, e.Value
	}
}

// FetchParams assembles the remote fetch request from the form.
func (a APIForm) FetchParams() RemoteFetchParams {
	sep := a.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	method := a.Method
	if method == "" {
		method = "GET"
	}
	p := RemoteFetchParams{
		Endpoint:  a.Endpoint,
		Method:    method,
		Markers:   a.Markers,
		Timeout:   timeout,
		Separator: sep,
	}
	for _, c := range a.Certificates() {
		switch c.Target {
		case CertHeader:
			p.HeaderKey, p.HeaderValue = c.Key, c.Value
		case CertCookie:
			p.CookieKey, p.CookieValue = c.Key, c.Value
		case CertParam:
			p.ParamKey, p.ParamValue = c.Key, c.Value
		}
	}
	return p
}
