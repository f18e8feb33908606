package datasource

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSeparator joins multi-level spreadsheet headers.
	DefaultSeparator = "_"
	// DefaultRemoteTimeout is the remote fetch timeout in seconds.
	DefaultRemoteTimeout = 30
	// DefaultMonthOffset targets the previous month for monthly pulls.
	DefaultMonthOffset = -1
)

// RemoteMethod normalizes the HTTP method of a remote pull. Empty means GET;
// only GET and POST are supported.
func RemoteMethod(m string) (string, bool) {
	switch m = strings.ToUpper(strings.TrimSpace(m)); m {
	case "":
		return "GET", true
	case "GET", "POST":
		return m, true
	default:
		return m, false
	}
}

// DateMarkers are substituted into the remote endpoint by the backend.
//
//	DateM      last day of the period, YYYY-MM-DD
//	PDateM     period month, YYYY-MM
//	PeriodType "month" unless set
//	Period     compact period, YYYYMM
type DateMarkers struct {
	DateM      string `json:"date_m,omitempty" yaml:"date_m"`
	PDateM     string `json:"p_date_m,omitempty" yaml:"p_date_m"`
	PeriodType string `json:"period_type,omitempty" yaml:"period_type"`
	Period     string `json:"period,omitempty" yaml:"period"`
}

// RemoteFetchParams is the request of a remote api pull.
type RemoteFetchParams struct {
	Endpoint    string      `json:"endpoint"`
	Method      string      `json:"method"`
	Markers     DateMarkers `json:"markers"`
	HeaderKey   string      `json:"headerKey,omitempty"`
	HeaderValue string      `json:"headerValue,omitempty"`
	CookieKey   string      `json:"cookieKey,omitempty"`
	CookieValue string      `json:"cookieValue,omitempty"`
	ParamKey    string      `json:"paramKey,omitempty"`
	ParamValue  string      `json:"paramValue,omitempty"`
	Timeout     int         `json:"timeout"`
	Separator   string      `json:"separator"`
}

// ResolveMonthlyMarkers fills absent monthly markers. An explicit Period
// (YYYY-MM, YYYYMM or YYYY-MM-DD) wins; otherwise the month is now shifted by
// offset months. Markers that are already set are kept.
func ResolveMonthlyMarkers(m DateMarkers, now time.Time, offset int) DateMarkers {
	if m.PeriodType == "" {
		m.PeriodType = "month"
	}
	if !strings.EqualFold(m.PeriodType, "month") || (m.DateM != "" && m.PDateM != "") {
		return m
	}

	y, mon, ok := parsePeriod(m.Period)
	if !ok {
		total := now.Year()*12 + int(now.Month()) - 1 + offset
		y, mon = total/12, total%12+1
	}
	last := time.Date(y, time.Month(mon)+1, 0, 0, 0, 0, 0, time.UTC).Day()

	if m.PDateM == "" {
		m.PDateM = fmt.Sprintf("%04d-%02d", y, mon)
	}
	if m.DateM == "" {
		m.DateM = fmt.Sprintf("%04d-%02d-%02d", y, mon, last)
	}
	if m.Period == "" {
		m.Period = fmt.Sprintf("%04d%02d", y, mon)
	}
	return m
}

func parsePeriod(s string) (year, month int, ok bool) {
	s = strings.TrimSpace(s)
	var ys, ms string
	switch {
	case len(s) == 7 && s[4] == '-':
		ys, ms = s[:4], s[5:7]
	case len(s) == 6:
		ys, ms = s[:4], s[4:6]
	case len(s) == 10 && s[4] == '-' && s[7] == '-':
		ys, ms = s[:4], s[5:7]
	default:
		return 0, 0, false
	}
	y, err1 := strconv.Atoi(ys)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || m < 1 || m > 12 {
		return 0, 0, false
	}
	return y, m, true
}
