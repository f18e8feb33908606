package sheets

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"
)

var (
	// ErrHeaderMismatch is returned when concatenated tables differ in columns.
	ErrHeaderMismatch = errors.New("header rows differ")
	// ErrKeyMismatch is returned when merged tables do not share the same keys.
	ErrKeyMismatch = errors.New("key column values differ")
	// ErrDuplicateKey is returned when a key repeats inside one merged table.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrKeyColumn is returned for a key index outside the header.
	ErrKeyColumn = errors.New("key column out of range")
)

// ConcatStats describes a concatenation.
type ConcatStats struct {
	Tables     int
	RowsIn     int
	RowsOut    int
	Duplicates int
}

// Concatenate appends the rows of tables with identical headers. Exact
// duplicate rows are dropped, the first occurrence wins. Rows are ordered by
// the key column, keeping input order for equal keys.
func Concatenate(name string, tables []Table, keyColumn int) (Table, ConcatStats, error) {
	var stats ConcatStats
	if len(tables) == 0 {
		return Table{}, stats, errors.New("no tables to concatenate")
	}
	header := tables[0].Header
	if keyColumn < 0 || keyColumn >= len(header) {
		return Table{}, stats, fmt.Errorf("%w: %d", ErrKeyColumn, keyColumn)
	}
	for i, t := range tables[1:] {
		if !slices.Equal(t.Header, header) {
			return Table{}, stats, fmt.Errorf("%w: table %d (%s)", ErrHeaderMismatch, i+2, t.Name)
		}
	}

	out := Table{Name: name, Header: slices.Clone(header)}
	seen := make(map[xxh3.Uint128]struct{})
	for _, t := range tables {
		stats.Tables++
		for _, row := range t.Rows {
			stats.RowsIn++
			h := xxh3.HashString128(strings.Join(row, "\x1f"))
			if _, dup := seen[h]; dup {
				stats.Duplicates++
				continue
			}
			seen[h] = struct{}{}
			out.Rows = append(out.Rows, row)
		}
	}
	slices.SortStableFunc(out.Rows, func(a, b []string) int {
		return strings.Compare(a[keyColumn], b[keyColumn])
	})
	stats.RowsOut = len(out.Rows)
	return out, stats, nil
}

// MergeHorizontally joins tables side by side on the key column. Every table
// must hold the same set of keys, each once. The result starts with the key
// column of the first table followed by the other columns of each table in
// order; a repeated column name gets the suffix sep+n (n = 2, 3, ...).
func MergeHorizontally(name string, tables []Table, keyColumn int, sep string) (Table, error) {
	if len(tables) == 0 {
		return Table{}, errors.New("no tables to merge")
	}
	index := make([]map[string][]string, len(tables))
	for i, t := range tables {
		if keyColumn < 0 || keyColumn >= len(t.Header) {
			return Table{}, fmt.Errorf("%w: %d in %s", ErrKeyColumn, keyColumn, t.Name)
		}
		index[i] = make(map[string][]string, len(t.Rows))
		for _, row := range t.Rows {
			k := row[keyColumn]
			if _, dup := index[i][k]; dup {
				return Table{}, fmt.Errorf("%w %q in %s", ErrDuplicateKey, k, t.Name)
			}
			index[i][k] = row
		}
	}
	for i := 1; i < len(tables); i++ {
		if len(index[i]) != len(index[0]) {
			return Table{}, fmt.Errorf("%w: %s has %d keys, %s has %d", ErrKeyMismatch, tables[i].Name, len(index[i]), tables[0].Name, len(index[0]))
		}
		for k := range index[0] {
			if _, ok := index[i][k]; !ok {
				return Table{}, fmt.Errorf("%w: %q missing in %s", ErrKeyMismatch, k, tables[i].Name)
			}
		}
	}

	used := map[string]int{}
	unique := func(h string) string {
		used[h]++
		if used[h] == 1 {
			return h
		}
		return fmt.Sprintf("%s%s%d", h, sep, used[h])
	}

	out := Table{Name: name, Header: []string{unique(tables[0].Header[keyColumn])}}
	for _, t := range tables {
		for c, h := range t.Header {
			if c != keyColumn {
				out.Header = append(out.Header, unique(h))
			}
		}
	}
	for _, first := range tables[0].Rows {
		k := first[keyColumn]
		row := []string{k}
		for i, t := range tables {
			src := index[i][k]
			for c := range t.Header {
				if c != keyColumn {
					row = append(row, src[c])
				}
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
