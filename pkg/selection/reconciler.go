// Package selection keeps a durable set of chosen tables while the visible
// candidate list is narrowed by a keyword filter.
//
// Bulk operations only ever see the visible rows. A name that is hidden during
// an operation is never added to or removed from the selection by it.
package selection

import (
	"sort"
	"strings"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

// View is what a table picker renders after each operation.
type View struct {
	Visible       []datasource.Sheet
	Checked       []string // selected names among Visible, in Visible order
	CheckAll      bool
	Indeterminate bool
}

// Reconciler holds the candidate list, the current filter and the global
// selection. It is owned by one wizard session and is not safe for concurrent
// use.
type Reconciler struct {
	tables   []datasource.Sheet
	keyword  string
	visible  []datasource.Sheet
	selected map[string]struct{}
}

// New creates a reconciler over tables with an initial selection.
func New(tables []datasource.Sheet, preselected ...string) *Reconciler {
	r := &Reconciler{selected: make(map[string]struct{})}
	for _, n := range preselected {
		r.selected[n] = struct{}{}
	}
	r.SetTables(tables)
	return r
}

// SetTables replaces the candidate list and reapplies the current filter. The
// selection is kept as is.
func (r *Reconciler) SetTables(tables []datasource.Sheet) View {
	r.tables = append([]datasource.Sheet(nil), tables...)
	return r.SetFilter(r.keyword)
}

// SetFilter shows the tables whose name contains keyword, ignoring case. Only
// the empty keyword shows everything; whitespace is matched as typed.
func (r *Reconciler) SetFilter(keyword string) View {
	r.keyword = keyword
	needle := strings.ToLower(keyword)
	r.visible = r.visible[:0]
	for _, t := range r.tables {
		if needle == "" || strings.Contains(strings.ToLower(t.TableName), needle) {
			r.visible = append(r.visible, t)
		}
	}
	return r.View()
}

// ToggleAll adds every visible name to the selection, or removes every
// visible name from it.
func (r *Reconciler) ToggleAll(checked bool) View {
	for _, t := range r.visible {
		if checked {
			r.selected[t.TableName] = struct{}{}
		} else {
			delete(r.selected, t.TableName)
		}
	}
	return r.View()
}

// ToggleMany applies the picker's new checked list. Visible membership is
// forgotten first, then exactly the reported names are selected. Names in
// explicit that are not visible are ignored.
func (r *Reconciler) ToggleMany(explicit []string) View {
	visible := r.visibleNames()
	for n := range visible {
		delete(r.selected, n)
	}
	for _, n := range explicit {
		if _, ok := visible[n]; ok {
			r.selected[n] = struct{}{}
		}
	}
	return r.View()
}

// Toggle flips a single visible row.
func (r *Reconciler) Toggle(name string, checked bool) View {
	if _, ok := r.visibleNames()[name]; !ok {
		return r.View()
	}
	if checked {
		r.selected[name] = struct{}{}
	} else {
		delete(r.selected, name)
	}
	return r.View()
}

// View recomputes the rendered state from the global selection.
func (r *Reconciler) View() View {
	v := View{Visible: append([]datasource.Sheet(nil), r.visible...)}
	for _, t := range r.visible {
		if _, ok := r.selected[t.TableName]; ok {
			v.Checked = append(v.Checked, t.TableName)
		}
	}
	n := len(v.Checked)
	v.CheckAll = n == len(v.Visible)
	v.Indeterminate = n > 0 && n < len(v.Visible)
	return v
}

// Keyword returns the active filter.
func (r *Reconciler) Keyword() string { return r.keyword }

// Count is the size of the global selection.
func (r *Reconciler) Count() int { return len(r.selected) }

// Selected returns the global selection sorted by name.
func (r *Reconciler) Selected() []string {
	out := make([]string, 0, len(r.selected))
	for n := range r.selected {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Selections returns the selected tables as save-time pairs, in candidate
// order. Selected names that are not in the candidate list keep an empty
// comment and come last.
func (r *Reconciler) Selections() []datasource.TableSelection {
	out := make([]datasource.TableSelection, 0, len(r.selected))
	known := make(map[string]bool, len(r.tables))
	for _, t := range r.tables {
		known[t.TableName] = true
		if _, ok := r.selected[t.TableName]; ok {
			out = append(out, datasource.TableSelection{TableName: t.TableName, TableComment: t.TableComment})
		}
	}
	for _, n := range r.Selected() {
		if !known[n] {
			out = append(out, datasource.TableSelection{TableName: n})
		}
	}
	return out
}

func (r *Reconciler) visibleNames() map[string]struct{} {
	m := make(map[string]struct{}, len(r.visible))
	for _, t := range r.visible {
		m[t.TableName] = struct{}{}
	}
	return m
}
