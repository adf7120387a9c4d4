package diagnostics

import (
	"io"
	"strings"
	"sync/atomic"
)

// labelWidth is the column at which values start in a rendered report.
const labelWidth = 24

// Entry is one labelled value in the registry. Entries are immutable once appended.
type Entry struct {
	Label string `json:"label"`
	Value string `json:"value"`

	line string
}

// Registry collects labelled diagnostic facts that must survive into a
// crash report. Appends never block readers: the entry list is an
// immutable slice replaced wholesale with compare-and-swap, and every
// entry carries its pre-rendered report line so the fault path does no
// formatting.
type Registry struct {
	entries atomic.Pointer[[]Entry]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.entries.Store(&[]Entry{})
	return r
}

// Append adds a labelled value. It never fails.
func (r *Registry) Append(label, value string) {
	e := Entry{Label: label, Value: value, line: renderLine(label, value)}
	for {
		old := r.entries.Load()
		next := make([]Entry, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, e)
		if r.entries.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Entries returns a copy of all entries in insertion order.
func (r *Registry) Entries() []Entry {
	cur := *r.entries.Load()
	out := make([]Entry, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

// Render returns the report for all entries, one line per entry.
func (r *Registry) Render() string {
	var b strings.Builder
	for _, e := range *r.entries.Load() {
		b.WriteString(e.line)
	}
	return b.String()
}

// WriteTo writes the report to w using only the pre-rendered lines.
// It is the variant used from the fault handler.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range *r.entries.Load() {
		n, err := io.WriteString(w, e.line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Clear discards every entry. Later appends behave as on a fresh registry.
func (r *Registry) Clear() {
	r.entries.Store(&[]Entry{})
}

func renderLine(label, value string) string {
	var b strings.Builder
	b.Grow(labelWidth + len(value) + 4)
	b.WriteString(label)
	for i := len(label); i < labelWidth; i++ {
		b.WriteByte('.')
	}
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
	return b.String()
}
