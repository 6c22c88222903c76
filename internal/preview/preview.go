// Package preview turns query results of any size into a short text preview
// that is safe to send back to a client.
package preview

import (
	"strconv"
	"strings"
)

// SampleSize is the maximum number of rows rendered in a preview.
const SampleSize = 10

type Field struct {
	Column string
	Value  Value
}

// Row is an ordered set of fields. Rows of one result may carry different
// columns.
type Row []Field

func (r Row) Get(column string) (Value, bool) {
	for _, f := range r {
		if f.Column == column {
			return f.Value, true
		}
	}
	return NullValue(), false
}

type Result struct {
	Columns []string
	Rows    []Row
}

// NewResult builds a Result whose columns are inferred from every row.
func NewResult(rows []Row) *Result {
	return &Result{
		Columns: InferColumns(rows),
		Rows:    rows,
	}
}

func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// InferColumns returns the union of the column names of all rows, in order
// of first appearance.
func InferColumns(rows []Row) []string {
	columns := []string{}
	seen := make(map[string]struct{})
	for _, row := range rows {
		for _, f := range row {
			if _, ok := seen[f.Column]; ok {
				continue
			}
			seen[f.Column] = struct{}{}
			columns = append(columns, f.Column)
		}
	}
	return columns
}

type Preview struct {
	Columns []string
	Sample  []Row
}

// NewPreview keeps the first SampleSize rows of r in their original order.
// The column list still covers all rows of r.
func NewPreview(r *Result) Preview {
	if r == nil || len(r.Rows) == 0 {
		return Preview{Columns: []string{}}
	}
	n := min(len(r.Rows), SampleSize)
	columns := r.Columns
	if columns == nil {
		columns = InferColumns(r.Rows)
	}
	return Preview{
		Columns: columns,
		Sample:  r.Rows[:n],
	}
}

// String renders the preview as two lines: the column list and the sampled
// rows separated by a single space.
func (p Preview) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, c := range p.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Quote(c))
	}
	sb.WriteString("]\n")
	for i, row := range p.Sample {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('[')
		for j, c := range p.Columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			v, _ := row.Get(c)
			sb.WriteString(v.String())
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

func Summarize(r *Result) string {
	return NewPreview(r).String()
}
