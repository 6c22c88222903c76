package preview_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/litesql/databricks-mcp/internal/preview"
)

func row(kv ...any) preview.Row {
	r := make(preview.Row, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r = append(r, preview.Field{Column: kv[i].(string), Value: preview.ValueOf(kv[i+1])})
	}
	return r
}

func numbered(n int) []preview.Row {
	rows := make([]preview.Row, n)
	for i := range rows {
		rows[i] = row("id", i, "name", fmt.Sprintf("user-%d", i))
	}
	return rows
}

func TestSummarize_SampleSize(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 9, 10, 11, 250} {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			t.Parallel()

			p := preview.NewPreview(preview.NewResult(numbered(n)))
			require.Len(t, p.Sample, min(n, preview.SampleSize))
			for i, r := range p.Sample {
				v, ok := r.Get("id")
				require.True(t, ok)
				id, _ := v.Int()
				require.Equal(t, int64(i), id, "sample must keep the original order")
			}
		})
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	require.Equal(t, "[]\n", preview.Summarize(preview.NewResult(nil)))
	require.Equal(t, "[]\n", preview.Summarize(nil))

	p := preview.NewPreview(preview.NewResult([]preview.Row{}))
	require.Empty(t, p.Columns)
	require.Empty(t, p.Sample)
}

func TestSummarize_ColumnsCoverAllRows(t *testing.T) {
	t.Parallel()

	rows := numbered(500)
	rows[499] = append(rows[499], preview.Field{Column: "late", Value: preview.TextValue("x")})
	rows[42] = row("name", "first-seen-late", "extra", 1.5)

	res := preview.NewResult(rows)
	require.Equal(t, []string{"id", "name", "extra", "late"}, res.Columns)

	p := preview.NewPreview(res)
	require.Equal(t, res.Columns, p.Columns)
	require.Len(t, p.Sample, 10)
}

func TestSummarize_Render(t *testing.T) {
	t.Parallel()

	res := preview.NewResult([]preview.Row{
		row("id", int64(1), "name", "alice", "total", 10.5),
		row("id", int32(2), "name", nil, "total", float32(0.25)),
		row("id", uint64(3), "name", []byte("carol")),
	})

	require.Equal(t,
		`["id", "name", "total"]`+"\n"+
			`[1, "alice", 10.5] [2, null, 0.25] [3, "carol", null]`,
		preview.Summarize(res))
}

func TestSummarize_Deterministic(t *testing.T) {
	t.Parallel()

	res := preview.NewResult([]preview.Row{
		row("tags", map[string]any{"b": 2, "a": 1}, "list", []int{1, 2}),
	})
	first := preview.Summarize(res)
	for range 20 {
		require.Equal(t, first, preview.Summarize(res))
	}
	require.Equal(t, `["tags", "list"]`+"\n"+`[{"a":1,"b":2}, [1,2]]`, first)
}

func TestValueOf(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		kind preview.Kind
		want string
	}{
		{"nil", nil, preview.Null, "null"},
		{"bool", true, preview.Boolean, "true"},
		{"int", 42, preview.Integer, "42"},
		{"negative", int64(-7), preview.Integer, "-7"},
		{"uint overflow", uint64(math.MaxUint64), preview.Nested, "18446744073709551615"},
		{"float", 3.25, preview.Float, "3.25"},
		{"float32", float32(0.1), preview.Float, "0.1"},
		{"nan", math.NaN(), preview.Float, "NaN"},
		{"string", `say "hi"`, preview.Text, `"say \"hi\""`},
		{"bytes", []byte("raw"), preview.Text, `"raw"`},
		{"time", ts, preview.Text, `"2024-05-01T12:30:00Z"`},
		{"nested", []any{1, "a", nil}, preview.Nested, `[1,"a",null]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := preview.ValueOf(tt.in)
			require.Equal(t, tt.kind, v.Kind())
			require.Equal(t, tt.want, v.String())
		})
	}
}
