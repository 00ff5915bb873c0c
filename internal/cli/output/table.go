// Package output formats meshtopo-cli results.
package output

import (
	"cmp"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// maxInlineItems is the longest slice shown inline in a table cell.
const maxInlineItems = 4

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// TableFormatter renders data as aligned columns.
//
// Slices of structs become one row per element with a column per field.
// A field tagged `table:"wide"` only shows with Wide, `table:"-"` never.
// A single struct or map becomes a FIELD/VALUE listing.
type TableFormatter struct {
	Wide      bool
	NoHeaders bool
}

// Format renders data. Values that have no tabular shape fall back to JSON.
func (f *TableFormatter) Format(w io.Writer, data any) error {
	var table *Table
	switch d := data.(type) {
	case nil:
		return nil
	case *Table:
		table = d
	case Table:
		table = &d
	default:
		var err error
		if table, err = toTable(reflect.ValueOf(data), f.Wide); err != nil {
			return (&JSONFormatter{}).Format(w, data)
		}
	}
	return table.RenderWithOptions(w, f.NoHeaders)
}

// column is a struct field rendered as a table column.
type column struct {
	header string
	index  []int
}

// columns lists the visible fields of struct type t, flattening embedded
// structs.
func columns(t reflect.Type, wide bool) []column {
	var cols []column
	for i := range t.NumField() {
		field := t.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			for _, c := range columns(field.Type, wide) {
				c.index = append([]int{i}, c.index...)
				cols = append(cols, c)
			}
			continue
		}
		if !field.IsExported() || field.Tag.Get("json") == "-" {
			continue
		}
		switch tag := field.Tag.Get("table"); {
		case tag == "-":
			continue
		case strings.Contains(tag, "wide") && !wide:
			continue
		}
		cols = append(cols, column{header: fieldName(field), index: []int{i}})
	}
	return cols
}

// fieldName returns the JSON name of a struct field.
func fieldName(field reflect.StructField) string {
	if name, _, _ := strings.Cut(field.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return field.Name
}

func toTable(v reflect.Value, wide bool) (*Table, error) {
	v = reflect.Indirect(v)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return sliceToTable(v, wide)
	case reflect.Map:
		return mapToTable(v), nil
	case reflect.Struct:
		return structToTable(v, wide), nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", v.Kind())
	}
}

func sliceToTable(v reflect.Value, wide bool) (*Table, error) {
	elemType := v.Type().Elem()
	if elemType.Kind() == reflect.Pointer {
		elemType = elemType.Elem()
	}

	if elemType.Kind() != reflect.Struct {
		if !isScalar(elemType) {
			return nil, fmt.Errorf("unsupported element type: %s", elemType)
		}
		table := &Table{Headers: []string{"VALUE"}}
		for i := range v.Len() {
			table.AddRow(formatValue(v.Index(i)))
		}
		return table, nil
	}

	cols := columns(elemType, wide)
	table := &Table{}
	for _, c := range cols {
		table.Headers = append(table.Headers, strings.ToUpper(c.header))
	}
	for i := range v.Len() {
		elem := reflect.Indirect(v.Index(i))
		row := make([]string, len(cols))
		if elem.IsValid() {
			for j, c := range cols {
				row[j] = formatValue(elem.FieldByIndex(c.index))
			}
		}
		table.AddRow(row...)
	}
	return table, nil
}

// mapToTable lists map entries sorted by key.
func mapToTable(v reflect.Value) *Table {
	table := &Table{Headers: []string{"KEY", "VALUE"}}
	iter := v.MapRange()
	for iter.Next() {
		table.AddRow(formatValue(iter.Key()), formatValue(iter.Value()))
	}
	slices.SortFunc(table.Rows, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })
	return table
}

func structToTable(v reflect.Value, wide bool) *Table {
	table := &Table{Headers: []string{"FIELD", "VALUE"}}
	for _, c := range columns(v.Type(), wide) {
		table.AddRow(c.header, formatValue(v.FieldByIndex(c.index)))
	}
	return table
}

// formatValue renders one cell. Empty values print as "-" so columns stay
// aligned.
func formatValue(v reflect.Value) string {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return ""
	}

	switch v.Type() {
	case durationType:
		if d := time.Duration(v.Int()); d != 0 {
			return d.String()
		}
		return "-"
	case timeType:
		if t := v.Interface().(time.Time); !t.IsZero() {
			return t.Format("2006-01-02 15:04")
		}
		return "-"
	}

	switch v.Kind() {
	case reflect.String:
		if s := v.String(); s != "" {
			return s
		}
		return "-"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', 2, 64)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Slice, reflect.Array:
		switch {
		case v.Len() == 0:
			return "-"
		case v.Len() > maxInlineItems || !isScalar(v.Type().Elem()):
			return fmt.Sprintf("[%d items]", v.Len())
		}
		items := make([]string, v.Len())
		for i := range items {
			items[i] = formatValue(v.Index(i))
		}
		return strings.Join(items, ",")
	case reflect.Map:
		if v.Len() == 0 {
			return "-"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

func isScalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Table is a header row plus data rows.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Render writes the table with headers.
func (t *Table) Render(w io.Writer) error {
	return t.RenderWithOptions(w, false)
}

// RenderWithOptions writes the table, optionally without the header row.
func (t *Table) RenderWithOptions(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	}
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// AddRow appends a row.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// SetHeaders sets the header row.
func (t *Table) SetHeaders(headers ...string) {
	t.Headers = headers
}
