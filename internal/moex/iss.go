package moex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	issDateLayout     = "2006-01-02"
	issDateTimeLayout = "2006-01-02 15:04:05"
)

// table is one ISS columnar block: {"columns": [...], "data": [[...], ...]}.
type table struct {
	Columns []string        `json:"columns"`
	Data    [][]interface{} `json:"data"`

	index map[string]int
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeTable extracts the named block from an ISS response body.
func decodeTable(body []byte, block string) (*table, error) {
	t, ok, err := lookupTable(body, block)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("response has no %q block", block)
	}
	return t, nil
}

// lookupTable is decodeTable for optional blocks; ok is false when the block is absent.
func lookupTable(body []byte, block string) (*table, bool, error) {
	var payload map[string]json.RawMessage
	if err := decodeJSON(body, &payload); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}

	raw, ok := payload[block]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}

	var t table
	if err := decodeJSON(raw, &t); err != nil {
		return nil, true, fmt.Errorf("decode %q block: %w", block, err)
	}
	if len(t.Columns) == 0 {
		return nil, true, fmt.Errorf("%q block has no columns", block)
	}

	t.index = make(map[string]int, len(t.Columns))
	for i, col := range t.Columns {
		t.index[strings.ToLower(col)] = i
	}
	for i, r := range t.Data {
		if len(r) != len(t.Columns) {
			return nil, true, fmt.Errorf("%q row %d has %d values, want %d", block, i, len(r), len(t.Columns))
		}
	}
	return &t, true, nil
}

// cursor is the ISS paging descriptor sent alongside some tables.
type cursor struct {
	Index    int64
	Total    int64
	PageSize int64
}

// Done reports whether the page starting at Index was the last one.
func (c cursor) Done() bool {
	return c.PageSize <= 0 || c.Index+c.PageSize >= c.Total
}

// decodeCursor reads the optional "<block>.cursor" table.
func decodeCursor(body []byte, block string) (cursor, bool, error) {
	t, ok, err := lookupTable(body, block+".cursor")
	if err != nil || !ok {
		return cursor{}, false, err
	}
	if len(t.Data) == 0 {
		return cursor{}, false, nil
	}
	r := t.rows()[0]
	var c cursor
	for col, dst := range map[string]*int64{"INDEX": &c.Index, "TOTAL": &c.Total, "PAGESIZE": &c.PageSize} {
		v, ok, err := r.Int(col)
		if err != nil {
			return cursor{}, true, fmt.Errorf("cursor column %s: %w", col, err)
		}
		if !ok {
			return cursor{}, true, fmt.Errorf("cursor column %s is missing", col)
		}
		*dst = v
	}
	return c, true, nil
}

func (t *table) hasColumn(col string) bool {
	_, ok := t.index[strings.ToLower(col)]
	return ok
}

func (t *table) rows() []row {
	out := make([]row, len(t.Data))
	for i, values := range t.Data {
		out[i] = row{t: t, values: values}
	}
	return out
}

type row struct {
	t      *table
	values []interface{}
}

// value returns the raw cell; ok is false when the column is absent or null.
func (r row) value(col string) (interface{}, bool) {
	i, ok := r.t.index[strings.ToLower(col)]
	if !ok || r.values[i] == nil {
		return nil, false
	}
	return r.values[i], true
}

func (r row) Str(col string) (string, bool) {
	v, ok := r.value(col)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	default:
		return fmt.Sprint(v), true
	}
}

func (r row) Decimal(col string) (decimal.Decimal, bool, error) {
	s, ok := r.Str(col)
	if !ok || strings.TrimSpace(s) == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, true, err
	}
	return d, true, nil
}

func (r row) Int(col string) (int64, bool, error) {
	d, ok, err := r.Decimal(col)
	if err != nil || !ok {
		return 0, ok, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, true, fmt.Errorf("%s is not an integer", d)
	}
	return d.IntPart(), true, nil
}

func (r row) Date(col string) (time.Time, bool, error) {
	s, ok := r.Str(col)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.ParseInLocation(issDateLayout, s, time.UTC)
	return t, true, err
}

func (r row) Time(col string) (time.Time, bool, error) {
	s, ok := r.Str(col)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.ParseInLocation(issDateTimeLayout, s, moscow)
	return t, true, err
}

func requiredDecimal(r row, col string) (decimal.Decimal, error) {
	d, ok, err := r.Decimal(col)
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %s: %w", col, err)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("column %s is missing", col)
	}
	return d, nil
}

func requiredTime(r row, col string) (time.Time, error) {
	t, ok, err := r.Time(col)
	if err != nil {
		return time.Time{}, fmt.Errorf("column %s: %w", col, err)
	}
	if !ok {
		return time.Time{}, fmt.Errorf("column %s is missing", col)
	}
	return t, nil
}
