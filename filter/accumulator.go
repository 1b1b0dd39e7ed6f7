package filter

import (
	"sort"

	"cabbageTxn/util"

	"github.com/pkg/errors"
)

// Predicate tests the value of one column. A false result excludes the row.
type Predicate func(value []byte) bool

// Column is one qualifier/value pair of a reconstructed row.
type Column struct {
	Qualifier []byte
	Value     []byte
}

// ColumnAccumulator rebuilds a row from the newest visible version of each
// projected column. Without a projection every column is kept and the
// accumulator never finishes early.
type ColumnAccumulator struct {
	columns    map[string]struct{}
	predicates map[string]Predicate
	values     map[string][]byte
}

var _ RowAccumulator = (*ColumnAccumulator)(nil)

func NewColumnAccumulator(columns ...[]byte) *ColumnAccumulator {
	a := &ColumnAccumulator{
		predicates: make(map[string]Predicate),
		values:     make(map[string][]byte),
	}
	if len(columns) > 0 {
		a.columns = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			a.columns[string(c)] = struct{}{}
		}
	}
	return a
}

// Where adds a predicate on column. A projected accumulator also projects the
// column.
func (a *ColumnAccumulator) Where(column []byte, p Predicate) *ColumnAccumulator {
	a.predicates[string(column)] = p
	if a.columns != nil {
		a.columns[string(column)] = struct{}{}
	}
	return a
}

func (a *ColumnAccumulator) IsOfInterest(c *Cell) bool {
	q := string(c.Qualifier)
	if _, done := a.values[q]; done {
		return false
	}
	if a.columns == nil {
		return true
	}
	_, ok := a.columns[q]
	return ok
}

func (a *ColumnAccumulator) Accumulate(c *Cell) (bool, error) {
	q := string(c.Qualifier)
	if p, ok := a.predicates[q]; ok && !p(c.Value) {
		return false, nil
	}
	a.values[q] = c.Value
	return true, nil
}

func (a *ColumnAccumulator) IsFinished() bool {
	return a.columns != nil && len(a.values) == len(a.columns)
}

// Result encodes the collected columns sorted by qualifier: a uint32 count
// followed by length prefixed qualifier and value pairs.
func (a *ColumnAccumulator) Result() []byte {
	if len(a.values) == 0 {
		return nil
	}
	qualifiers := make([]string, 0, len(a.values))
	for q := range a.values {
		qualifiers = append(qualifiers, q)
	}
	sort.Strings(qualifiers)

	buf := util.BinaryToByte(uint32(len(qualifiers)))
	for _, q := range qualifiers {
		buf = util.AppendBytes(buf, []byte(q))
		buf = util.AppendBytes(buf, a.values[q])
	}
	return buf
}

func (a *ColumnAccumulator) IsCountStar() bool {
	return false
}

func (a *ColumnAccumulator) Reset() {
	if len(a.values) > 0 {
		a.values = make(map[string][]byte)
	}
}

// DecodeColumns reverses ColumnAccumulator.Result.
func DecodeColumns(b []byte) ([]Column, error) {
	r := util.NewReader(b)
	n := r.Uint32()
	if r.Err() != nil {
		return nil, errors.Wrap(r.Err(), "decode column count")
	}
	columns := make([]Column, 0, n)
	for i := uint32(0); i < n; i++ {
		q := r.Bytes()
		v := r.Bytes()
		if r.Err() != nil {
			return nil, errors.Wrapf(r.Err(), "decode column %d", i)
		}
		columns = append(columns, Column{Qualifier: q, Value: v})
	}
	if r.Remaining() != 0 {
		return nil, errors.Errorf("%d trailing bytes after %d columns", r.Remaining(), n)
	}
	return columns, nil
}

// CountAccumulator is an existence check: a row counts once it has any
// visible cell. Reset starts a new row and keeps the running count.
type CountAccumulator struct {
	seen bool
	rows int64
}

var _ RowAccumulator = (*CountAccumulator)(nil)

func NewCountAccumulator() *CountAccumulator {
	return &CountAccumulator{}
}

func (a *CountAccumulator) IsOfInterest(*Cell) bool {
	return true
}

func (a *CountAccumulator) Accumulate(*Cell) (bool, error) {
	if !a.seen {
		a.seen = true
		a.rows++
	}
	return true, nil
}

func (a *CountAccumulator) IsFinished() bool {
	return a.seen
}

func (a *CountAccumulator) Result() []byte {
	return util.BinaryToByte(a.rows)
}

func (a *CountAccumulator) IsCountStar() bool {
	return true
}

func (a *CountAccumulator) Reset() {
	a.seen = false
}

func (a *CountAccumulator) Count() int64 {
	return a.rows
}
