// Package filter decides, cell by cell, which stored versions a reading
// transaction sees and folds the visible versions of a row into one result.
package filter

import (
	"context"
	"fmt"
)

// CellKind tags a stored version. The values follow the order in which a row
// stores its cells: commit timestamps first, then delete markers, then data.
type CellKind byte

const (
	KindCommitTimestamp CellKind = iota + 1
	KindTombstone
	KindAntiTombstone
	KindUserData
	KindOther
)

func (k CellKind) String() string {
	switch k {
	case KindCommitTimestamp:
		return "COMMIT_TIMESTAMP"
	case KindTombstone:
		return "TOMBSTONE"
	case KindAntiTombstone:
		return "ANTI_TOMBSTONE"
	case KindUserData:
		return "USER_DATA"
	case KindOther:
		return "OTHER"
	default:
		return fmt.Sprintf("CellKind(%d)", byte(k))
	}
}

// ReinsertMarker is the value of the anti-tombstone a transaction writes
// when it inserts into a row it deleted itself. It uncovers only versions
// written at or after its own timestamp; an anti-tombstone with any other
// value retracts the delete entirely.
var ReinsertMarker = []byte{'r'}

// Valid reports whether k is one of the known kinds.
func (k CellKind) Valid() bool {
	return k >= KindCommitTimestamp && k <= KindOther
}

// Cell is one stored version. Timestamp is the id of the writing transaction.
type Cell struct {
	Row       []byte
	Qualifier []byte
	Timestamp uint64
	Value     []byte
	Kind      CellKind
}

func (c *Cell) String() string {
	return fmt.Sprintf("%s %q/%q@%d", c.Kind, c.Row, c.Qualifier, c.Timestamp)
}

type ReturnCode uint8

const (
	Include ReturnCode = iota + 1
	IncludeAndNextColumn
	Skip
	NextColumn
	NextRow
)

func (r ReturnCode) String() string {
	switch r {
	case Include:
		return "INCLUDE"
	case IncludeAndNextColumn:
		return "INCLUDE_AND_NEXT_COLUMN"
	case Skip:
		return "SKIP"
	case NextColumn:
		return "NEXT_COLUMN"
	case NextRow:
		return "NEXT_ROW"
	default:
		return fmt.Sprintf("ReturnCode(%d)", uint8(r))
	}
}

// CellFilter is the per-kind visibility filter a State delegates to.
type CellFilter interface {
	FilterCell(ctx context.Context, c *Cell) (ReturnCode, error)
	// NextRow drops per-row state.
	NextRow()
}

// RowAccumulator builds a row's result from the visible versions of its
// cells.
type RowAccumulator interface {
	IsOfInterest(c *Cell) bool
	// Accumulate returns false when the cell rejects the row.
	Accumulate(c *Cell) (bool, error)
	IsFinished() bool
	Result() []byte
	// IsCountStar reports a pure existence check; such rows are produced as
	// their identity cell.
	IsCountStar() bool
	Reset()
}
