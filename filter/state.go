package filter

import (
	"context"

	"github.com/pkg/errors"
)

// State is the per-scan visibility state machine. It is used by a single
// goroutine and holds no external resources, so an abandoned scan needs no
// cleanup.
type State struct {
	filter      CellFilter
	accumulator RowAccumulator

	lastValid  *Cell
	excludeRow bool
}

func NewState(filter CellFilter, accumulator RowAccumulator) *State {
	return &State{filter: filter, accumulator: accumulator}
}

func (s *State) Accumulator() RowAccumulator {
	return s.accumulator
}

// FilterCell returns the scan instruction for c. An error from the lower
// filter or the accumulator ends the scan.
func (s *State) FilterCell(ctx context.Context, c *Cell) (ReturnCode, error) {
	code, err := s.filter.FilterCell(ctx, c)
	if err != nil {
		return Skip, errors.Wrapf(err, "filter %s", c)
	}
	switch c.Kind {
	case KindUserData:
		return s.filterUserData(c, code)
	default:
		return code, nil
	}
}

// filterUserData never hands NEXT_COLUMN or NEXT_ROW back to the scanner: the
// accumulator may still need older cells of the row.
func (s *State) filterUserData(c *Cell, code ReturnCode) (ReturnCode, error) {
	if code != Include && code != IncludeAndNextColumn {
		return Skip, nil
	}
	if !s.excludeRow && !s.accumulator.IsFinished() && s.accumulator.IsOfInterest(c) {
		ok, err := s.accumulator.Accumulate(c)
		if err != nil {
			return Skip, errors.Wrapf(err, "accumulate %s", c)
		}
		if !ok {
			s.excludeRow = true
		}
	}
	first := s.lastValid == nil
	if first {
		s.lastValid = c
	}
	if !first || s.excludeRow {
		return Skip, nil
	}
	return Include, nil
}

// ProduceAccumulatedResult returns the row's result cell. It carries the
// identity of the first visible cell of the row.
func (s *State) ProduceAccumulatedResult() *Cell {
	if s.accumulator.IsCountStar() {
		return s.lastValid
	}
	if s.lastValid == nil {
		return nil
	}
	result := s.accumulator.Result()
	if result == nil {
		return nil
	}
	return &Cell{
		Row:       s.lastValid.Row,
		Qualifier: s.lastValid.Qualifier,
		Timestamp: s.lastValid.Timestamp,
		Value:     result,
		Kind:      KindUserData,
	}
}

// ExcludeRow is true when the row was rejected or had no visible cell.
func (s *State) ExcludeRow() bool {
	return s.excludeRow || s.lastValid == nil
}

// NextRow prepares for the next row. The accumulator keeps its state; the
// caller resets it.
func (s *State) NextRow() {
	s.lastValid = nil
	s.excludeRow = false
	s.filter.NextRow()
}
