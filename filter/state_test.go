package filter

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// constFilter answers every cell with the same code.
type constFilter struct {
	code     ReturnCode
	err      error
	nextRows int
}

func (f *constFilter) FilterCell(context.Context, *Cell) (ReturnCode, error) {
	return f.code, f.err
}

func (f *constFilter) NextRow() {
	f.nextRows++
}

// recordingAccumulator accepts every cell except the rejected timestamps.
type recordingAccumulator struct {
	seen   []uint64
	reject map[uint64]bool
}

func (a *recordingAccumulator) IsOfInterest(*Cell) bool { return true }

func (a *recordingAccumulator) Accumulate(c *Cell) (bool, error) {
	a.seen = append(a.seen, c.Timestamp)
	return !a.reject[c.Timestamp], nil
}

func (a *recordingAccumulator) IsFinished() bool { return false }

func (a *recordingAccumulator) Result() []byte {
	if len(a.seen) == 0 {
		return nil
	}
	return []byte(fmt.Sprint(a.seen))
}

func (a *recordingAccumulator) IsCountStar() bool { return false }

func (a *recordingAccumulator) Reset() { a.seen = nil }

func userData(ts uint64) *Cell {
	return &Cell{Row: []byte("r"), Qualifier: []byte("q"), Timestamp: ts, Value: []byte(fmt.Sprint(ts)), Kind: KindUserData}
}

func TestFirstCellWins(t *testing.T) {
	ctx := context.Background()
	acc := &recordingAccumulator{}
	state := NewState(&constFilter{code: Include}, acc)

	var codes []ReturnCode
	for _, ts := range []uint64{50, 40, 30} {
		code, err := state.FilterCell(ctx, userData(ts))
		require.NoError(t, err)
		codes = append(codes, code)
	}
	require.Equal(t, []ReturnCode{Include, Skip, Skip}, codes)
	require.Equal(t, []uint64{50, 40, 30}, acc.seen)
	require.False(t, state.ExcludeRow())

	result := state.ProduceAccumulatedResult()
	require.NotNil(t, result)
	require.Equal(t, uint64(50), result.Timestamp)
	require.Equal(t, []byte("r"), result.Row)
	require.Equal(t, []byte("q"), result.Qualifier)
	require.Equal(t, []byte("[50 40 30]"), result.Value)
}

func TestExcludePersistsWithinRow(t *testing.T) {
	ctx := context.Background()
	acc := &recordingAccumulator{reject: map[uint64]bool{40: true}}
	lower := &constFilter{code: IncludeAndNextColumn}
	state := NewState(lower, acc)

	code, err := state.FilterCell(ctx, userData(50))
	require.NoError(t, err)
	require.Equal(t, Include, code)
	for _, ts := range []uint64{40, 30, 20} {
		code, err = state.FilterCell(ctx, userData(ts))
		require.NoError(t, err)
		require.Equal(t, Skip, code)
	}
	require.Equal(t, []uint64{50, 40}, acc.seen)
	require.True(t, state.ExcludeRow())

	state.NextRow()
	require.Equal(t, 1, lower.nextRows)
	// no valid cell yet in the new row
	require.True(t, state.ExcludeRow())
	// the accumulator is not reset by NextRow
	require.Equal(t, []uint64{50, 40}, acc.seen)

	code, err = state.FilterCell(ctx, userData(10))
	require.NoError(t, err)
	require.Equal(t, Include, code)
	require.False(t, state.ExcludeRow())
	require.Equal(t, uint64(10), state.ProduceAccumulatedResult().Timestamp)
}

func TestUserDataCodesAreNarrowed(t *testing.T) {
	ctx := context.Background()
	for _, lowerCode := range []ReturnCode{Skip, NextColumn, NextRow} {
		acc := &recordingAccumulator{}
		state := NewState(&constFilter{code: lowerCode}, acc)
		code, err := state.FilterCell(ctx, userData(1))
		require.NoError(t, err)
		require.Equal(t, Skip, code, lowerCode.String())
		require.Empty(t, acc.seen)
		require.True(t, state.ExcludeRow())
		require.Nil(t, state.ProduceAccumulatedResult())
	}
}

func TestMarkerCellsPassThrough(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []CellKind{KindCommitTimestamp, KindTombstone, KindAntiTombstone, KindOther} {
		for _, lowerCode := range []ReturnCode{Include, NextColumn, NextRow} {
			acc := &recordingAccumulator{}
			state := NewState(&constFilter{code: lowerCode}, acc)
			code, err := state.FilterCell(ctx, &Cell{Row: []byte("r"), Timestamp: 1, Kind: kind})
			require.NoError(t, err)
			require.Equal(t, lowerCode, code)
			require.Empty(t, acc.seen)
			require.True(t, state.ExcludeRow())
		}
	}
}

func TestLowerFilterErrorAbortsScan(t *testing.T) {
	injected := errors.New("lookup failed")
	state := NewState(&constFilter{err: injected}, &recordingAccumulator{})
	_, err := state.FilterCell(context.Background(), userData(1))
	require.Error(t, err)
	require.Equal(t, injected, errors.Cause(err))
}

func TestCountStarProducesIdentityCell(t *testing.T) {
	ctx := context.Background()
	acc := NewCountAccumulator()
	state := NewState(&constFilter{code: Include}, acc)

	first := userData(9)
	_, err := state.FilterCell(ctx, first)
	require.NoError(t, err)
	_, err = state.FilterCell(ctx, userData(8))
	require.NoError(t, err)
	require.Same(t, first, state.ProduceAccumulatedResult())

	acc.Reset()
	state.NextRow()
	require.Nil(t, state.ProduceAccumulatedResult())
	_, err = state.FilterCell(ctx, userData(7))
	require.NoError(t, err)
	require.Equal(t, int64(2), acc.Count())
}

func TestColumnAccumulator(t *testing.T) {
	ctx := context.Background()
	acc := NewColumnAccumulator([]byte("a"), []byte("b"))
	state := NewState(&constFilter{code: IncludeAndNextColumn}, acc)

	for _, c := range []*Cell{
		{Row: []byte("r"), Qualifier: []byte("b"), Timestamp: 5, Value: []byte("b5"), Kind: KindUserData},
		{Row: []byte("r"), Qualifier: []byte("b"), Timestamp: 3, Value: []byte("b3"), Kind: KindUserData},
		{Row: []byte("r"), Qualifier: []byte("c"), Timestamp: 4, Value: []byte("c4"), Kind: KindUserData},
	} {
		_, err := state.FilterCell(ctx, c)
		require.NoError(t, err)
	}
	require.False(t, acc.IsFinished())
	_, err := state.FilterCell(ctx, &Cell{Row: []byte("r"), Qualifier: []byte("a"), Timestamp: 2, Value: []byte("a2"), Kind: KindUserData})
	require.NoError(t, err)
	require.True(t, acc.IsFinished())

	result := state.ProduceAccumulatedResult()
	require.Equal(t, uint64(5), result.Timestamp)
	columns, err := DecodeColumns(result.Value)
	require.NoError(t, err)
	require.Equal(t, []Column{
		{Qualifier: []byte("a"), Value: []byte("a2")},
		{Qualifier: []byte("b"), Value: []byte("b5")},
	}, columns)

	_, err = DecodeColumns(append(result.Value, 0x01))
	require.Error(t, err)
	_, err = DecodeColumns(result.Value[:len(result.Value)-1])
	require.Error(t, err)
}

func TestColumnPredicateExcludesRow(t *testing.T) {
	ctx := context.Background()
	acc := NewColumnAccumulator().Where([]byte("a"), func(v []byte) bool { return string(v) == "yes" })
	state := NewState(&constFilter{code: IncludeAndNextColumn}, acc)

	_, err := state.FilterCell(ctx, &Cell{Row: []byte("r1"), Qualifier: []byte("a"), Timestamp: 1, Value: []byte("no"), Kind: KindUserData})
	require.NoError(t, err)
	require.True(t, state.ExcludeRow())

	acc.Reset()
	state.NextRow()
	_, err = state.FilterCell(ctx, &Cell{Row: []byte("r2"), Qualifier: []byte("a"), Timestamp: 1, Value: []byte("yes"), Kind: KindUserData})
	require.NoError(t, err)
	require.False(t, state.ExcludeRow())
	require.NotNil(t, state.ProduceAccumulatedResult())
}
