package txn

import (
	"context"
)

// ConflictType classifies how a concurrent writer relates to the writer that
// is about to overwrite its row.
type ConflictType uint8

const (
	ConflictNone ConflictType = iota
	// ConflictChild means the two transactions are in the same ancestry line.
	ConflictChild
	// ConflictAdditive means both are additive and concurrent, so both writes
	// may stand.
	ConflictAdditive
	// ConflictSibling is a write-write conflict.
	ConflictSibling
)

func (c ConflictType) String() string {
	switch c {
	case ConflictNone:
		return "none"
	case ConflictChild:
		return "child"
	case ConflictAdditive:
		return "additive"
	case ConflictSibling:
		return "sibling"
	default:
		return "unknown"
	}
}

// chain summarizes a transaction together with its ancestors up to either the
// root or the first ancestor contained in a family set.
type chain struct {
	rolledBack   bool
	allCommitted bool
	// commitTS is the commit timestamp of the highest chain member, valid
	// when allCommitted is set.
	commitTS uint64
	// joinID is the first ancestor found in the family set, 0 at the root.
	joinID uint64
}

func walkChain(ctx context.Context, s Supplier, v *TxnView, family map[uint64]struct{}) (chain, error) {
	c := chain{allCommitted: true}
	cur := v
	for {
		switch cur.State {
		case StateRolledBack:
			c.rolledBack = true
			c.allCommitted = false
			return c, nil
		case StateActive:
			c.allCommitted = false
		case StateCommitted:
			c.commitTS = cur.CommitTimestamp
		}
		if cur.ParentID == 0 {
			return c, nil
		}
		if _, ok := family[cur.ParentID]; ok {
			c.joinID = cur.ParentID
			return c, nil
		}
		parent, err := s.GetTransaction(ctx, cur.ParentID)
		if err != nil {
			return c, err
		}
		cur = parent
	}
}

// EffectiveState resolves the state a transaction has for outsiders. A
// committed child is only as final as its ancestors: a rolled back ancestor
// rolls it back, an active ancestor keeps it active, and once every ancestor
// has committed the root's commit timestamp is the effective one.
func EffectiveState(ctx context.Context, s Supplier, v *TxnView) (State, uint64, error) {
	if v.IsRoot() {
		return v.State, v.CommitTimestamp, nil
	}
	c, err := walkChain(ctx, s, v, nil)
	if err != nil {
		return 0, 0, err
	}
	switch {
	case c.rolledBack:
		return StateRolledBack, 0, nil
	case !c.allCommitted:
		return StateActive, 0, nil
	default:
		return StateCommitted, c.commitTS, nil
	}
}

// Family returns the ids of v and all of its ancestors.
func Family(ctx context.Context, s Supplier, v *TxnView) (map[uint64]struct{}, error) {
	family := map[uint64]struct{}{v.ID: {}}
	parentID := v.ParentID
	for parentID != 0 {
		family[parentID] = struct{}{}
		parent, err := s.GetTransaction(ctx, parentID)
		if err != nil {
			return nil, err
		}
		parentID = parent.ParentID
	}
	return family, nil
}

// Snapshot answers "is this write visible to the reader" for one reading
// transaction. It is meant to be built once per scan.
type Snapshot struct {
	supplier Supplier
	reader   *TxnView
	family   map[uint64]struct{}
}

func NewSnapshot(ctx context.Context, s Supplier, reader *TxnView) (*Snapshot, error) {
	family, err := Family(ctx, s, reader)
	if err != nil {
		return nil, err
	}
	return &Snapshot{supplier: s, reader: reader, family: family}, nil
}

func (s *Snapshot) Reader() *TxnView {
	return s.reader
}

// IsVisibleID looks the writer up before deciding. Own writes and writes of
// ancestors are visible without a lookup.
func (s *Snapshot) IsVisibleID(ctx context.Context, writerID uint64) (bool, error) {
	if _, ok := s.family[writerID]; ok {
		return true, nil
	}
	writer, err := s.supplier.GetTransaction(ctx, writerID)
	if err != nil {
		return false, err
	}
	return s.IsVisible(ctx, writer)
}

// VisibleCommitted decides for a root writer already known to have committed
// at commitTS, without a lookup.
func (s *Snapshot) VisibleCommitted(writerID, commitTS uint64) bool {
	if _, ok := s.family[writerID]; ok {
		return true
	}
	switch s.reader.Isolation {
	case ReadUncommitted, ReadCommitted:
		return true
	default:
		return commitTS < s.reader.BeginTimestamp
	}
}

// IsVisible applies the reader's isolation level to the writer's chain:
//   - READ_UNCOMMITTED sees everything that is not rolled back,
//   - READ_COMMITTED sees committed chains,
//   - SNAPSHOT_ISOLATION sees committed chains whose commit timestamp is below
//     the reader's begin timestamp; committed children of the reader itself
//     are always visible.
func (s *Snapshot) IsVisible(ctx context.Context, writer *TxnView) (bool, error) {
	if _, ok := s.family[writer.ID]; ok {
		return true, nil
	}
	c, err := walkChain(ctx, s.supplier, writer, s.family)
	if err != nil {
		return false, err
	}
	if c.rolledBack {
		return false, nil
	}
	switch s.reader.Isolation {
	case ReadUncommitted:
		return true, nil
	case ReadCommitted:
		return c.allCommitted, nil
	default:
		if !c.allCommitted {
			return false, nil
		}
		if c.joinID == s.reader.ID {
			return true, nil
		}
		return c.commitTS < s.reader.BeginTimestamp, nil
	}
}

// CanSee is the one-shot form of Snapshot.IsVisibleID.
func CanSee(ctx context.Context, s Supplier, reader *TxnView, writerID uint64) (bool, error) {
	snapshot, err := NewSnapshot(ctx, s, reader)
	if err != nil {
		return false, err
	}
	return snapshot.IsVisibleID(ctx, writerID)
}

// ConflictsWith classifies other against writer, the active transaction
// that wants to write a row other has already written.
func ConflictsWith(ctx context.Context, s Supplier, writer, other *TxnView) (ConflictType, error) {
	if other.ID == writer.ID {
		return ConflictNone, nil
	}
	family, err := Family(ctx, s, writer)
	if err != nil {
		return ConflictNone, err
	}
	if _, ok := family[other.ID]; ok {
		return ConflictChild, nil
	}
	c, err := walkChain(ctx, s, other, family)
	if err != nil {
		return ConflictNone, err
	}
	if c.joinID == writer.ID {
		return ConflictChild, nil
	}
	switch {
	case c.rolledBack:
		return ConflictNone, nil
	case c.allCommitted:
		if c.commitTS > writer.BeginTimestamp {
			return ConflictSibling, nil
		}
		return ConflictNone, nil
	case writer.Additive && other.Additive:
		return ConflictAdditive, nil
	default:
		return ConflictSibling, nil
	}
}
