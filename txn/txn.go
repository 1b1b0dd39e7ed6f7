// Package txn holds the transaction data model shared by the store, the
// completed-transaction cache, the keep-alive scheduler and the visibility
// filters: states, isolation levels, the mutable Transaction handle and the
// immutable TxnView handed out by lookups.
package txn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type State uint8

const (
	StateActive State = iota + 1
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsFinal reports whether no further transition is possible.
func (s State) IsFinal() bool {
	return s == StateCommitted || s == StateRolledBack
}

type IsolationLevel uint8

const (
	SnapshotIsolation IsolationLevel = iota + 1
	ReadCommitted
	ReadUncommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case SnapshotIsolation:
		return "SNAPSHOT_ISOLATION"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", uint8(l))
	}
}

// ParseIsolationLevel accepts the long names and the shell shorthands si, rc
// and ru.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "", "si", "snapshot", "snapshot_isolation":
		return SnapshotIsolation, nil
	case "rc", "read_committed":
		return ReadCommitted, nil
	case "ru", "read_uncommitted":
		return ReadUncommitted, nil
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

type RollbackReason uint8

const (
	RollbackNone RollbackReason = iota
	RollbackExplicit
	RollbackTimeout
)

func (r RollbackReason) String() string {
	switch r {
	case RollbackNone:
		return "none"
	case RollbackExplicit:
		return "explicit"
	case RollbackTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("RollbackReason(%d)", uint8(r))
	}
}

// Outcome tells a caller of Commit or Rollback whether its call changed the
// record, found the record already in the requested state, or found it in the
// opposite terminal state.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeAlreadyApplied
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already-applied"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// BeginOptions configures a new transaction. A zero Parent starts a root
// transaction; an empty Tables set places no restriction on writes.
type BeginOptions struct {
	Parent    uint64
	Isolation IsolationLevel
	Additive  bool
	Tables    []string
}

// Transaction is the handle returned by Begin. Its identity fields never
// change; the record it names is only changed through the store.
type Transaction struct {
	ID                uint64
	BeginTimestamp    uint64
	ParentID          uint64
	Isolation         IsolationLevel
	Additive          bool
	DestinationTables []string
}

// TxnView is an immutable snapshot of a transaction record. Nothing mutates a
// view after construction, which is what makes terminal views safe to cache.
type TxnView struct {
	ID                uint64
	BeginTimestamp    uint64
	CommitTimestamp   uint64
	ParentID          uint64
	Isolation         IsolationLevel
	State             State
	Additive          bool
	DestinationTables []string
	RollbackReason    RollbackReason
	LastKeepAlive     time.Time
}

// NewTransaction builds the handle for a freshly begun record.
func NewTransaction(id uint64, opts BeginOptions) *Transaction {
	isolation := opts.Isolation
	if isolation == 0 {
		isolation = SnapshotIsolation
	}
	return &Transaction{
		ID:                id,
		BeginTimestamp:    id,
		ParentID:          opts.Parent,
		Isolation:         isolation,
		Additive:          opts.Additive,
		DestinationTables: normalizeTables(opts.Tables),
	}
}

// View returns the ACTIVE view of a freshly begun transaction.
func (t *Transaction) View(lastKeepAlive time.Time) *TxnView {
	return &TxnView{
		ID:                t.ID,
		BeginTimestamp:    t.BeginTimestamp,
		ParentID:          t.ParentID,
		Isolation:         t.Isolation,
		State:             StateActive,
		Additive:          t.Additive,
		DestinationTables: append([]string(nil), t.DestinationTables...),
		LastKeepAlive:     lastKeepAlive,
	}
}

func (v *TxnView) IsRoot() bool {
	return v.ParentID == 0
}

// WritesTo reports whether the transaction declared table as a destination.
// A transaction without declared destinations may write anywhere.
func (v *TxnView) WritesTo(table string) bool {
	if len(v.DestinationTables) == 0 {
		return true
	}
	i := sort.SearchStrings(v.DestinationTables, table)
	return i < len(v.DestinationTables) && v.DestinationTables[i] == table
}

func (v *TxnView) String() string {
	if v.State == StateCommitted {
		return fmt.Sprintf("txn %d %s begin=%d commit=%d parent=%d %s",
			v.ID, v.State, v.BeginTimestamp, v.CommitTimestamp, v.ParentID, v.Isolation)
	}
	if v.State == StateRolledBack {
		return fmt.Sprintf("txn %d %s(%s) begin=%d parent=%d %s",
			v.ID, v.State, v.RollbackReason, v.BeginTimestamp, v.ParentID, v.Isolation)
	}
	return fmt.Sprintf("txn %d %s begin=%d parent=%d %s", v.ID, v.State, v.BeginTimestamp, v.ParentID, v.Isolation)
}

func normalizeTables(tables []string) []string {
	if len(tables) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Supplier resolves a transaction id to a view. The cache, the manager and the
// store all implement it.
type Supplier interface {
	GetTransaction(ctx context.Context, id uint64) (*TxnView, error)
}

// Store is the durable record of every transaction.
type Store interface {
	Supplier
	Begin(ctx context.Context, opts BeginOptions) (*Transaction, error)
	Commit(ctx context.Context, id uint64) (Outcome, uint64, error)
	Rollback(ctx context.Context, id uint64, reason RollbackReason) (Outcome, error)
	KeepAlive(ctx context.Context, id uint64) (bool, error)
	ActiveTransactions(ctx context.Context) ([]*TxnView, error)
}
