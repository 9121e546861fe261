package btree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradcypert/lowkeydb-sub000/common"
)

// TxState is a transaction's lifecycle state.
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "ACTIVE"
	case TxCommitted:
		return "COMMITTED"
	case TxAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// undoOp tags what an UndoEntry reverses.
type undoOp byte

const (
	undoPut undoOp = iota
	undoDelete
)

// UndoEntry captures enough of a single mutation to reverse it: a put
// over a fresh key undoes by deleting; a put over an existing key
// undoes by restoring OldValue; a delete undoes by re-inserting
// OldValue.
type UndoEntry struct {
	Op       undoOp
	Key      []byte
	OldValue []byte
	HadOld   bool
}

// Transaction is a single unit of work against the tree. Isolation
// levels are tracked and exposed at the API boundary, but the engine
// does not isolate transactions from each other: the transaction
// manager's mutex guards only its map of transactions, several
// transactions may be active and writing at once, and there is no
// per-key locking.
type Transaction struct {
	ID          uint64
	State       TxState
	Isolation   common.IsolationLevel
	StartedAt   time.Time
	LockTimeout time.Duration

	UndoLog []UndoEntry
}

// TransactionManager owns the set of in-flight transactions and their
// undo logs, and drives commit/abort through the WAL.
type TransactionManager struct {
	mu     sync.Mutex
	txs    map[uint64]*Transaction
	nextID atomic.Uint64

	wal   *WAL
	btree *BTree
}

func NewTransactionManager(wal *WAL, btree *BTree) *TransactionManager {
	tm := &TransactionManager{
		txs:   make(map[uint64]*Transaction),
		wal:   wal,
		btree: btree,
	}
	tm.nextID.Store(1)
	return tm
}

// Begin starts a new transaction, logging a begin record so recovery
// can recognize records belonging to it even if the process crashes
// before commit.
func (tm *TransactionManager) Begin(isolation common.IsolationLevel, lockTimeout time.Duration) (*Transaction, error) {
	id := tm.nextID.Add(1) - 1
	if _, err := tm.wal.WriteBegin(id); err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:          id,
		State:       TxActive,
		Isolation:   isolation,
		StartedAt:   time.Now(),
		LockTimeout: lockTimeout,
	}

	tm.mu.Lock()
	tm.txs[id] = tx
	tm.mu.Unlock()
	return tx, nil
}

// Get returns the transaction for id, or a NOT_FOUND TransactionError.
func (tm *TransactionManager) Get(id uint64) (*Transaction, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tx, ok := tm.txs[id]
	if !ok {
		return nil, common.NewTransactionError(common.TxNotFound, id, "no such transaction")
	}
	return tx, nil
}

// requireActive looks up id and confirms it is still ACTIVE.
func (tm *TransactionManager) requireActive(id uint64) (*Transaction, error) {
	tx, err := tm.Get(id)
	if err != nil {
		return nil, err
	}
	if tx.State != TxActive {
		return nil, common.NewTransactionError(common.TxNotActive, id, "transaction is "+tx.State.String())
	}
	return tx, nil
}

// Put applies (key, value) within tx, recording an undo entry and a
// WAL record with both images before returning. Overwriting a key
// that already exists logs an update record (carrying the old value
// for undo); a fresh key logs an insert record.
func (tm *TransactionManager) Put(id uint64, key, value []byte) error {
	tx, err := tm.requireActive(id)
	if err != nil {
		return err
	}

	oldValue, getErr := tm.btree.Get(key)
	hadOld := getErr == nil

	pageID, err := tm.btree.Put(key, value)
	if err != nil {
		return err
	}

	if hadOld {
		if _, err := tm.wal.WriteUpdate(id, pageID, key, oldValue, value); err != nil {
			return err
		}
	} else {
		if _, err := tm.wal.WriteInsert(id, pageID, key, value); err != nil {
			return err
		}
	}

	tx.UndoLog = append(tx.UndoLog, UndoEntry{Op: undoPut, Key: append([]byte(nil), key...), OldValue: oldValue, HadOld: hadOld})
	return nil
}

// Delete removes key within tx. A delete of an absent key is a no-op
// that still succeeds (consistent with the non-transactional Delete).
func (tm *TransactionManager) Delete(id uint64, key []byte) error {
	tx, err := tm.requireActive(id)
	if err != nil {
		return err
	}

	oldValue, getErr := tm.btree.Get(key)
	if getErr != nil {
		return nil
	}

	pageID, err := tm.btree.Delete(key)
	if err != nil {
		return err
	}

	if _, err := tm.wal.WriteDelete(id, pageID, key, oldValue); err != nil {
		return err
	}

	tx.UndoLog = append(tx.UndoLog, UndoEntry{Op: undoDelete, Key: append([]byte(nil), key...), OldValue: oldValue, HadOld: true})
	return nil
}

// Read reads key as of the current tree state (the engine provides no
// snapshot isolation, so a transactional read simply sees whatever the
// tree holds right now, including other transactions' uncommitted
// writes).
func (tm *TransactionManager) Read(id uint64, key []byte) ([]byte, error) {
	if _, err := tm.requireActive(id); err != nil {
		return nil, err
	}
	return tm.btree.Get(key)
}

// Commit durably finalizes tx and discards its undo log.
func (tm *TransactionManager) Commit(id uint64) error {
	tx, err := tm.requireActive(id)
	if err != nil {
		return err
	}
	if _, err := tm.wal.WriteCommit(id); err != nil {
		return err
	}
	tx.State = TxCommitted
	tx.UndoLog = nil
	return nil
}

// Abort reverses every mutation tx made, LIFO, then logs the abort
// record. Applying undo entries in reverse order is required when a
// key was written more than once within the same transaction.
func (tm *TransactionManager) Abort(id uint64) error {
	tx, err := tm.requireActive(id)
	if err != nil {
		return err
	}

	for i := len(tx.UndoLog) - 1; i >= 0; i-- {
		entry := tx.UndoLog[i]
		if entry.HadOld {
			if _, err := tm.btree.Put(entry.Key, entry.OldValue); err != nil {
				return err
			}
		} else {
			_, _ = tm.btree.Delete(entry.Key)
		}
	}

	if _, err := tm.wal.WriteAbort(id); err != nil {
		return err
	}
	tx.State = TxAborted
	tx.UndoLog = nil
	return nil
}

// CleanupTimedOut aborts every active transaction whose lock timeout
// has elapsed, returning the ids it aborted.
func (tm *TransactionManager) CleanupTimedOut() []uint64 {
	tm.mu.Lock()
	var expired []uint64
	now := time.Now()
	for id, tx := range tm.txs {
		if tx.State == TxActive && tx.LockTimeout > 0 && now.Sub(tx.StartedAt) > tx.LockTimeout {
			expired = append(expired, id)
		}
	}
	tm.mu.Unlock()

	for _, id := range expired {
		_ = tm.Abort(id)
	}
	return expired
}

// ActiveCount reports the number of transactions still ACTIVE.
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, tx := range tm.txs {
		if tx.State == TxActive {
			n++
		}
	}
	return n
}
