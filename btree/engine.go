package btree

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradcypert/lowkeydb-sub000/common"
	"gopkg.in/yaml.v3"
)

// Config holds the engine's durability and caching knobs, loadable
// from a YAML file or populated with sane defaults.
type Config struct {
	CacheSize      int   `yaml:"cache_size"`
	CheckpointMs   int   `yaml:"checkpoint_interval_ms"`
	MaxWALBytes    int64 `yaml:"max_wal_bytes"`
	MaxArchivedWAL int   `yaml:"max_archived_wal"`
	LockTimeoutMs  int   `yaml:"lock_timeout_ms"`
	StrictRecovery bool  `yaml:"strict_recovery"`
}

// DefaultConfig returns conservative defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		CacheSize:      256,
		CheckpointMs:   5000,
		MaxWALBytes:    64 * 1024 * 1024,
		MaxArchivedWAL: 8,
		LockTimeoutMs:  30000,
		StrictRecovery: false,
	}
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig
// for any field the file omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Engine is the facade every caller uses: it wires together the
// Pager, BTree, WAL, and TransactionManager and enforces the
// lock-ordering rule (admission counter -> transaction manager mutex
// -> WAL mutex -> buffer pool mutex -> page latches) by never holding
// two of those locks in the wrong order within a single call.
type Engine struct {
	cfg    Config
	pager  *Pager
	tree   *BTree
	wal    *WAL
	txMgr  *TransactionManager
	logger *slog.Logger

	dbPath  string
	walPath string

	// admission tracks in-flight operations so Close can wait for them
	// to drain instead of yanking pages out from under a caller.
	admission sync.WaitGroup
	closing   atomic.Bool
}

// Create initializes a brand-new database at path (and its
// sibling .wal file), failing if either already exists.
func Create(path string, cfg Config) (*Engine, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, common.NewOperationError(common.OpInvalidOperation, "database file already exists")
	}
	if _, err := os.Stat(path + ".wal"); err == nil {
		return nil, common.NewOperationError(common.OpInvalidOperation, "wal file already exists")
	}
	return openEngine(path, cfg, true)
}

// Open opens an existing database, replaying its WAL before
// admitting new operations. Whether a replay error is fatal is
// governed by cfg.StrictRecovery.
func Open(path string, cfg Config) (*Engine, error) {
	return openEngine(path, cfg, false)
}

func openEngine(path string, cfg Config, creating bool) (*Engine, error) {
	logger := slog.Default().With("component", "engine", "db", path)

	pager, err := OpenPager(path, cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	walPath := path + ".wal"
	wal, err := OpenWAL(walPath)
	if err != nil {
		pager.Close()
		return nil, err
	}
	wal.Configure(cfg.CheckpointMs, cfg.MaxWALBytes, cfg.MaxArchivedWAL)

	tree := NewBTree(pager)
	txMgr := NewTransactionManager(wal, tree)

	e := &Engine{
		cfg:     cfg,
		pager:   pager,
		tree:    tree,
		wal:     wal,
		txMgr:   txMgr,
		logger:  logger,
		dbPath:  path,
		walPath: walPath,
	}

	if !creating {
		if err := wal.Recover(e); err != nil {
			logger.Warn("wal recovery failed", "error", err)
			if cfg.StrictRecovery {
				wal.Close()
				pager.Close()
				return nil, common.NewWALError(common.WALRecoveryFailed, err.Error())
			}
		} else {
			logger.Info("wal recovery complete")
		}
	}

	return e, nil
}

// ReplayPut and ReplayDelete satisfy WAL.Replayer: they mutate the
// tree directly, bypassing the transaction manager and WAL logging
// (the WAL itself suppresses writes while recoveryMode is set).
func (e *Engine) ReplayPut(key, value []byte) error {
	if _, err := e.tree.Put(key, value); err != nil {
		if oe, ok := err.(*common.OperationError); ok && oe.Kind == common.OpInvalidOperation {
			_, _ = e.tree.Delete(key)
			_, err := e.tree.Put(key, value)
			return err
		}
		return err
	}
	return nil
}

func (e *Engine) ReplayDelete(key []byte) error {
	_, err := e.tree.Delete(key)
	if err == common.ErrKeyNotFound {
		return nil
	}
	return err
}

func (e *Engine) enter() error {
	if e.closing.Load() {
		return common.ErrShuttingDown
	}
	e.admission.Add(1)
	return nil
}

func (e *Engine) leave() { e.admission.Done() }

// Put performs a non-transactional write. It is wrapped in an implicit
// begin/commit pair so every mutation, transactional or not, goes
// through the same durable commit path and the same redo-only
// recovery algorithm.
func (e *Engine) Put(key, value []byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	tx, err := e.txMgr.Begin(common.ReadCommitted, e.lockTimeout())
	if err != nil {
		return err
	}
	if err := e.txMgr.Put(tx.ID, key, value); err != nil {
		_ = e.txMgr.Abort(tx.ID)
		return err
	}
	return e.txMgr.Commit(tx.ID)
}

func (e *Engine) Delete(key []byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	tx, err := e.txMgr.Begin(common.ReadCommitted, e.lockTimeout())
	if err != nil {
		return err
	}
	if err := e.txMgr.Delete(tx.ID, key); err != nil {
		_ = e.txMgr.Abort(tx.ID)
		return err
	}
	return e.txMgr.Commit(tx.ID)
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()
	return e.tree.Get(key)
}

func (e *Engine) KeyCount() int64 { return e.pager.KeyCount() }

func (e *Engine) lockTimeout() time.Duration {
	return time.Duration(e.cfg.LockTimeoutMs) * time.Millisecond
}

// BeginTx/CommitTx/AbortTx/PutTx/GetTx/DeleteTx expose explicit
// transactions to callers that need more than one mutation to commit
// atomically together.
func (e *Engine) BeginTx(isolation common.IsolationLevel) (uint64, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.leave()
	tx, err := e.txMgr.Begin(isolation, e.lockTimeout())
	if err != nil {
		return 0, err
	}
	return tx.ID, nil
}

func (e *Engine) CommitTx(id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.txMgr.Commit(id)
}

func (e *Engine) AbortTx(id uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.txMgr.Abort(id)
}

func (e *Engine) PutTx(id uint64, key, value []byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.txMgr.Put(id, key, value)
}

func (e *Engine) GetTx(id uint64, key []byte) ([]byte, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()
	return e.txMgr.Read(id, key)
}

func (e *Engine) DeleteTx(id uint64, key []byte) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.txMgr.Delete(id, key)
}

// Sync flushes dirty pages and fsyncs the data file.
func (e *Engine) Sync() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.pager.Sync()
}

func (e *Engine) FlushWAL() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.wal.Flush()
}

// Checkpoint flushes all dirty pages, writes a checkpoint record, and
// rotates the WAL segment if it has grown past the configured
// threshold.
func (e *Engine) Checkpoint() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	if err := e.pager.Sync(); err != nil {
		return err
	}
	if _, err := e.wal.WriteCheckpoint(uint32(e.txMgr.ActiveCount())); err != nil {
		return err
	}
	rotated, err := e.wal.RotateIfDue()
	if err != nil {
		return err
	}
	if rotated {
		e.logger.Info("wal segment rotated")
	}
	return nil
}

func (e *Engine) StartAutoCheckpoint() {
	e.wal.StartCheckpointTask(e.Checkpoint)
}

func (e *Engine) StopAutoCheckpoint() {
	e.wal.StopCheckpointTask()
}

func (e *Engine) ConfigureCheckpointing(intervalMs int, maxWALBytes int64, maxArchived int) {
	e.wal.Configure(intervalMs, maxWALBytes, maxArchived)
}

// ActiveTransactionCount reports how many transactions are still ACTIVE.
func (e *Engine) ActiveTransactionCount() int { return e.txMgr.ActiveCount() }

func (e *Engine) BufferStats() common.BufferStats { return e.pager.BufferPool().Stats() }

func (e *Engine) CheckpointStats() common.CheckpointStats { return e.wal.Stats() }

// ValidateStructure walks the whole tree, verifying every invariant
// the page format and key-count bookkeeping promise.
func (e *Engine) ValidateStructure() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	return e.tree.ValidateStructure()
}

// Close waits for in-flight operations to finish, stops the
// background checkpoint task, and flushes everything to disk.
func (e *Engine) Close() error {
	e.closing.Store(true)
	e.admission.Wait()

	e.wal.StopCheckpointTask()

	if err := e.pager.Sync(); err != nil {
		e.wal.Close()
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.pager.Close()
}
