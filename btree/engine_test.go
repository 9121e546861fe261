package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradcypert/lowkeydb-sub000/common"
	"github.com/bradcypert/lowkeydb-sub000/common/testutil"
)

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.CacheSize = 32
	return cfg
}

func TestEngineCreateRejectsExistingFile(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Create(path, testEngineConfig())
	assert.Error(t, err)
}

func TestEnginePutGetDeleteRoundTrip(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))

	value, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(value))

	require.NoError(t, e.Delete([]byte("k1")))
	_, err = e.Get([]byte("k1"))
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestEngineExplicitTransactionCommit(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	defer e.Close()

	txID, err := e.BeginTx(common.ReadCommitted)
	require.NoError(t, err)
	assert.Equal(t, 1, e.ActiveTransactionCount())

	require.NoError(t, e.PutTx(txID, []byte("a"), []byte("1")))
	value, err := e.GetTx(txID, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(value))

	require.NoError(t, e.CommitTx(txID))
	assert.Equal(t, 0, e.ActiveTransactionCount())

	value, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(value))
}

func TestEngineExplicitTransactionAbortRollsBack(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("original")))

	txID, err := e.BeginTx(common.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.PutTx(txID, []byte("a"), []byte("changed")))
	require.NoError(t, e.DeleteTx(txID, []byte("a")))
	require.NoError(t, e.AbortTx(txID))

	value, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(value))
}

func TestEngineCheckpointAndBufferStats(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put([]byte(string(rune('a'+i%26))+"-key"), []byte("v")))
	}

	require.NoError(t, e.Checkpoint())

	cpStats := e.CheckpointStats()
	assert.Equal(t, uint64(1), cpStats.CheckpointCount)

	bufStats := e.BufferStats()
	assert.GreaterOrEqual(t, bufStats.Hits+bufStats.Misses, uint64(0))
}

func TestEngineValidateStructureAfterManyWrites(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 500; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		require.NoError(t, e.Put(key, []byte("value")))
	}

	assert.NoError(t, e.ValidateStructure())
}

func TestEngineReopenRecoversCommittedWritesAfterUncleanClose(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("durable"), []byte("value")))
	require.NoError(t, e.Sync())
	require.NoError(t, e.FlushWAL())

	// Simulate a crash: close the pager/wal directly without the
	// orderly Engine.Close drain, then reopen. Recovery replays the
	// committed put from the log over a data file that already holds
	// it, and the value still reads back.
	require.NoError(t, e.pager.Close())
	require.NoError(t, e.wal.Close())

	e2, err := Open(path, testEngineConfig())
	require.NoError(t, err)
	defer e2.Close()

	value, err := e2.Get([]byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(value))
}

func TestEngineCloseRejectsOperationsAfterShutdown(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	err = e.Put([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, common.ErrShuttingDown)
}

func TestEngineConfigureCheckpointingUpdatesWALThresholds(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "db.dat")

	e, err := Create(path, testEngineConfig())
	require.NoError(t, err)
	defer e.Close()

	e.ConfigureCheckpointing(1000, 1<<20, 2)

	e.wal.mu.Lock()
	intervalMs, maxWALBytes, maxArchived := e.wal.intervalMs, e.wal.maxWALBytes, e.wal.maxArchived
	e.wal.mu.Unlock()
	assert.Equal(t, 1000, intervalMs)
	assert.Equal(t, int64(1<<20), maxWALBytes)
	assert.Equal(t, 2, maxArchived)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Checkpoint())
}
