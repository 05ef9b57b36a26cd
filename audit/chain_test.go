package audit

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/types"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	w, err := NewWriter(db, cfg, zap.NewNop())
	require.NoError(t, err)
	return w, db
}

func seedEntries(t *testing.T, db *gorm.DB, n int, offset time.Duration) {
	t.Helper()
	base := time.Now().Add(offset)
	for i := 0; i < n; i++ {
		e := types.AuditLogEntry{
			Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
			Method:     "POST",
			Path:       "/v1/chat/completions",
			StatusCode: 200,
			ActorKind:  types.ActorAPIKey,
			ActorID:    "key-1",
		}
		require.NoError(t, db.Create(&e).Error)
	}
}

func TestWriter_SealChainsBatches(t *testing.T) {
	w, db := newTestWriter(t, Config{})
	ctx := context.Background()

	seedEntries(t, db, 3, -3*time.Hour)
	require.NoError(t, w.seal(ctx))

	seedEntries(t, db, 2, -2*time.Hour)
	require.NoError(t, w.seal(ctx))

	seedEntries(t, db, 4, -1*time.Hour)
	require.NoError(t, w.seal(ctx))

	var batches []types.AuditBatchHash
	require.NoError(t, db.Order("sequence_number asc").Find(&batches).Error)
	require.Len(t, batches, 3)

	assert.Equal(t, types.GenesisHash, batches[0].PreviousHash)
	assert.Equal(t, uint64(1), batches[0].SequenceNumber)
	for i := 1; i < len(batches); i++ {
		assert.Equal(t, batches[i-1].SequenceNumber+1, batches[i].SequenceNumber)
		assert.Equal(t, batches[i-1].Hash, batches[i].PreviousHash)
	}

	result, err := w.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.BatchCount)
}

func TestWriter_SealNoEntriesIsNoop(t *testing.T) {
	w, db := newTestWriter(t, Config{})
	require.NoError(t, w.seal(context.Background()))

	var count int64
	require.NoError(t, db.Model(&types.AuditBatchHash{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWriter_VerifyChainDetectsTamper(t *testing.T) {
	w, db := newTestWriter(t, Config{})
	ctx := context.Background()

	seedEntries(t, db, 2, -2*time.Hour)
	require.NoError(t, w.seal(ctx))
	seedEntries(t, db, 2, -1*time.Hour)
	require.NoError(t, w.seal(ctx))

	var entries []types.AuditLogEntry
	require.NoError(t, db.Where("batch_id = ?", uint64(2)).Order("id asc").Find(&entries).Error)
	require.NotEmpty(t, entries)
	tampered := entries[0]
	require.NoError(t, db.Model(&types.AuditLogEntry{}).Where("id = ?", tampered.ID).Update("status_code", 500).Error)

	result, err := w.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, uint64(2), result.FirstDivergentSeq)
}

func TestWriter_SendDropsOldestWhenFull(t *testing.T) {
	w, _ := newTestWriter(t, Config{BufferCapacity: 2})

	w.Send(types.AuditLogEntry{Path: "/a"})
	w.Send(types.AuditLogEntry{Path: "/b"})
	w.Send(types.AuditLogEntry{Path: "/c"})

	first, ok := w.buf.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "/b", first.Path)

	second, ok := w.buf.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "/c", second.Path)

	_, ok = w.buf.TryReceive()
	assert.False(t, ok)
}

func TestWriter_BatchIntervalZeroSealsOnEveryFlush(t *testing.T) {
	w, db := newTestWriter(t, Config{FlushInterval: 10 * time.Millisecond, BatchInterval: 0})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Send(types.AuditLogEntry{Method: "POST", Path: "/v1/chat/completions", StatusCode: 200})

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&types.AuditBatchHash{}).Count(&count)
		return count == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	w.Stop(ctx)
}
