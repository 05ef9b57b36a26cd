package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/llmlb/llmlb/types"
)

// entryDigest is the deterministic per-entry canonicalization folded into a
// batch's hash, per §4.5: method|path|status|timestamp|actor|detail-hash.
func entryDigest(e types.AuditLogEntry) string {
	detailSum := sha256.Sum256([]byte(e.Detail))
	raw := fmt.Sprintf("%s|%s|%d|%d|%s:%s|%s",
		e.Method, e.Path, e.StatusCode, e.Timestamp.UnixNano(),
		e.ActorKind, e.ActorID, hex.EncodeToString(detailSum[:]))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// batchHash computes a batch's chained hash from its metadata, the previous
// batch's hash, and the canonical digest of every entry it covers.
func batchHash(previousHash string, seq uint64, batch types.AuditBatchHash, entries []types.AuditLogEntry) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte(batch.BatchStart.UTC().Format("2006-01-02T15:04:05.000000000Z")))
	h.Write([]byte(batch.BatchEnd.UTC().Format("2006-01-02T15:04:05.000000000Z")))
	h.Write([]byte(strconv.Itoa(batch.RecordCount)))
	for _, e := range entries {
		h.Write([]byte(entryDigest(e)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// seal fetches every unbatched entry, assigns them to one new batch, links
// it to the previous batch's hash (or the genesis hash for the first
// batch), and persists both the batch row and the entries' batch_id
// atomically. A zero-entry seal is a no-op: empty batches are never
// recorded.
func (w *Writer) seal(ctx context.Context) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []types.AuditLogEntry
		if err := tx.Where("batch_id IS NULL").Order("timestamp asc, id asc").Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		var last types.AuditBatchHash
		previousHash := types.GenesisHash
		nextSeq := uint64(1)
		err := tx.Order("sequence_number desc").First(&last).Error
		switch {
		case err == nil:
			previousHash = last.Hash
			nextSeq = last.SequenceNumber + 1
		case err == gorm.ErrRecordNotFound:
			// first batch ever sealed, genesis linkage applies
		default:
			return err
		}

		batch := types.AuditBatchHash{
			SequenceNumber: nextSeq,
			BatchStart:     entries[0].Timestamp,
			BatchEnd:       entries[len(entries)-1].Timestamp,
			RecordCount:    len(entries),
			PreviousHash:   previousHash,
		}
		batch.Hash = batchHash(previousHash, nextSeq, batch, entries)

		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		ids := make([]uint64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		return tx.Model(&types.AuditLogEntry{}).Where("id IN ?", ids).Update("batch_id", nextSeq).Error
	})
}

// VerifyResult reports the outcome of walking the batch chain.
type VerifyResult struct {
	Valid            bool
	BatchCount       int
	FirstDivergentSeq uint64
}

// VerifyChain walks every sealed batch in sequence order, recomputes each
// hash from its covered entries, and confirms previous_hash linkage back to
// the genesis hash. It reports the first batch whose stored hash or linkage
// no longer matches what the covered entries produce — the tamper-detection
// surface P2 exercises.
func (w *Writer) VerifyChain(ctx context.Context) (VerifyResult, error) {
	var batches []types.AuditBatchHash
	if err := w.db.WithContext(ctx).Order("sequence_number asc").Find(&batches).Error; err != nil {
		return VerifyResult{}, err
	}

	expectedPrev := types.GenesisHash
	for _, batch := range batches {
		if batch.PreviousHash != expectedPrev {
			return VerifyResult{Valid: false, BatchCount: len(batches), FirstDivergentSeq: batch.SequenceNumber}, nil
		}

		var entries []types.AuditLogEntry
		if err := w.db.WithContext(ctx).Where("batch_id = ?", batch.SequenceNumber).Order("timestamp asc, id asc").Find(&entries).Error; err != nil {
			return VerifyResult{}, err
		}

		recomputed := batchHash(batch.PreviousHash, batch.SequenceNumber, batch, entries)
		if recomputed != batch.Hash || len(entries) != batch.RecordCount {
			return VerifyResult{Valid: false, BatchCount: len(batches), FirstDivergentSeq: batch.SequenceNumber}, nil
		}

		expectedPrev = batch.Hash
	}

	return VerifyResult{Valid: true, BatchCount: len(batches)}, nil
}
