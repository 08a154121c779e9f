package upload

import (
	"fmt"

	"sheetsync/pkg/records"
)

// DefaultMaxBatchRows bounds a single batch.
const DefaultMaxBatchRows = 50000

// BatchID returns the identifier of the seq-th batch of a collection within
// a run. It is unique per (run, collection).
func BatchID(runID, collectionID string, seq int) string {
	return fmt.Sprintf("%s:%s:%d", runID, collectionID, seq)
}

// Split cuts rows into batches of at most maxRows, numbered from 1. All
// batches share schema. No rows yields no batches.
func Split(runID, collectionID string, schema []records.Column, rows []records.TargetRow, maxRows int) []records.Batch {
	if len(rows) == 0 {
		return nil
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxBatchRows
	}
	out := make([]records.Batch, 0, (len(rows)+maxRows-1)/maxRows)
	for start, seq := 0, 1; start < len(rows); start, seq = start+maxRows, seq+1 {
		end := min(start+maxRows, len(rows))
		out = append(out, records.Batch{
			ID:           BatchID(runID, collectionID, seq),
			CollectionID: collectionID,
			Schema:       schema,
			Rows:         rows[start:end],
		})
	}
	return out
}
